package report

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/housepoints/merit-engine/merit"
)

// =============================================================================
// NOTIFIER
// =============================================================================

// Notifier delivers a digest to staff.
type Notifier interface {
	Notify(ctx context.Context, d *Digest) error
}

// LogNotifier writes the rendered digest to the logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(ctx context.Context, d *Digest) error {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return err
	}
	n.Logger.Info("purchase digest",
		zap.String("subject", d.Subject()),
		zap.Int("purchases", d.Total),
		zap.Int("merits", d.TotalMerits),
		zap.String("body", buf.String()))
	return nil
}

// =============================================================================
// SCHEDULER
// =============================================================================

// Scheduler runs the digest once a week at Weekday/Hour in Location and
// covers the preceding Lookback. Empty digests are not sent.
type Scheduler struct {
	Store    merit.Store
	Notifier Notifier
	Logger   *zap.Logger

	Weekday  time.Weekday
	Hour     int
	Location *time.Location
	Lookback time.Duration
	Now      func() time.Time

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler defaults to Wednesday 14:00 with a seven day lookback.
func NewScheduler(store merit.Store, notifier Notifier, loc *time.Location, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		Store:    store,
		Notifier: notifier,
		Logger:   logger,
		Weekday:  time.Wednesday,
		Hour:     14,
		Location: loc,
		Lookback: 7 * 24 * time.Hour,
		Now:      time.Now,
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.Logger.Info("digest scheduler started", zap.Time("next_run", s.NextRunTime()))
}

// Stop stops the scheduler and waits for an in-flight run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.running = false
	s.Logger.Info("digest scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		wait := s.NextRunTime().Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if _, err := s.RunNow(context.Background()); err != nil {
				s.Logger.Error("digest run failed", zap.Error(err))
			}
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// RunNow builds the digest for the lookback ending now and sends it unless
// it is empty. The digest is returned either way.
func (s *Scheduler) RunNow(ctx context.Context) (*Digest, error) {
	until := s.now()
	since := until.Add(-s.Lookback)

	d, err := Build(ctx, s.Store, since, until)
	if err != nil {
		return nil, err
	}
	if d.Empty() {
		s.Logger.Info("no purchases this week, skipping digest")
		return d, nil
	}
	if err := s.Notifier.Notify(ctx, d); err != nil {
		return d, err
	}
	s.Logger.Info("digest sent", zap.Int("purchases", d.Total))
	return d, nil
}

// NextRunTime returns the next Weekday at Hour:00 strictly after now.
func (s *Scheduler) NextRunTime() time.Time {
	now := s.now().In(s.Location)
	next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, 0, 0, 0, s.Location)
	days := (int(s.Weekday) - int(now.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
