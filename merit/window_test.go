package merit_test

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"

	"github.com/housepoints/merit-engine/merit"
)

func weekly(resetDay int) merit.SupplyPolicy {
	return merit.SupplyPolicy{Kind: merit.SupplyCyclic, SpacesPerCycle: 1, CycleLengthWeeks: 1, ResetDayOfWeek: resetDay}
}

func TestWindowFor(t *testing.T) {
	cal := merit.DefaultCalendar(london)

	tests := []struct {
		name      string
		policy    merit.SupplyPolicy
		asOf      time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "tuesday falls in the week starting monday",
			policy:    weekly(1),
			asOf:      time.Date(2025, time.March, 11, 15, 0, 0, 0, london),
			wantStart: time.Date(2025, time.March, 10, 2, 0, 0, 0, london),
			wantEnd:   time.Date(2025, time.March, 17, 2, 0, 0, 0, london),
		},
		{
			name:      "monday before the reset hour belongs to the previous week",
			policy:    weekly(1),
			asOf:      time.Date(2025, time.March, 10, 1, 59, 0, 0, london),
			wantStart: time.Date(2025, time.March, 3, 2, 0, 0, 0, london),
			wantEnd:   time.Date(2025, time.March, 10, 2, 0, 0, 0, london),
		},
		{
			name:      "exactly at the reset opens the new window",
			policy:    weekly(1),
			asOf:      time.Date(2025, time.March, 10, 2, 0, 0, 0, london),
			wantStart: time.Date(2025, time.March, 10, 2, 0, 0, 0, london),
			wantEnd:   time.Date(2025, time.March, 17, 2, 0, 0, 0, london),
		},
		{
			name:      "friday reset",
			policy:    weekly(5),
			asOf:      time.Date(2025, time.March, 11, 12, 0, 0, 0, london),
			wantStart: time.Date(2025, time.March, 7, 2, 0, 0, 0, london),
			wantEnd:   time.Date(2025, time.March, 14, 2, 0, 0, 0, london),
		},
		{
			name:      "window spanning the spring clock change keeps the local reset hour",
			policy:    weekly(1),
			asOf:      time.Date(2025, time.March, 29, 12, 0, 0, 0, london),
			wantStart: time.Date(2025, time.March, 24, 2, 0, 0, 0, london),
			wantEnd:   time.Date(2025, time.March, 31, 2, 0, 0, 0, london),
		},
		{
			name:      "zero weeks is treated as one",
			policy:    merit.SupplyPolicy{Kind: merit.SupplyCyclic, SpacesPerCycle: 1, ResetDayOfWeek: 1},
			asOf:      time.Date(2025, time.March, 11, 15, 0, 0, 0, london),
			wantStart: time.Date(2025, time.March, 10, 2, 0, 0, 0, london),
			wantEnd:   time.Date(2025, time.March, 17, 2, 0, 0, 0, london),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := cal.WindowFor(tt.policy, tt.asOf)
			assert.True(t, tt.wantStart.Equal(w.Start), "start: got %v want %v", w.Start, tt.wantStart)
			assert.True(t, tt.wantEnd.Equal(w.End), "end: got %v want %v", w.End, tt.wantEnd)
			assert.True(t, w.Contains(tt.asOf))
		})
	}
}

func TestWindowFor_SpringWeekIsShorter(t *testing.T) {
	// GIVEN: The week containing the last Sunday of March
	// WHEN: Computing its window
	// THEN: It lasts 167 hours because one local hour is skipped

	w := merit.DefaultCalendar(london).WindowFor(weekly(1), time.Date(2025, time.March, 29, 12, 0, 0, 0, london))
	assert.Equal(t, 167*time.Hour, w.End.Sub(w.Start))
}

func TestWindowFor_MultiWeekIsStable(t *testing.T) {
	// GIVEN: A fortnightly cycle
	// WHEN: Querying every day of four weeks
	// THEN: Exactly two distinct windows appear, each fourteen days long

	cal := merit.DefaultCalendar(london)
	sp := merit.SupplyPolicy{Kind: merit.SupplyCyclic, SpacesPerCycle: 1, CycleLengthWeeks: 2, ResetDayOfWeek: 1}

	starts := map[time.Time]bool{}
	for d := 0; d < 28; d++ {
		asOf := time.Date(2025, time.January, 13+d, 12, 0, 0, 0, london)
		w := cal.WindowFor(sp, asOf)
		assert.Equal(t, 14*24*time.Hour, w.End.Sub(w.Start))
		assert.Equal(t, time.Monday, w.Start.Weekday())
		starts[w.Start] = true
	}
	assert.Len(t, starts, 2)
}

func TestWindow_HalfOpenAndNeighbours(t *testing.T) {
	w := merit.DefaultCalendar(london).WindowFor(weekly(1), monday)

	assert.True(t, w.Contains(w.Start))
	assert.False(t, w.Contains(w.End))
	assert.False(t, w.Contains(w.Start.Add(-time.Nanosecond)))

	next := w.Next()
	assert.True(t, next.Start.Equal(w.End))
	assert.True(t, next.Previous().Start.Equal(w.Start))
	assert.Equal(t, 2, next.End.Hour())
}

func TestWindowFor_ResetHourInsideDSTGap(t *testing.T) {
	// GIVEN: Sao Paulo skipped from 00:00 to 01:00 on Sunday 4 November 2018
	// WHEN: Asking for the Sunday-reset window one minute before the gap
	// THEN: The window still contains asOf and the next one starts when the
	//       clocks resume

	saoPaulo := mustLoad("America/Sao_Paulo")
	cal := merit.CycleCalendar{Location: saoPaulo, ResetHour: 0}
	asOf := time.Date(2018, time.November, 3, 23, 59, 0, 0, saoPaulo)

	w := cal.WindowFor(weekly(7), asOf)
	assert.True(t, w.Contains(asOf), "window %s must contain %s", w, asOf)
	assert.True(t, w.Start.Equal(time.Date(2018, time.October, 28, 0, 0, 0, 0, saoPaulo)))

	gapEnd := time.Date(2018, time.November, 4, 3, 0, 0, 0, time.UTC)
	assert.True(t, w.End.Equal(gapEnd), "end %s", w.End)

	after := cal.WindowFor(weekly(7), gapEnd)
	assert.True(t, after.Start.Equal(w.End))
	assert.True(t, after.Contains(gapEnd))

	next := w.Next()
	assert.True(t, next.Start.Equal(after.Start))
	assert.True(t, next.End.Equal(after.End))
	assert.Equal(t, 0, next.End.In(saoPaulo).Hour())
	assert.True(t, next.Previous().Start.Equal(w.Start))
}

func TestWindowFor_EveryMinuteIsCovered(t *testing.T) {
	// GIVEN: A midnight reset across the Sao Paulo spring-forward night
	// WHEN: Computing the window for each minute of that night
	// THEN: Every window contains the instant it was computed for

	saoPaulo := mustLoad("America/Sao_Paulo")
	cal := merit.CycleCalendar{Location: saoPaulo, ResetHour: 0}
	from := time.Date(2018, time.November, 3, 22, 0, 0, 0, saoPaulo)

	for i := 0; i < 4*60; i++ {
		asOf := from.Add(time.Duration(i) * time.Minute)
		w := cal.WindowFor(weekly(7), asOf)
		if !assert.True(t, w.Contains(asOf), "window %s for %s", w, asOf) {
			return
		}
	}
}
