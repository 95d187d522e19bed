/*
Package report builds the weekly purchase digest.

PURPOSE:
  Staff get one summary per week of what pupils redeemed, grouped by form
  so form tutors can hand prizes out. Refunded purchases are left out.

USAGE:
  d, err := report.Build(ctx, store, since, until)
  if err != nil { ... }
  if d.Empty() { return }
  d.Render(os.Stdout)

SEE ALSO:
  - scheduler.go: runs Build once a week and hands the result to a Notifier
*/
package report

import (
	"context"
	"io"
	"sort"
	"text/template"
	"time"

	"github.com/housepoints/merit-engine/merit"
)

// Line is one redemption in the digest.
type Line struct {
	PurchaseID  merit.PurchaseID `json:"purchase_id"`
	PupilID     merit.PupilID    `json:"pupil_id"`
	PupilName   string           `json:"pupil_name"`
	LastName    string           `json:"-"`
	Prize       string           `json:"prize"`
	CostMerits  int              `json:"cost_merits"`
	Status      string           `json:"status"`
	PurchasedAt time.Time        `json:"purchased_at"`
}

// FormGroup collects the lines of one form.
type FormGroup struct {
	Form  string `json:"form"`
	Lines []Line `json:"lines"`
}

// Digest is the purchase summary for [Since, Until].
type Digest struct {
	Since       time.Time   `json:"since"`
	Until       time.Time   `json:"until"`
	Forms       []FormGroup `json:"forms"`
	Total       int         `json:"total"`
	TotalMerits int         `json:"total_merits"`
}

// Empty reports whether nothing was redeemed in the period.
func (d *Digest) Empty() bool { return d.Total == 0 }

const unknownForm = "(no form)"

// Build collects non-refunded purchases created in [since, until] and groups
// them by form name, then pupil last name, then purchase time.
func Build(ctx context.Context, store merit.Store, since, until time.Time) (*Digest, error) {
	to := until.Add(time.Nanosecond)
	purchases, err := store.ListPurchases(ctx, merit.PurchaseFilter{From: &since, To: &to})
	if err != nil {
		return nil, err
	}

	pupils := map[merit.PupilID]*merit.Pupil{}
	prizes := map[merit.PrizeID]*merit.Prize{}
	byForm := map[string][]Line{}
	d := &Digest{Since: since, Until: until}

	for _, p := range purchases {
		if !p.Counts() {
			continue
		}
		pupil, ok := pupils[p.PupilID]
		if !ok {
			pupil, err = store.GetPupil(ctx, p.PupilID)
			if err != nil {
				return nil, err
			}
			pupils[p.PupilID] = pupil
		}
		prize, ok := prizes[p.PrizeID]
		if !ok {
			prize, err = store.GetPrize(ctx, p.PrizeID)
			if err != nil {
				return nil, err
			}
			prizes[p.PrizeID] = prize
		}

		form := pupil.FormName
		if form == "" {
			form = unknownForm
		}
		byForm[form] = append(byForm[form], Line{
			PurchaseID:  p.ID,
			PupilID:     p.PupilID,
			PupilName:   pupil.FullName(),
			LastName:    pupil.LastName,
			Prize:       prize.Description,
			CostMerits:  p.CostMerits,
			Status:      string(p.Status),
			PurchasedAt: p.CreatedAt,
		})
		d.Total++
		d.TotalMerits += p.CostMerits
	}

	forms := make([]string, 0, len(byForm))
	for f := range byForm {
		forms = append(forms, f)
	}
	sort.Strings(forms)

	for _, f := range forms {
		lines := byForm[f]
		sort.SliceStable(lines, func(i, j int) bool {
			if lines[i].LastName != lines[j].LastName {
				return lines[i].LastName < lines[j].LastName
			}
			return lines[i].PurchasedAt.Before(lines[j].PurchasedAt)
		})
		d.Forms = append(d.Forms, FormGroup{Form: f, Lines: lines})
	}
	return d, nil
}

var digestTemplate = template.Must(template.New("digest").Parse(
	`Weekly Purchase Summary
Period: {{.Since.Format "Mon 02 Jan 2006 15:04"}} to {{.Until.Format "Mon 02 Jan 2006 15:04"}}
{{range .Forms}}
Form: {{.Form}}
{{range .Lines}}  {{.PurchasedAt.Format "02/01/2006 15:04"}}  {{.PupilName}} bought "{{.Prize}}" for {{.CostMerits}} merits
{{end}}{{end}}
Total: {{.Total}} purchases, {{.TotalMerits}} merits
`))

// Render writes the digest as plain text.
func (d *Digest) Render(w io.Writer) error {
	return digestTemplate.Execute(w, d)
}

// Subject is the notification subject line.
func (d *Digest) Subject() string {
	return "Weekly Purchase Summary (" + d.Since.Format("Mon 02 Jan 2006") + " - " + d.Until.Format("Mon 02 Jan 2006") + ")"
}
