// Package forsering computes the acceleration cost cap and tracks the
// acceleration sub-case lifecycle.
package forsering

import (
	"encoding/json"
	"fmt"

	"kravflyt/internal/config"
	"kravflyt/internal/domain"
	"kravflyt/internal/format"
)

const (
	DefaultUpliftPercent  = 30
	DefaultWarningPercent = 80
)

// CostCap returns the statutory maximum acceleration cost for the rejected
// days: days x rate plus the default 30% uplift.
func CostCap(rejectedDays int, dailyPenaltyRate float64) float64 {
	return CostCapWith(rejectedDays, dailyPenaltyRate, DefaultUpliftPercent)
}

// CostCapWith is CostCap with an explicit uplift percentage.
func CostCapWith(rejectedDays int, dailyPenaltyRate float64, upliftPercent int) float64 {
	if rejectedDays <= 0 || dailyPenaltyRate <= 0 {
		return 0
	}
	return float64(rejectedDays) * dailyPenaltyRate * float64(100+upliftPercent) / 100
}

type Level string

const (
	LevelOK      Level = "ok"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

type Reason string

const (
	ReasonNone         Reason = ""
	ReasonOverCap      Reason = "over_cap"
	ReasonNearCap      Reason = "near_cap"
	ReasonOverEstimate Reason = "over_estimate"
	ReasonNearEstimate Reason = "near_estimate"
)

type Classification struct {
	Level  Level  `json:"level" enum:"ok,warning,danger"`
	Reason Reason `json:"reason,omitempty"`
}

// Classify grades incurred cost against the cap and the estimate using the
// default 80% warning threshold.
func Classify(incurred, maxCost, estimated float64) Classification {
	return ClassifyWith(incurred, maxCost, estimated, DefaultWarningPercent)
}

// ClassifyWith grades incurred cost. Rules apply in order; the first match
// wins. Percentages are compared by cross-multiplying so that exactly 80% is
// never lost to rounding. A zero estimate skips the estimate rules.
func ClassifyWith(incurred, maxCost, estimated float64, warningPercent int) Classification {
	pct := float64(warningPercent)
	switch {
	case incurred > maxCost:
		return Classification{Level: LevelDanger, Reason: ReasonOverCap}
	case maxCost > 0 && incurred*100 >= maxCost*pct:
		return Classification{Level: LevelWarning, Reason: ReasonNearCap}
	case estimated > 0 && incurred > estimated:
		return Classification{Level: LevelWarning, Reason: ReasonOverEstimate}
	case estimated > 0 && incurred*100 >= estimated*pct:
		return Classification{Level: LevelWarning, Reason: ReasonNearEstimate}
	}
	return Classification{Level: LevelOK}
}

// Eligibility tells whether the frist outcome allows acceleration and how many
// days were refused.
func Eligibility(frist, grunnlag domain.Track) domain.ForseringEligibility {
	switch frist.Status {
	case domain.StatusDraft, domain.StatusWithdrawn, domain.StatusNotApplicable:
		return domain.ForseringEligibility{}
	}
	days := 0
	switch {
	case grunnlag.Rejected() && frist.ClaimedDays > 0:
		days = frist.ClaimedDays
	case frist.Status == domain.StatusRejected:
		days = frist.ClaimedDays
	case frist.Status == domain.StatusPartiallyApproved:
		days = frist.ClaimedDays - frist.ApprovedDays
	}
	if days <= 0 {
		return domain.ForseringEligibility{}
	}
	return domain.ForseringEligibility{Eligible: true, RejectedDays: days}
}

// Next returns the stage an event moves f into, or false if the event is not
// allowed from f's current stage.
func Next(f *domain.Forsering, evtType domain.EventType) (domain.ForseringStage, bool) {
	switch evtType {
	case domain.EventForseringNotified:
		return domain.ForseringNotified, f == nil
	case domain.EventForseringActivated:
		return domain.ForseringActivated, f != nil && f.Stage == domain.ForseringNotified
	case domain.EventForseringCostUpdated:
		return domain.ForseringActivated, f != nil && f.Stage == domain.ForseringActivated
	case domain.EventForseringStopped:
		return domain.ForseringStopped, f != nil && f.Stage == domain.ForseringActivated
	}
	return "", false
}

// Fold applies a forsering event and returns the new sub-state. The input is
// never modified. Events that do not fit the current stage leave it unchanged.
func Fold(f *domain.Forsering, evt domain.Event) (*domain.Forsering, error) {
	if _, ok := Next(f, evt.Type); !ok {
		return f, nil
	}
	var next domain.Forsering
	if f != nil {
		next = *f
		next.RelatedCaseIDs = append([]string(nil), f.RelatedCaseIDs...)
	}
	switch evt.Type {
	case domain.EventForseringNotified:
		var p domain.ForseringNotifiedPayload
		if err := decode(evt, &p); err != nil {
			return f, err
		}
		next = domain.Forsering{
			Stage:            domain.ForseringNotified,
			RelatedCaseIDs:   append([]string(nil), p.RelatedCaseIDs...),
			RejectedDays:     p.RejectedDays,
			DailyPenaltyRate: p.DailyPenaltyRate,
			EstimatedCost:    p.EstimatedCost,
			NotifiedAt:       evt.Timestamp,
		}
	case domain.EventForseringActivated:
		at := evt.Timestamp
		next.Stage = domain.ForseringActivated
		next.ActivatedAt = &at
	case domain.EventForseringCostUpdated:
		var p domain.ForseringCostPayload
		if err := decode(evt, &p); err != nil {
			return f, err
		}
		cost := p.IncurredCost
		next.IncurredCost = &cost
	case domain.EventForseringStopped:
		var p domain.ForseringStoppedPayload
		if err := decode(evt, &p); err != nil {
			return f, err
		}
		at := evt.Timestamp
		next.Stage = domain.ForseringStopped
		next.StoppedAt = &at
		next.Justification = p.Justification
		if p.IncurredCost != nil {
			cost := *p.IncurredCost
			next.IncurredCost = &cost
		}
	}
	return &next, nil
}

func decode(evt domain.Event, v any) error {
	if len(evt.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(evt.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return nil
}

// Summary is the cost card shown for an acceleration sub-case.
type Summary struct {
	Stage          domain.ForseringStage `json:"stage"`
	RejectedDays   int                   `json:"rejected_days"`
	MaxCost        float64               `json:"max_cost"`
	EstimatedCost  float64               `json:"estimated_cost"`
	IncurredCost   float64               `json:"incurred_cost"`
	RemainingToCap float64               `json:"remaining_to_cap"`
	Classification Classification        `json:"classification"`
	Advisory       string                `json:"advisory,omitempty"`
}

// Summarize classifies the sub-case's spend under the configured thresholds.
func Summarize(f domain.Forsering, cfg config.Forsering, locale string) Summary {
	maxCost := CostCapWith(f.RejectedDays, f.DailyPenaltyRate, cfg.UpliftPercent)
	incurred := 0.0
	if f.IncurredCost != nil {
		incurred = *f.IncurredCost
	}
	c := ClassifyWith(incurred, maxCost, f.EstimatedCost, cfg.WarningPercent)
	return Summary{
		Stage:          f.Stage,
		RejectedDays:   f.RejectedDays,
		MaxCost:        maxCost,
		EstimatedCost:  f.EstimatedCost,
		IncurredCost:   incurred,
		RemainingToCap: maxCost - incurred,
		Classification: c,
		Advisory:       advisory(c.Reason, incurred, maxCost, f.EstimatedCost, locale),
	}
}

func advisory(reason Reason, incurred, maxCost, estimated float64, locale string) string {
	switch reason {
	case ReasonOverCap:
		return fmt.Sprintf("Påløpte kostnader (%s) overstiger maksimalt beløp (%s). Overskytende dekkes ikke.",
			format.Money(locale, incurred), format.Money(locale, maxCost))
	case ReasonNearCap:
		return fmt.Sprintf("Påløpte kostnader (%s) nærmer seg maksimalt beløp (%s).",
			format.Money(locale, incurred), format.Money(locale, maxCost))
	case ReasonOverEstimate:
		return fmt.Sprintf("Påløpte kostnader (%s) overstiger estimatet (%s).",
			format.Money(locale, incurred), format.Money(locale, estimated))
	case ReasonNearEstimate:
		return fmt.Sprintf("Påløpte kostnader (%s) nærmer seg estimatet (%s).",
			format.Money(locale, incurred), format.Money(locale, estimated))
	}
	return ""
}
