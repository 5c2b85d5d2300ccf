// Package preclusion classifies the risk that a claim is lost to a late
// notice. Results are advisory and never block an action.
package preclusion

import (
	"fmt"
	"time"

	"kravflyt/internal/config"
	"kravflyt/internal/domain"
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

type Assessment struct {
	Status       Status              `json:"status" enum:"ok,warning,critical"`
	DaysElapsed  int                 `json:"days_elapsed"`
	Category     domain.RuleCategory `json:"category"`
	Threshold    int                 `json:"threshold"`
	FormalDemand bool                `json:"formal_demand"`
	Advisory     string              `json:"advisory,omitempty"`
}

// DaysBetween counts whole 24 hour periods from reference to now. A now
// before reference counts as zero.
func DaysBetween(reference, now time.Time) int {
	d := now.Sub(reference)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// AssessNotice grades the time since reference against the rule category's
// deadline. A threshold is crossed only when strictly exceeded. A formal
// demand from the counterparty is always critical.
func AssessNotice(reference, now time.Time, category domain.RuleCategory, formalDemand bool, rules config.Preclusion) Assessment {
	if category == "" {
		category = domain.RuleDefault
	}
	days := DaysBetween(reference, now)
	a := Assessment{
		Status:       StatusOK,
		DaysElapsed:  days,
		Category:     category,
		Threshold:    rules.CriticalThreshold(category),
		FormalDemand: formalDemand,
	}
	switch {
	case formalDemand:
		a.Status = StatusCritical
		a.Advisory = "BH har fremmet skriftlig forespørsel. Kravet må spesifiseres uten ugrunnet opphold, ellers tapes retten til kravet i sin helhet."
	case days > a.Threshold:
		a.Status = StatusCritical
		a.Advisory = fmt.Sprintf("Det er gått %d dager, over fristen på %d dager for %s. Kravet kan være prekludert.", days, a.Threshold, categoryLabel(category))
	case days > rules.WarningDays:
		a.Status = StatusWarning
		a.Advisory = fmt.Sprintf("Det er gått %d dager. Varsel må sendes uten ugrunnet opphold.", days)
	}
	return a
}

// RuleCategoryFor picks the deadline rule implied by a track's claim.
func RuleCategoryFor(t domain.Track) domain.RuleCategory {
	switch t.Kind {
	case domain.TrackGrunnlag:
		if t.Category == domain.CategoryIrregularChange {
			return domain.RuleIrregularChange
		}
	case domain.TrackVederlag:
		if t.RiggDriftAmount > 0 {
			return domain.RuleRiggDrift
		}
	case domain.TrackFrist:
		if t.NoticeKind == domain.NoticeSpecified {
			return domain.RuleSpecifiedClaim
		}
	}
	return domain.RuleDefault
}

// AssessTrack measures a track from its reference date to its first notice,
// or to now when no notice has been sent. It returns false when the track has
// no reference date to measure from.
func AssessTrack(t domain.Track, now time.Time, rules config.Preclusion) (Assessment, bool) {
	if t.ReferenceDate == nil {
		return Assessment{}, false
	}
	end := now
	if n, ok := firstNotice(t.NoticeEvents); ok {
		end = n
	}
	return AssessNotice(*t.ReferenceDate, end, RuleCategoryFor(t), t.FormalDemandReceived, rules), true
}

// NoticeTimely reports whether an assessment leaves the claim intact.
func NoticeTimely(a Assessment) bool {
	return a.Status != StatusCritical
}

func firstNotice(notices []domain.NoticeEvent) (time.Time, bool) {
	var (
		first time.Time
		found bool
	)
	for _, n := range notices {
		if !found || n.SentAt.Before(first) {
			first = n.SentAt
			found = true
		}
	}
	return first, found
}

var categoryLabels = map[domain.RuleCategory]string{
	domain.RuleDefault:         "varsel",
	domain.RuleRiggDrift:       "rigg og drift",
	domain.RuleIrregularChange: "irregulær endring",
	domain.RuleSpecifiedClaim:  "spesifisert krav",
}

func categoryLabel(c domain.RuleCategory) string {
	if l, ok := categoryLabels[c]; ok {
		return l
	}
	return string(c)
}
