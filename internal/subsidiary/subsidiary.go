// Package subsidiary derives how a case's principal and fallback positions
// should currently be read. It never removes history; it only reinterprets
// it.
package subsidiary

import (
	"sort"

	"kravflyt/internal/domain"
)

// DetectReversal reports whether the latest answer grants a claim that was
// earlier rejected with the same content on the same or an earlier version.
// A later rejection ends the reversal.
func DetectReversal(responses []domain.ResponseRecord) bool {
	if len(responses) == 0 {
		return false
	}
	last := responses[len(responses)-1]
	if !last.Result.Granting() {
		return false
	}
	for _, r := range responses[:len(responses)-1] {
		if r.Result == domain.ResultRejected && r.Version <= last.Version && r.ContentHash == last.ContentHash {
			return true
		}
	}
	return false
}

// Resolve recomputes the derived fields of every track: reversal flags,
// effective subsidiary triggers, relevance and subsidiary status. It depends
// only on folded data, so applying it twice gives the same result.
func Resolve(s domain.CaseState) domain.CaseState {
	basisRejected := s.Grunnlag.Rejected()
	basisReversed := DetectReversal(s.Grunnlag.Responses)
	for _, kind := range domain.Tracks {
		t := s.TrackRef(kind)
		t.Snuoperasjon = DetectReversal(t.Responses)

		var triggers []domain.SubsidiaryTrigger
		if last, ok := t.LastResponse(); ok {
			triggers = append(triggers, last.Triggers...)
		}
		t.Relevance = domain.RelevancePrincipal
		if kind != domain.TrackGrunnlag && basisRejected {
			t.Relevance = domain.RelevanceSubsidiaryOnly
		}
		// A reversed basis keeps the trigger so the position it produced
		// can be shown as outdated.
		if kind != domain.TrackGrunnlag && claimed(*t) && (basisRejected || basisReversed) && !containsTrigger(triggers, domain.TriggerGrunnlagRejected) {
			triggers = append(triggers, domain.TriggerGrunnlagRejected)
		}
		t.SubsidiaryTriggers = triggers
		t.HasSubsidiaryPosition = len(triggers) > 0 || t.SubsidiaryResult != ""
	}
	for _, kind := range domain.Tracks {
		t := s.TrackRef(kind)
		switch {
		case !t.HasSubsidiaryPosition:
			t.SubsidiaryStatus = domain.SubsidiaryNone
		case t.Snuoperasjon:
			t.SubsidiaryStatus = domain.SubsidiaryOutdated
		case kind != domain.TrackGrunnlag && basisReversed && t.HasTrigger(domain.TriggerGrunnlagRejected):
			t.SubsidiaryStatus = domain.SubsidiaryOutdated
		default:
			t.SubsidiaryStatus = domain.SubsidiaryActive
		}
	}
	return s
}

// Dependents lists the tracks whose subsidiary position is currently active
// and would be affected by a reversal on the basis.
func Dependents(s domain.CaseState) []domain.TrackKind {
	var out []domain.TrackKind
	for _, kind := range []domain.TrackKind{domain.TrackVederlag, domain.TrackFrist} {
		if s.Track(kind).SubsidiaryStatus == domain.SubsidiaryActive {
			out = append(out, kind)
		}
	}
	return out
}

type Position string

const (
	PositionPrincipal  Position = "principal"
	PositionSubsidiary Position = "subsidiary"
)

var positionRank = map[Position]int{
	PositionPrincipal:  0,
	PositionSubsidiary: 1,
}

// Row is one line of a principal versus subsidiary comparison.
type Row struct {
	Position      Position                `json:"position" enum:"principal,subsidiary"`
	Result        domain.Result           `json:"result,omitempty"`
	Amount        float64                 `json:"amount,omitempty"`
	Days          int                     `json:"days,omitempty"`
	StruckThrough bool                    `json:"struck_through"`
	Status        domain.SubsidiaryStatus `json:"status,omitempty"`
	Relevance     domain.Relevance        `json:"relevance,omitempty"`
}

// Compare builds the comparison rows for a track, principal first. The
// principal figure is struck through when BH rejected it.
func Compare(t domain.Track) []Row {
	rows := []Row{}
	if t.HasSubsidiaryPosition {
		rows = append(rows, Row{
			Position: PositionSubsidiary,
			Result:   t.SubsidiaryResult,
			Amount:   t.SubsidiaryApprovedAmount,
			Days:     t.SubsidiaryApprovedDays,
			Status:   t.SubsidiaryStatus,
		})
	}
	if t.BHResult != "" {
		rows = append(rows, Row{
			Position:      PositionPrincipal,
			Result:        t.BHResult,
			Amount:        t.ApprovedAmount,
			Days:          t.ApprovedDays,
			StruckThrough: t.BHResult.Status() == domain.StatusRejected,
			Relevance:     t.Relevance,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return positionRank[rows[i].Position] < positionRank[rows[j].Position]
	})
	return rows
}

func claimed(t domain.Track) bool {
	return t.Status != domain.StatusDraft && t.Status != domain.StatusNotApplicable
}

func containsTrigger(list []domain.SubsidiaryTrigger, trigger domain.SubsidiaryTrigger) bool {
	for _, t := range list {
		if t == trigger {
			return true
		}
	}
	return false
}
