// Package projection folds a case's event log into its current state.
package projection

import (
	"encoding/json"
	"fmt"

	"kravflyt/internal/domain"
	"kravflyt/internal/endringsordre"
	"kravflyt/internal/forsering"
	"kravflyt/internal/subsidiary"
)

// Options tune the derived figures of a projection.
type Options struct {
	UpliftPercent int
}

func DefaultOptions() Options {
	return Options{UpliftPercent: forsering.DefaultUpliftPercent}
}

// Project folds events in the order given and derives the cross-track fields.
// The caller guarantees timestamp order.
func Project(events []domain.Event) (domain.CaseState, error) {
	return ProjectWith(events, DefaultOptions())
}

func ProjectWith(events []domain.Event, opts Options) (domain.CaseState, error) {
	caseID := ""
	if len(events) > 0 {
		caseID = events[0].CaseID
	}
	state := domain.NewCaseState(caseID)
	for _, evt := range events {
		next, err := Fold(state, evt)
		if err != nil {
			return state, err
		}
		state = next
	}
	return Derive(state, opts), nil
}

// Derive recomputes every derived field from folded data.
func Derive(s domain.CaseState, opts Options) domain.CaseState {
	s = subsidiary.Resolve(s)
	s.ForseringEligibility = forsering.Eligibility(s.Frist, s.Grunnlag)
	if s.Forsering != nil {
		f := *s.Forsering
		f.MaxCost = forsering.CostCapWith(f.RejectedDays, f.DailyPenaltyRate, opts.UpliftPercent)
		s.Forsering = &f
	}
	return s
}

// Fold applies one event. The input state is not modified. Unknown event
// types only advance the event counters; a malformed payload on a known type
// is an error.
func Fold(state domain.CaseState, evt domain.Event) (domain.CaseState, error) {
	s := clone(state)
	if s.CaseID == "" {
		s.CaseID = evt.CaseID
	}
	s.EventCount++
	s.LastEventID = evt.ID
	s.UpdatedAt = evt.Timestamp

	var err error
	switch evt.Type.Domain() {
	case "case":
		err = foldCase(&s, evt)
	case "forsering":
		s.Forsering, err = forsering.Fold(s.Forsering, evt)
	case "endringsordre":
		s.ChangeOrder, err = endringsordre.Fold(s.ChangeOrder, evt)
	default:
		if kind, ok := evt.Type.Track(); ok {
			err = foldTrack(s.TrackRef(kind), evt)
		}
	}
	if err != nil {
		return state, fmt.Errorf("projection fold %s: %w", evt.Type, err)
	}
	return s, nil
}

func foldCase(s *domain.CaseState, evt domain.Event) error {
	if evt.Type != domain.EventCaseCreated {
		return nil
	}
	var p domain.CaseCreatedPayload
	if err := decode(evt, &p); err != nil {
		return err
	}
	if p.CaseType.Valid() {
		s.CaseType = p.CaseType
	}
	s.Title = p.Title
	return nil
}

func foldTrack(t *domain.Track, evt domain.Event) error {
	switch evt.Type.Action() {
	case domain.ActionClaimSent:
		var p domain.ClaimPayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		switch {
		case t.Version == 0:
			t.Version = 1
		case t.Responded():
			t.Version++
		}
		t.Status = domain.StatusSent
		t.FormalDemandReceived = false
		applyClaim(t, p)
	case domain.ActionClaimWithdrawn:
		t.Status = domain.StatusWithdrawn
	case domain.ActionResponseReceived:
		var p domain.ResponsePayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		if !p.Result.Valid() {
			return fmt.Errorf("invalid resultat %q", p.Result)
		}
		t.BHResult = p.Result
		t.BHRespondedVersion = t.Version
		t.Status = p.Result.Status()
		t.ApprovedAmount = p.ApprovedAmount
		t.ApprovedDays = p.ApprovedDays
		t.SubsidiaryResult = p.SubsidiaryResult
		t.SubsidiaryApprovedAmount = p.SubsidiaryAmount
		t.SubsidiaryApprovedDays = p.SubsidiaryDays
		t.Responses = append(t.Responses, domain.ResponseRecord{
			Version:     t.Version,
			Result:      p.Result,
			ContentHash: t.ContentHash,
			Triggers:    append([]domain.SubsidiaryTrigger(nil), p.SubsidiaryTriggers...),
			At:          evt.Timestamp,
		})
	case domain.ActionNegotiationOpened:
		t.Status = domain.StatusUnderNegotiation
	case domain.ActionNoticeSent:
		var p domain.NoticePayload
		if err := decode(evt, &p); err != nil {
			return err
		}
		sentAt := evt.Timestamp
		if p.SentAt != nil {
			sentAt = p.SentAt.UTC()
		}
		t.NoticeEvents = append(t.NoticeEvents, domain.NoticeEvent{
			SentAt:  sentAt,
			Methods: append([]string{}, p.Methods...),
		})
	case domain.ActionNotApplicable:
		t.Status = domain.StatusNotApplicable
	case domain.ActionFormalDemandSent:
		t.FormalDemandReceived = true
	}
	return nil
}

func applyClaim(t *domain.Track, p domain.ClaimPayload) {
	t.ContentHash = p.ContentHash()
	t.ClaimedAmount = p.Amount
	t.ClaimedDays = p.Days
	t.RiggDriftAmount = p.RiggDriftAmount
	t.ProductivityAmount = p.ProductivityAmount
	if p.Category != "" {
		t.Category = p.Category
	}
	if p.Method != "" {
		t.Method = p.Method
	}
	if p.NoticeKind != "" {
		t.NoticeKind = p.NoticeKind
	}
	if p.ReferenceDate != nil {
		ref := p.ReferenceDate.UTC()
		t.ReferenceDate = &ref
	}
}

func decode(evt domain.Event, v any) error {
	if len(evt.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(evt.Payload, v)
}

// clone copies the slices and pointers a fold may touch so the caller's
// state stays intact.
func clone(s domain.CaseState) domain.CaseState {
	for _, kind := range domain.Tracks {
		t := s.TrackRef(kind)
		t.NoticeEvents = append([]domain.NoticeEvent(nil), t.NoticeEvents...)
		t.Responses = append([]domain.ResponseRecord(nil), t.Responses...)
		t.SubsidiaryTriggers = append([]domain.SubsidiaryTrigger(nil), t.SubsidiaryTriggers...)
	}
	return s
}
