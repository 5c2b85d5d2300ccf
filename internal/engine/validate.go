package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"kravflyt/internal/domain"
	"kravflyt/internal/endringsordre"
	"kravflyt/internal/forsering"
	"kravflyt/internal/projection"
	"kravflyt/internal/verdict"
)

// validate checks evt against the case it is appended to. It runs inside the
// append transaction so related cases are read consistently.
func (e Engine) validate(ctx context.Context, tx *sql.Tx, c domain.Case, state domain.CaseState, evt domain.Event) error {
	if err := e.validateDomain(ctx, tx, c, state, evt); err != nil {
		return err
	}
	if _, err := projection.Fold(state, evt); err != nil {
		return &verdict.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

func (e Engine) validateDomain(ctx context.Context, tx *sql.Tx, c domain.Case, state domain.CaseState, evt domain.Event) error {
	switch evt.Type.Domain() {
	case "forsering":
		if c.Type != domain.CaseTypeForsering {
			return &verdict.ValidationError{Field: "type", Reason: fmt.Sprintf("%s requires a forsering case", evt.Type)}
		}
		return e.validateForsering(ctx, tx, c, state, evt)
	case "endringsordre":
		if c.Type != domain.CaseTypeEndringsordre {
			return &verdict.ValidationError{Field: "type", Reason: fmt.Sprintf("%s requires an endringsordre case", evt.Type)}
		}
		return e.validateChangeOrder(ctx, tx, c, state, evt)
	}
	kind, ok := evt.Type.Track()
	if !ok {
		return &verdict.ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported event type %q", evt.Type)}
	}
	if c.Type != domain.CaseTypeStandard {
		return &verdict.ValidationError{Field: "type", Reason: fmt.Sprintf("%s requires a standard case", evt.Type)}
	}
	return validateTrackEvent(state, kind, evt)
}

func validateTrackEvent(state domain.CaseState, kind domain.TrackKind, evt domain.Event) error {
	t := state.Track(kind)
	action := evt.Type.Action()
	if err := ensureTrackTransition(kind, t.Status, action); err != nil {
		return err
	}
	switch action {
	case domain.ActionClaimSent:
		var p domain.ClaimPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return &verdict.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return validateClaim(state, kind, p)
	case domain.ActionResponseReceived:
		var p domain.ResponsePayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return &verdict.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return validateResponse(state, kind, t, p)
	case domain.ActionFormalDemandSent:
		if kind != domain.TrackFrist {
			return &verdict.ValidationError{Field: "type", Reason: "formal demand applies to the frist track only"}
		}
	}
	return nil
}

// ensureTrackTransition applies the status table shared by all three tracks.
func ensureTrackTransition(kind domain.TrackKind, from domain.TrackStatus, action string) error {
	to := ""
	switch action {
	case domain.ActionClaimSent:
		to = string(domain.StatusSent)
		switch from {
		case domain.StatusDraft, domain.StatusSent, domain.StatusUnderNegotiation,
			domain.StatusPartiallyApproved, domain.StatusRejected:
			return nil
		}
	case domain.ActionResponseReceived:
		to = "responded"
		switch from {
		case domain.StatusSent, domain.StatusUnderNegotiation, domain.StatusPartiallyApproved, domain.StatusRejected:
			return nil
		}
	case domain.ActionClaimWithdrawn:
		to = string(domain.StatusWithdrawn)
		switch from {
		case domain.StatusSent, domain.StatusPartiallyApproved, domain.StatusRejected:
			return nil
		}
	case domain.ActionNegotiationOpened:
		return nil
	case domain.ActionNoticeSent, domain.ActionFormalDemandSent:
		to = action
		if from != domain.StatusWithdrawn && from != domain.StatusNotApplicable {
			return nil
		}
	case domain.ActionNotApplicable:
		to = string(domain.StatusNotApplicable)
		switch from {
		case domain.StatusDraft, domain.StatusSent, domain.StatusUnderNegotiation:
			return nil
		}
	}
	return &TransitionError{Track: string(kind), From: string(from), To: to}
}

func validateClaim(state domain.CaseState, kind domain.TrackKind, p domain.ClaimPayload) error {
	switch kind {
	case domain.TrackGrunnlag:
		if p.Category == "" && state.Grunnlag.Category == "" {
			return &verdict.ValidationError{Field: "category", Reason: "required"}
		}
		if p.Category != "" && !p.Category.Valid() {
			return &verdict.ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", p.Category)}
		}
	case domain.TrackVederlag:
		if state.ForceMajeure() {
			return &verdict.ValidationError{Field: "track", Reason: "force majeure gives no right to compensation"}
		}
		if p.Amount < 0 || p.RiggDriftAmount < 0 || p.ProductivityAmount < 0 {
			return &verdict.ValidationError{Field: "amount", Reason: "must not be negative"}
		}
	case domain.TrackFrist:
		if p.Days < 0 {
			return &verdict.ValidationError{Field: "days", Reason: "must not be negative"}
		}
	}
	return nil
}

func validateResponse(state domain.CaseState, kind domain.TrackKind, t domain.Track, p domain.ResponsePayload) error {
	if _, err := verdict.Consequence(verdict.Input{Track: kind, Result: p.Result, Category: state.Grunnlag.Category}); err != nil {
		return err
	}
	if p.Result == domain.ResultPartiallyApproved {
		if kind == domain.TrackVederlag && p.ApprovedAmount > t.ClaimedAmount {
			return &verdict.ValidationError{Field: "approved_amount", Reason: "exceeds the claimed amount"}
		}
		if kind == domain.TrackFrist && p.ApprovedDays > t.ClaimedDays {
			return &verdict.ValidationError{Field: "approved_days", Reason: "exceeds the claimed days"}
		}
	}
	if p.SubsidiaryResult != "" && !p.SubsidiaryResult.Valid() {
		return &verdict.ValidationError{Field: "subsidiary_result", Reason: fmt.Sprintf("unknown value %q", p.SubsidiaryResult)}
	}
	return nil
}

func (e Engine) validateForsering(ctx context.Context, tx *sql.Tx, c domain.Case, state domain.CaseState, evt domain.Event) error {
	if _, ok := forsering.Next(state.Forsering, evt.Type); !ok {
		from := "none"
		if state.Forsering != nil {
			from = string(state.Forsering.Stage)
		}
		return &TransitionError{Track: "forsering", From: from, To: evt.Type.Action()}
	}
	switch evt.Type {
	case domain.EventForseringNotified:
		var p domain.ForseringNotifiedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return &verdict.ValidationError{Field: "payload", Reason: err.Error()}
		}
		if p.RejectedDays <= 0 {
			return &verdict.ValidationError{Field: "rejected_days", Reason: "must be positive"}
		}
		if p.DailyPenaltyRate <= 0 {
			return &verdict.ValidationError{Field: "daily_penalty_rate", Reason: "must be positive"}
		}
		related := p.RelatedCaseIDs
		if len(related) == 0 {
			linked, err := e.Repo.ListRelatedCasesTx(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			related = linked
		}
		if len(related) == 0 {
			return &verdict.ValidationError{Field: "related_case_ids", Reason: "required"}
		}
		eligibleDays := 0
		for _, id := range related {
			rel, err := e.projectTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if rel.EventCount == 0 {
				return &verdict.ValidationError{Field: "related_case_ids", Reason: fmt.Sprintf("case %s not found", id)}
			}
			if !rel.ForseringEligibility.Eligible {
				return &verdict.ValidationError{Field: "related_case_ids", Reason: fmt.Sprintf("frist on %s is not rejected", id)}
			}
			eligibleDays += rel.ForseringEligibility.RejectedDays
		}
		if p.RejectedDays > eligibleDays {
			return &verdict.ValidationError{Field: "rejected_days", Reason: fmt.Sprintf("exceeds the %d rejected days on related cases", eligibleDays)}
		}
	case domain.EventForseringCostUpdated:
		var p domain.ForseringCostPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return &verdict.ValidationError{Field: "payload", Reason: err.Error()}
		}
		if p.IncurredCost < 0 {
			return &verdict.ValidationError{Field: "incurred_cost", Reason: "must not be negative"}
		}
	case domain.EventForseringStopped:
		var p domain.ForseringStoppedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return &verdict.ValidationError{Field: "payload", Reason: err.Error()}
		}
		if p.Justification == "" {
			return &verdict.ValidationError{Field: "justification", Reason: "required"}
		}
		if p.IncurredCost != nil && *p.IncurredCost < 0 {
			return &verdict.ValidationError{Field: "incurred_cost", Reason: "must not be negative"}
		}
	}
	return nil
}

func (e Engine) validateChangeOrder(ctx context.Context, tx *sql.Tx, c domain.Case, state domain.CaseState, evt domain.Event) error {
	to, _ := endringsordre.StatusFor(evt.Type)
	var from domain.ChangeOrderStatus
	if state.ChangeOrder != nil {
		from = state.ChangeOrder.Status
	}
	if err := endringsordre.Transition(from, to); err != nil {
		fromLabel := string(from)
		if fromLabel == "" {
			fromLabel = "none"
		}
		return &TransitionError{Track: "endringsordre", From: fromLabel, To: string(to)}
	}
	var p domain.ChangeOrderPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return &verdict.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if (p.CompensationAmount != nil && *p.CompensationAmount < 0) || (p.DeductionAmount != nil && *p.DeductionAmount < 0) {
		return &verdict.ValidationError{Field: "settlement", Reason: "amounts must not be negative"}
	}
	switch to {
	case domain.ChangeOrderDisputed:
		if p.Reason == "" {
			return &verdict.ValidationError{Field: "reason", Reason: "required"}
		}
	case domain.ChangeOrderIssued:
		related := p.RelatedCaseIDs
		if len(related) == 0 && state.ChangeOrder != nil {
			related = state.ChangeOrder.RelatedCaseIDs
		}
		if len(related) == 0 {
			linked, err := e.Repo.ListRelatedCasesTx(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			related = linked
		}
		for _, id := range related {
			rel, err := e.projectTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if !endringsordre.BasisSettled(rel.Grunnlag) {
				return &verdict.ValidationError{Field: "related_case_ids", Reason: fmt.Sprintf("grunnlag on %s is not approved", id)}
			}
		}
	}
	return nil
}
