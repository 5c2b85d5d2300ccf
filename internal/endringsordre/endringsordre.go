// Package endringsordre handles the change order lifecycle.
package endringsordre

import (
	"encoding/json"
	"errors"
	"fmt"

	"kravflyt/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid change order transition")

// Transition validates a lifecycle step. The empty status stands for a change
// order that does not exist yet.
func Transition(from, to domain.ChangeOrderStatus) error {
	ok := false
	switch from {
	case "":
		ok = to == domain.ChangeOrderDraft
	case domain.ChangeOrderDraft:
		ok = to == domain.ChangeOrderIssued
	case domain.ChangeOrderIssued, domain.ChangeOrderRevised:
		ok = to == domain.ChangeOrderAccepted || to == domain.ChangeOrderDisputed
	case domain.ChangeOrderDisputed:
		ok = to == domain.ChangeOrderRevised
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, displayStatus(from), to)
	}
	return nil
}

// StatusFor maps a change order event to the status it produces.
func StatusFor(evtType domain.EventType) (domain.ChangeOrderStatus, bool) {
	switch evtType {
	case domain.EventChangeOrderDrafted:
		return domain.ChangeOrderDraft, true
	case domain.EventChangeOrderIssued:
		return domain.ChangeOrderIssued, true
	case domain.EventChangeOrderAccepted:
		return domain.ChangeOrderAccepted, true
	case domain.EventChangeOrderDisputed:
		return domain.ChangeOrderDisputed, true
	case domain.EventChangeOrderRevised:
		return domain.ChangeOrderRevised, true
	}
	return "", false
}

// BasisSettled reports whether a case's grunnlag allows a change order to be
// issued for it.
func BasisSettled(grunnlag domain.Track) bool {
	return grunnlag.Status == domain.StatusApproved || grunnlag.Status == domain.StatusPartiallyApproved
}

// Fold applies a change order event and returns the new sub-state. The input
// is never modified; events that do not fit the lifecycle are skipped.
func Fold(co *domain.ChangeOrder, evt domain.Event) (*domain.ChangeOrder, error) {
	to, ok := StatusFor(evt.Type)
	if !ok {
		return co, nil
	}
	var from domain.ChangeOrderStatus
	if co != nil {
		from = co.Status
	}
	if Transition(from, to) != nil {
		return co, nil
	}
	var p domain.ChangeOrderPayload
	if len(evt.Payload) > 0 {
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return co, fmt.Errorf("decode %s payload: %w", evt.Type, err)
		}
	}
	var next domain.ChangeOrder
	if co != nil {
		next = *co
		next.RelatedCaseIDs = append([]string(nil), co.RelatedCaseIDs...)
	}
	next.Status = to
	applyPayload(&next, p)
	switch to {
	case domain.ChangeOrderIssued:
		at := evt.Timestamp
		next.IssuedAt = &at
	case domain.ChangeOrderDisputed:
		next.DisputeReason = p.Reason
	case domain.ChangeOrderRevised:
		next.Revision++
	}
	next.Settlement.NetAmount = next.Settlement.Net()
	return &next, nil
}

func applyPayload(co *domain.ChangeOrder, p domain.ChangeOrderPayload) {
	if p.Number != "" {
		co.Number = p.Number
	}
	if len(p.RelatedCaseIDs) > 0 {
		co.RelatedCaseIDs = append([]string(nil), p.RelatedCaseIDs...)
	}
	if p.Consequences != nil {
		co.Consequences = *p.Consequences
	}
	if p.CompensationAmount != nil {
		co.Settlement.CompensationAmount = *p.CompensationAmount
	}
	if p.DeductionAmount != nil {
		co.Settlement.DeductionAmount = *p.DeductionAmount
	}
	if p.Days != nil {
		co.Settlement.Days = *p.Days
	}
}

func displayStatus(s domain.ChangeOrderStatus) string {
	if s == "" {
		return "none"
	}
	return string(s)
}
