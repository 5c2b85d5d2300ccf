package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies the kind of a case event.
type EventType string

// Case lifecycle events.
const (
	EventCaseCreated EventType = "case.created"
)

// Track actions. The full event type is "<track>.<action>", see TrackEvent.
const (
	ActionClaimSent         = "claim_sent"
	ActionClaimWithdrawn    = "claim_withdrawn"
	ActionResponseReceived  = "response_received"
	ActionNegotiationOpened = "negotiation_opened"
	ActionNoticeSent        = "notice_sent"
	ActionNotApplicable     = "not_applicable"
	ActionFormalDemandSent  = "formal_demand_sent"
)

// Forsering events.
const (
	EventForseringNotified    EventType = "forsering.notified"
	EventForseringActivated   EventType = "forsering.activated"
	EventForseringCostUpdated EventType = "forsering.cost_updated"
	EventForseringStopped     EventType = "forsering.stopped"
)

// Endringsordre events.
const (
	EventChangeOrderDrafted  EventType = "endringsordre.drafted"
	EventChangeOrderIssued   EventType = "endringsordre.issued"
	EventChangeOrderAccepted EventType = "endringsordre.accepted"
	EventChangeOrderDisputed EventType = "endringsordre.disputed"
	EventChangeOrderRevised  EventType = "endringsordre.revised"
)

// TrackEvent builds the event type for an action on a track.
func TrackEvent(track TrackKind, action string) EventType {
	return EventType(string(track) + "." + action)
}

// Domain returns the prefix of the event type ("grunnlag", "forsering", ...).
func (t EventType) Domain() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t[:i])
	}
	return string(t)
}

// Action returns the part after the domain prefix.
func (t EventType) Action() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t[i+1:])
	}
	return ""
}

// Track returns the track an event type targets, if any.
func (t EventType) Track() (TrackKind, bool) {
	k := TrackKind(t.Domain())
	return k, k.Valid()
}

// Known reports whether the event type is part of the catalogue.
func (t EventType) Known() bool {
	if t == EventCaseCreated {
		return true
	}
	if _, ok := t.Track(); ok {
		switch t.Action() {
		case ActionClaimSent, ActionClaimWithdrawn, ActionResponseReceived, ActionNegotiationOpened,
			ActionNoticeSent, ActionNotApplicable, ActionFormalDemandSent:
			return true
		}
		return false
	}
	switch t {
	case EventForseringNotified, EventForseringActivated, EventForseringCostUpdated, EventForseringStopped,
		EventChangeOrderDrafted, EventChangeOrderIssued, EventChangeOrderAccepted, EventChangeOrderDisputed, EventChangeOrderRevised:
		return true
	}
	return false
}

// ClaimantRole returns the party allowed to emit the event type. Events open to
// both parties, and unknown types, return "".
func (t EventType) ClaimantRole() Role {
	if _, ok := t.Track(); ok {
		switch t.Action() {
		case ActionClaimSent, ActionClaimWithdrawn, ActionNoticeSent:
			return RoleTE
		case ActionResponseReceived, ActionNegotiationOpened, ActionFormalDemandSent:
			return RoleBH
		}
		return ""
	}
	switch t {
	case EventForseringNotified, EventForseringActivated, EventForseringCostUpdated, EventForseringStopped,
		EventChangeOrderAccepted, EventChangeOrderDisputed:
		return RoleTE
	case EventChangeOrderDrafted, EventChangeOrderIssued, EventChangeOrderRevised:
		return RoleBH
	}
	return ""
}

type CaseCreatedPayload struct {
	CaseType CaseType `json:"case_type"`
	Title    string   `json:"title,omitempty"`
}

// ClaimPayload is the body of a <track>.claim_sent event. Fields not used by a
// track are ignored for it.
type ClaimPayload struct {
	Category           Category           `json:"category,omitempty"`
	Title              string             `json:"title,omitempty"`
	Description        string             `json:"description,omitempty"`
	Amount             float64            `json:"amount,omitempty"`
	Method             CompensationMethod `json:"method,omitempty"`
	RiggDriftAmount    float64            `json:"rigg_drift_amount,omitempty"`
	ProductivityAmount float64            `json:"productivity_amount,omitempty"`
	Days               int                `json:"days,omitempty"`
	NoticeKind         NoticeKind         `json:"notice_kind,omitempty"`
	ReferenceDate      *time.Time         `json:"reference_date,omitempty"`
	// Comment is free text and does not count as claim content.
	Comment string `json:"comment,omitempty"`
}

// ContentHash fingerprints the claim content. Two submissions with the same
// figures and wording hash equal regardless of their comment.
func (p ClaimPayload) ContentHash() string {
	p.Comment = ""
	if p.ReferenceDate != nil {
		ref := p.ReferenceDate.UTC()
		p.ReferenceDate = &ref
	}
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ResponsePayload is the body of a <track>.response_received event.
type ResponsePayload struct {
	Result             Result              `json:"resultat"`
	ApprovedAmount     float64             `json:"approved_amount,omitempty"`
	ApprovedDays       int                 `json:"approved_days,omitempty"`
	SubsidiaryTriggers []SubsidiaryTrigger `json:"subsidiary_triggers,omitempty"`
	SubsidiaryResult   Result              `json:"subsidiary_result,omitempty"`
	SubsidiaryAmount   float64             `json:"subsidiary_approved_amount,omitempty"`
	SubsidiaryDays     int                 `json:"subsidiary_approved_days,omitempty"`
	Comment            string              `json:"comment,omitempty"`
}

type NoticePayload struct {
	SentAt  *time.Time `json:"sent_at,omitempty"`
	Methods []string   `json:"methods,omitempty"`
}

type ForseringNotifiedPayload struct {
	RelatedCaseIDs   []string `json:"related_case_ids,omitempty"`
	RejectedDays     int      `json:"rejected_days"`
	DailyPenaltyRate float64  `json:"daily_penalty_rate"`
	EstimatedCost    float64  `json:"estimated_cost"`
}

type ForseringCostPayload struct {
	IncurredCost float64 `json:"incurred_cost"`
}

type ForseringStoppedPayload struct {
	Justification string   `json:"justification"`
	IncurredCost  *float64 `json:"incurred_cost,omitempty"`
}

type ChangeOrderPayload struct {
	Number             string                   `json:"number,omitempty"`
	RelatedCaseIDs     []string                 `json:"related_case_ids,omitempty"`
	Consequences       *ChangeOrderConsequences `json:"consequences,omitempty"`
	CompensationAmount *float64                 `json:"compensation_amount,omitempty"`
	DeductionAmount    *float64                 `json:"deduction_amount,omitempty"`
	Days               *int                     `json:"days,omitempty"`
	Reason             string                   `json:"reason,omitempty"`
}
