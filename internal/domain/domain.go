package domain

import (
	"encoding/json"
	"time"
)

// Role identifies the contracting party behind an event.
type Role string

const (
	RoleTE Role = "TE"
	RoleBH Role = "BH"
)

// Valid reports whether r is one of the two contracting parties.
func (r Role) Valid() bool {
	return r == RoleTE || r == RoleBH
}

type CaseType string

const (
	CaseTypeStandard      CaseType = "standard"
	CaseTypeForsering     CaseType = "forsering"
	CaseTypeEndringsordre CaseType = "endringsordre"
)

func (c CaseType) Valid() bool {
	switch c {
	case CaseTypeStandard, CaseTypeForsering, CaseTypeEndringsordre:
		return true
	}
	return false
}

type Case struct {
	ID        string   `json:"id"`
	Type      CaseType `json:"case_type" enum:"standard,forsering,endringsordre"`
	Title     string   `json:"title"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// Event is an immutable entry in a case's event log.
type Event struct {
	ID        string          `json:"id"`
	CaseID    string          `json:"case_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	ActorID   string          `json:"actor_id"`
	Role      Role            `json:"role" enum:"TE,BH"`
	Timestamp time.Time       `json:"timestamp" format:"date-time"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type TrackKind string

const (
	TrackGrunnlag TrackKind = "grunnlag"
	TrackVederlag TrackKind = "vederlag"
	TrackFrist    TrackKind = "frist"
)

// Tracks lists the three tracks in display order.
var Tracks = []TrackKind{TrackGrunnlag, TrackVederlag, TrackFrist}

func (k TrackKind) Valid() bool {
	return k == TrackGrunnlag || k == TrackVederlag || k == TrackFrist
}

type TrackStatus string

const (
	StatusDraft             TrackStatus = "draft"
	StatusSent              TrackStatus = "sent"
	StatusUnderNegotiation  TrackStatus = "under_negotiation"
	StatusPartiallyApproved TrackStatus = "partially_approved"
	StatusApproved          TrackStatus = "approved"
	StatusRejected          TrackStatus = "rejected"
	StatusWithdrawn         TrackStatus = "withdrawn"
	StatusNotApplicable     TrackStatus = "not_applicable"
)

// Result is BH's answer to a claim version.
type Result string

const (
	ResultApproved          Result = "approved"
	ResultPartiallyApproved Result = "partially_approved"
	ResultRejected          Result = "rejected"
	// ResultOrderWithdrawn is BH withdrawing an irregular change order instead of answering it.
	ResultOrderWithdrawn Result = "order_withdrawn"
)

func (r Result) Valid() bool {
	switch r {
	case ResultApproved, ResultPartiallyApproved, ResultRejected, ResultOrderWithdrawn:
		return true
	}
	return false
}

// Granting reports whether the result grants the claim fully or in part.
func (r Result) Granting() bool {
	return r == ResultApproved || r == ResultPartiallyApproved
}

// Status maps a BH result to the track status it produces.
func (r Result) Status() TrackStatus {
	switch r {
	case ResultApproved:
		return StatusApproved
	case ResultPartiallyApproved:
		return StatusPartiallyApproved
	case ResultRejected, ResultOrderWithdrawn:
		return StatusRejected
	}
	return StatusSent
}

// Category is the grunnlag basis category.
type Category string

const (
	CategoryEndring         Category = "endring"
	CategoryIrregularChange Category = "irregular_change"
	CategorySvikt           Category = "svikt"
	CategoryForceMajeure    Category = "force_majeure"
	CategoryAnnet           Category = "annet"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryEndring, CategoryIrregularChange, CategorySvikt, CategoryForceMajeure, CategoryAnnet:
		return true
	}
	return false
}

type CompensationMethod string

const (
	MethodUnitPrice CompensationMethod = "unit_price"
	MethodAccount   CompensationMethod = "account"
	MethodLumpSum   CompensationMethod = "lump_sum"
)

type NoticeKind string

const (
	NoticeNeutral   NoticeKind = "neutral"
	NoticeSpecified NoticeKind = "specified"
)

// RuleCategory selects the notice deadline that applies to a claim.
type RuleCategory string

const (
	RuleDefault         RuleCategory = "default"
	RuleRiggDrift       RuleCategory = "rigg_drift"
	RuleIrregularChange RuleCategory = "irregular_change"
	RuleSpecifiedClaim  RuleCategory = "specified_claim"
)

// Relevance is the current interpretation of a track's figures. It is derived,
// never stored in the BH result.
type Relevance string

const (
	RelevancePrincipal      Relevance = "principal"
	RelevanceSubsidiaryOnly Relevance = "subsidiary_only"
)

type SubsidiaryStatus string

const (
	SubsidiaryNone     SubsidiaryStatus = "none"
	SubsidiaryActive   SubsidiaryStatus = "active"
	SubsidiaryOutdated SubsidiaryStatus = "outdated"
)

// SubsidiaryTrigger names why BH took a fallback position.
type SubsidiaryTrigger string

const (
	TriggerGrunnlagRejected     SubsidiaryTrigger = "grunnlag_rejected"
	TriggerPreclusionMainClaim  SubsidiaryTrigger = "preclusion_main_claim"
	TriggerPreclusionRigg       SubsidiaryTrigger = "preclusion_rigg"
	TriggerPreclusionProductive SubsidiaryTrigger = "preclusion_productivity"
	TriggerReducedUnitPrice     SubsidiaryTrigger = "reduced_unit_price"
	TriggerNoObstruction        SubsidiaryTrigger = "no_obstruction"
	TriggerMethodRejected       SubsidiaryTrigger = "method_rejected"
)

type NoticeEvent struct {
	SentAt  time.Time `json:"sent_at" format:"date-time"`
	Methods []string  `json:"methods"`
}

// ResponseRecord is one BH answer kept in the track's history.
type ResponseRecord struct {
	Version     int                 `json:"version"`
	Result      Result              `json:"result"`
	ContentHash string              `json:"content_hash"`
	Triggers    []SubsidiaryTrigger `json:"triggers,omitempty"`
	At          time.Time           `json:"at" format:"date-time"`
}

// Track is the projected sub-state of one of the three claim tracks.
type Track struct {
	Kind               TrackKind   `json:"kind"`
	Status             TrackStatus `json:"status"`
	Version            int         `json:"version"`
	BHResult           Result      `json:"bh_result,omitempty"`
	BHRespondedVersion int         `json:"bh_responded_version"`

	ClaimedAmount  float64 `json:"claimed_amount,omitempty"`
	ClaimedDays    int     `json:"claimed_days,omitempty"`
	ApprovedAmount float64 `json:"approved_amount,omitempty"`
	ApprovedDays   int     `json:"approved_days,omitempty"`

	HasSubsidiaryPosition    bool                `json:"has_subsidiary_position"`
	SubsidiaryTriggers       []SubsidiaryTrigger `json:"subsidiary_triggers,omitempty"`
	SubsidiaryResult         Result              `json:"subsidiary_result,omitempty"`
	SubsidiaryApprovedAmount float64             `json:"subsidiary_approved_amount,omitempty"`
	SubsidiaryApprovedDays   int                 `json:"subsidiary_approved_days,omitempty"`
	SubsidiaryStatus         SubsidiaryStatus    `json:"subsidiary_status"`

	Relevance    Relevance `json:"relevance"`
	Snuoperasjon bool      `json:"snuoperasjon"`

	NoticeEvents         []NoticeEvent    `json:"notice_events,omitempty"`
	Responses            []ResponseRecord `json:"responses,omitempty"`
	ContentHash          string           `json:"content_hash,omitempty"`
	ReferenceDate        *time.Time       `json:"reference_date,omitempty" format:"date-time"`
	FormalDemandReceived bool             `json:"formal_demand_received"`

	Category           Category           `json:"category,omitempty"`
	Method             CompensationMethod `json:"method,omitempty"`
	RiggDriftAmount    float64            `json:"rigg_drift_amount,omitempty"`
	ProductivityAmount float64            `json:"productivity_amount,omitempty"`
	NoticeKind         NoticeKind         `json:"notice_kind,omitempty"`
}

// NewTrack returns a track in its initial draft state.
func NewTrack(kind TrackKind) Track {
	return Track{
		Kind:             kind,
		Status:           StatusDraft,
		SubsidiaryStatus: SubsidiaryNone,
		Relevance:        RelevancePrincipal,
	}
}

// LastResponse returns the most recent BH answer, if any.
func (t Track) LastResponse() (ResponseRecord, bool) {
	if len(t.Responses) == 0 {
		return ResponseRecord{}, false
	}
	return t.Responses[len(t.Responses)-1], true
}

// Rejected reports whether BH's current answer denies the claim outright.
func (t Track) Rejected() bool {
	if t.Status == StatusWithdrawn || t.Status == StatusNotApplicable {
		return false
	}
	return t.BHResult == ResultRejected || t.BHResult == ResultOrderWithdrawn
}

// Responded reports whether BH has answered the current claim version.
func (t Track) Responded() bool {
	return t.BHResult != "" && t.BHRespondedVersion == t.Version
}

// HasTrigger reports whether trigger is among the track's subsidiary triggers.
func (t Track) HasTrigger(trigger SubsidiaryTrigger) bool {
	for _, tr := range t.SubsidiaryTriggers {
		if tr == trigger {
			return true
		}
	}
	return false
}

type ForseringStage string

const (
	ForseringNotified  ForseringStage = "notified"
	ForseringActivated ForseringStage = "activated"
	ForseringStopped   ForseringStage = "stopped"
)

// Forsering is the acceleration sub-case state.
type Forsering struct {
	Stage            ForseringStage `json:"stage" enum:"notified,activated,stopped"`
	RelatedCaseIDs   []string       `json:"related_case_ids,omitempty"`
	RejectedDays     int            `json:"rejected_days"`
	DailyPenaltyRate float64        `json:"daily_penalty_rate"`
	EstimatedCost    float64        `json:"estimated_cost"`
	IncurredCost     *float64       `json:"incurred_cost,omitempty"`
	MaxCost          float64        `json:"max_cost"`
	NotifiedAt       time.Time      `json:"notified_at" format:"date-time"`
	ActivatedAt      *time.Time     `json:"activated_at,omitempty" format:"date-time"`
	StoppedAt        *time.Time     `json:"stopped_at,omitempty" format:"date-time"`
	Justification    string         `json:"justification,omitempty"`
}

// ForseringEligibility tells whether a case's frist outcome allows acceleration.
type ForseringEligibility struct {
	Eligible     bool `json:"eligible"`
	RejectedDays int  `json:"rejected_days"`
}

type ChangeOrderStatus string

const (
	ChangeOrderDraft    ChangeOrderStatus = "draft"
	ChangeOrderIssued   ChangeOrderStatus = "issued"
	ChangeOrderAccepted ChangeOrderStatus = "accepted"
	ChangeOrderDisputed ChangeOrderStatus = "disputed"
	ChangeOrderRevised  ChangeOrderStatus = "revised"
)

type ChangeOrderConsequences struct {
	SHA      bool `json:"sha"`
	Quality  bool `json:"quality"`
	Schedule bool `json:"schedule"`
	Price    bool `json:"price"`
	Other    bool `json:"other"`
}

type Settlement struct {
	CompensationAmount float64 `json:"compensation_amount"`
	DeductionAmount    float64 `json:"deduction_amount"`
	NetAmount          float64 `json:"net_amount"`
	Days               int     `json:"days"`
}

// Net is compensation minus deduction.
func (s Settlement) Net() float64 {
	return s.CompensationAmount - s.DeductionAmount
}

// ChangeOrder is the endringsordre sub-state.
type ChangeOrder struct {
	Status         ChangeOrderStatus       `json:"status" enum:"draft,issued,accepted,disputed,revised"`
	Number         string                  `json:"number,omitempty"`
	RelatedCaseIDs []string                `json:"related_case_ids,omitempty"`
	Consequences   ChangeOrderConsequences `json:"consequences"`
	Settlement     Settlement              `json:"settlement"`
	Revision       int                     `json:"revision"`
	IssuedAt       *time.Time              `json:"issued_at,omitempty" format:"date-time"`
	DisputeReason  string                  `json:"dispute_reason,omitempty"`
}

// CaseState is the immutable snapshot produced by folding a case's events.
type CaseState struct {
	CaseID   string   `json:"case_id"`
	CaseType CaseType `json:"case_type"`
	Title    string   `json:"title,omitempty"`

	Grunnlag Track `json:"grunnlag"`
	Vederlag Track `json:"vederlag"`
	Frist    Track `json:"frist"`

	ForseringEligibility ForseringEligibility `json:"forsering_eligibility"`
	Forsering            *Forsering           `json:"forsering,omitempty"`
	ChangeOrder          *ChangeOrder         `json:"endringsordre,omitempty"`

	EventCount  int       `json:"event_count"`
	LastEventID string    `json:"last_event_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" format:"date-time"`
}

// NewCaseState returns the empty state for a case before any event.
func NewCaseState(caseID string) CaseState {
	return CaseState{
		CaseID:   caseID,
		CaseType: CaseTypeStandard,
		Grunnlag: NewTrack(TrackGrunnlag),
		Vederlag: NewTrack(TrackVederlag),
		Frist:    NewTrack(TrackFrist),
	}
}

// Track returns the sub-state for kind.
func (s CaseState) Track(kind TrackKind) Track {
	switch kind {
	case TrackVederlag:
		return s.Vederlag
	case TrackFrist:
		return s.Frist
	default:
		return s.Grunnlag
	}
}

// TrackRef returns a pointer to the sub-state for kind, or nil for an unknown kind.
func (s *CaseState) TrackRef(kind TrackKind) *Track {
	switch kind {
	case TrackGrunnlag:
		return &s.Grunnlag
	case TrackVederlag:
		return &s.Vederlag
	case TrackFrist:
		return &s.Frist
	}
	return nil
}

// ForceMajeure reports whether the case's basis is force majeure.
func (s CaseState) ForceMajeure() bool {
	return s.Grunnlag.Category == CategoryForceMajeure
}
