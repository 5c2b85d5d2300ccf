package server

import (
	"encoding/json"
	"time"

	"kravflyt/internal/domain"
	"kravflyt/internal/engine"
	"kravflyt/internal/subsidiary"
	"kravflyt/internal/verdict"
)

// Request payloads

type CreateCaseRequest struct {
	ID             string   `json:"id,omitempty"`
	CaseType       string   `json:"case_type,omitempty" enum:"standard,forsering,endringsordre"`
	Title          string   `json:"title,omitempty"`
	RelatedCaseIDs []string `json:"related_case_ids,omitempty"`
}

type AppendEventRequest struct {
	Type      string         `json:"type" example:"grunnlag.claim_sent"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty" format:"date-time"`
}

// VerdictRequest asks for answer options or the consequence of an answer.
// With a case_id the case supplies category and notice timing; without one
// the request fields are used as given.
type VerdictRequest struct {
	CaseID             string   `json:"case_id,omitempty"`
	Track              string   `json:"track" enum:"grunnlag,vederlag,frist"`
	Resultat           string   `json:"resultat,omitempty"`
	Category           string   `json:"category,omitempty"`
	LateNotice         bool     `json:"late_notice,omitempty"`
	PreclusionCritical bool     `json:"preclusion_critical,omitempty"`
	Snuoperasjon       bool     `json:"snuoperasjon,omitempty"`
	SubsidiaryTracks   []string `json:"subsidiary_tracks,omitempty" enum:"grunnlag,vederlag,frist"`
	Now                string   `json:"now,omitempty" format:"date-time"`
}

func (r VerdictRequest) subsidiaryTracks() []domain.TrackKind {
	if len(r.SubsidiaryTracks) == 0 {
		return nil
	}
	out := make([]domain.TrackKind, 0, len(r.SubsidiaryTracks))
	for _, k := range r.SubsidiaryTracks {
		out = append(out, domain.TrackKind(k))
	}
	return out
}

// Response payloads

type EventResponse struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"case_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	ActorID   string         `json:"actor_id"`
	Role      string         `json:"role" enum:"TE,BH"`
	Timestamp time.Time      `json:"timestamp" format:"date-time"`
	Payload   map[string]any `json:"payload"`
}

type AppendEventResponse struct {
	Event EventResponse    `json:"event"`
	State domain.CaseState `json:"state"`
}

type CaseDetailResponse struct {
	Case        domain.Case      `json:"case"`
	State       domain.CaseState `json:"state"`
	EventCounts map[string]int   `json:"event_counts"`
}

type PreclusionResponse struct {
	CaseID      string                    `json:"case_id"`
	Now         time.Time                 `json:"now" format:"date-time"`
	Assessments []engine.NoticeAssessment `json:"assessments"`
}

type ComparisonResponse struct {
	CaseID string           `json:"case_id"`
	Track  string           `json:"track"`
	Rows   []subsidiary.Row `json:"rows"`
}

type VerdictOptionsResponse struct {
	Track   string           `json:"track"`
	Options []verdict.Option `json:"options"`
}

type paginatedCases struct {
	Items      []domain.Case `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		CaseID:    e.CaseID,
		Seq:       e.Seq,
		Type:      string(e.Type),
		ActorID:   e.ActorID,
		Role:      string(e.Role),
		Timestamp: e.Timestamp,
		Payload:   decodeJSONMap(e.Payload),
	}
}

func eventResponses(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func eventCounts(in map[domain.EventType]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

func decodeJSONMap(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func nonNilCases(items []domain.Case) []domain.Case {
	if items == nil {
		return []domain.Case{}
	}
	return items
}
