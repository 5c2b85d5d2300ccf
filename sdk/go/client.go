package kravflytsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal kravflyt HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID and Role are sent as identity headers when no token is set.
	ActorID    string
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Case is a claim case header.
type Case struct {
	ID        string `json:"id"`
	CaseType  string `json:"case_type"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

// Track is the projected state of one claim track (partial).
type Track struct {
	Kind               string  `json:"kind"`
	Status             string  `json:"status"`
	Version            int     `json:"version"`
	BHResult           string  `json:"bh_result,omitempty"`
	BHRespondedVersion int     `json:"bh_responded_version"`
	ClaimedAmount      float64 `json:"claimed_amount,omitempty"`
	ClaimedDays        int     `json:"claimed_days,omitempty"`
	ApprovedAmount     float64 `json:"approved_amount,omitempty"`
	ApprovedDays       int     `json:"approved_days,omitempty"`
	SubsidiaryStatus   string  `json:"subsidiary_status"`
	Relevance          string  `json:"relevance"`
	Snuoperasjon       bool    `json:"snuoperasjon"`
}

// State is a case's projected state (partial).
type State struct {
	CaseID      string          `json:"case_id"`
	CaseType    string          `json:"case_type"`
	Grunnlag    Track           `json:"grunnlag"`
	Vederlag    Track           `json:"vederlag"`
	Frist       Track           `json:"frist"`
	Forsering   json.RawMessage `json:"forsering,omitempty"`
	ChangeOrder json.RawMessage `json:"endringsordre,omitempty"`
	EventCount  int             `json:"event_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Event is one entry of a case log.
type Event struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"case_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	ActorID   string         `json:"actor_id"`
	Role      string         `json:"role"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// CaseDetail is a case with its projection.
type CaseDetail struct {
	Case        Case           `json:"case"`
	State       State          `json:"state"`
	EventCounts map[string]int `json:"event_counts"`
}

// AppendResult is the stored event and the state after it.
type AppendResult struct {
	Event Event `json:"event"`
	State State `json:"state"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCaseRequest describes a new case.
type CreateCaseRequest struct {
	ID             string   `json:"id,omitempty"`
	CaseType       string   `json:"case_type,omitempty"`
	Title          string   `json:"title,omitempty"`
	RelatedCaseIDs []string `json:"related_case_ids,omitempty"`
}

// CreateCase creates a case.
func (c *Client) CreateCase(ctx context.Context, req CreateCaseRequest) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", req, &resp)
	return resp, err
}

// GetCase fetches a case with its projected state.
func (c *Client) GetCase(ctx context.Context, caseID string) (CaseDetail, error) {
	var resp CaseDetail
	err := c.do(ctx, http.MethodGet, "cases/"+url.PathEscape(caseID), nil, &resp)
	return resp, err
}

// AppendEvent appends an event of eventType to a case.
func (c *Client) AppendEvent(ctx context.Context, caseID, eventType string, payload any) (AppendResult, error) {
	body := map[string]any{
		"type":    eventType,
		"payload": payload,
	}
	var resp AppendResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("cases/%s/events", url.PathEscape(caseID)), body, &resp)
	return resp, err
}

// EventsPage returns a page of a case's events after cursor.
func (c *Client) EventsPage(ctx context.Context, caseID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("cases/%s/events", url.PathEscape(caseID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		req.Header.Set("X-Role", c.Role)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	basePath := strings.Trim(c.BasePath, "/")
	if basePath != "" {
		base += "/" + basePath
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
