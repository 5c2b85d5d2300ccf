package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"kravflyt/internal/config"
	"kravflyt/internal/db"
	"kravflyt/internal/domain"
	"kravflyt/internal/engine"
	"kravflyt/internal/migrate"
)

const testSecret = "test-secret"

var testClock = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return testClock }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowHeaderIdentity: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asTE() map[string]string {
	return map[string]string{"X-Actor-Id": "entreprenor", "X-Role": "TE"}
}

func bearer(t *testing.T, actorID string, role domain.Role) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, actorID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestAppendRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"id":    "k1",
		"title": "Endret fundamentering",
	}, asTE())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/k1/events", map[string]any{
		"type":    "grunnlag.claim_sent",
		"payload": map[string]any{"category": "endring"},
	}, asTE())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append claim status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/k1/events", map[string]any{
		"type":    "grunnlag.response_received",
		"payload": map[string]any{"resultat": "approved"},
	}, bearer(t, "byggherre", domain.RoleBH))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append response status %d: %s", res.StatusCode, string(data))
	}
	var appended AppendEventResponse
	if err := json.Unmarshal(data, &appended); err != nil {
		t.Fatalf("unmarshal append: %v", err)
	}
	if appended.Event.Seq != 3 || appended.Event.Role != "BH" {
		t.Fatalf("unexpected event %+v", appended.Event)
	}
	if appended.State.Grunnlag.Status != domain.StatusApproved {
		t.Fatalf("expected approved grunnlag, got %s", appended.State.Grunnlag.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/k1", nil, asTE())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get case status %d: %s", res.StatusCode, string(data))
	}
	var detail CaseDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if detail.State.EventCount != 3 || detail.EventCounts["grunnlag.claim_sent"] != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/k1/events?limit=2", nil, asTE())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor != "2" {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[1].Payload["category"] != "endring" {
		t.Fatalf("payload not returned: %+v", page.Items[1])
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{"id": "k1"}, asTE())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/k1/events", map[string]any{
		"type":    "frist.response_received",
		"payload": map[string]any{"resultat": "approved"},
	}, bearer(t, "byggherre", domain.RoleBH))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "invalid_transition" || body.Details["from"] != "draft" {
		t.Fatalf("unexpected error body %+v", body)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/k1/events", map[string]any{
		"type":    "frist.response_received",
		"payload": map[string]any{"resultat": "approved"},
	}, asTE())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "role_not_allowed" {
		t.Fatalf("unexpected error body %+v", body)
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/k1/events", map[string]any{
		"type":    "frist.claim_sent",
		"payload": map[string]any{"days": 10},
	}, asTE())
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/k1/events", map[string]any{
		"type":    "frist.response_received",
		"payload": map[string]any{},
	}, bearer(t, "byggherre", domain.RoleBH))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "validation_failed" || body.Details["field"] != "resultat" {
		t.Fatalf("unexpected error body %+v", body)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/missing", nil, asTE())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "not_found" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases", nil, map[string]string{"X-Actor-Id": "x", "X-Role": "arkitekt"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown role, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases", nil, bearer(t, "byggherre", domain.RoleBH))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list cases status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedCases
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal cases: %v", err)
	}
	if page.Items == nil || len(page.Items) != 0 {
		t.Fatalf("expected empty list, got %+v", page)
	}
	if _, err := IssueToken(testSecret, "x", "arkitekt", time.Hour); err == nil {
		t.Fatalf("expected token for unknown role to fail")
	}
}

func TestForseringAndVerdictEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bh := bearer(t, "byggherre", domain.RoleBH)

	steps := []struct {
		path    string
		headers map[string]string
		body    map[string]any
	}{
		{"/v1/cases", asTE(), map[string]any{"id": "k1"}},
		{"/v1/cases/k1/events", asTE(), map[string]any{"type": "grunnlag.claim_sent", "payload": map[string]any{"category": "endring"}}},
		{"/v1/cases/k1/events", bh, map[string]any{"type": "grunnlag.response_received", "payload": map[string]any{"resultat": "approved"}}},
		{"/v1/cases/k1/events", asTE(), map[string]any{"type": "frist.claim_sent", "payload": map[string]any{"days": 14}}},
		{"/v1/cases/k1/events", bh, map[string]any{"type": "frist.response_received", "payload": map[string]any{"resultat": "rejected"}}},
		{"/v1/cases", asTE(), map[string]any{"id": "f1", "case_type": "forsering", "related_case_ids": []string{"k1"}}},
		{"/v1/cases/f1/events", asTE(), map[string]any{"type": "forsering.notified", "payload": map[string]any{"rejected_days": 14, "daily_penalty_rate": 50000}}},
	}
	for _, step := range steps {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+step.path, step.body, step.headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("POST %s status %d: %s", step.path, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/f1/forsering", nil, asTE())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forsering status %d: %s", res.StatusCode, string(data))
	}
	var summary struct {
		MaxCost float64 `json:"max_cost"`
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.MaxCost != 910000 {
		t.Fatalf("expected max cost 910000, got %v", summary.MaxCost)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/k1/tracks/frist/comparison", nil, asTE())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("comparison status %d: %s", res.StatusCode, string(data))
	}
	var cmp ComparisonResponse
	if err := json.Unmarshal(data, &cmp); err != nil {
		t.Fatalf("unmarshal comparison: %v", err)
	}
	if len(cmp.Rows) != 1 || !cmp.Rows[0].StruckThrough {
		t.Fatalf("expected struck principal row, got %+v", cmp.Rows)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/verdict/options", map[string]any{
		"track":    "vederlag",
		"category": "force_majeure",
	}, bh)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("options status %d: %s", res.StatusCode, string(data))
	}
	var opts VerdictOptionsResponse
	if err := json.Unmarshal(data, &opts); err != nil {
		t.Fatalf("unmarshal options: %v", err)
	}
	if opts.Options == nil || len(opts.Options) != 0 {
		t.Fatalf("expected no options under force majeure, got %+v", opts.Options)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/verdict/consequence", map[string]any{
		"case_id":  "k1",
		"track":    "frist",
		"resultat": "rejected",
	}, bh)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("consequence status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), `"variant":"danger"`) {
		t.Fatalf("expected danger variant, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/verdict/consequence", map[string]any{
		"track":             "grunnlag",
		"resultat":          "approved",
		"category":          "endring",
		"snuoperasjon":      true,
		"subsidiary_tracks": []string{"vederlag", "frist"},
	}, bh)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("free-standing consequence status %d: %s", res.StatusCode, string(data))
	}
	var preview struct {
		Variant      string `json:"variant"`
		ReversalText string `json:"reversal_text"`
	}
	if err := json.Unmarshal(data, &preview); err != nil {
		t.Fatalf("decode consequence: %v", err)
	}
	if preview.Variant != "success" || !strings.Contains(preview.ReversalText, "vederlag og frist") {
		t.Fatalf("expected success with reversal text naming vederlag og frist, got %+v", preview)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/verdict/consequence", map[string]any{
		"track":               "frist",
		"resultat":            "approved",
		"preclusion_critical": true,
	}, bh)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("critical consequence status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), `"variant":"danger"`) || !strings.Contains(string(data), "prekludert") {
		t.Fatalf("expected danger with preclusion text, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cases/k1/preclusion?now=2025-03-20T08:00:00Z", nil, asTE())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preclusion status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `kravflyt_events_appended_total{type="forsering.notified"} 1`) {
		t.Fatalf("append counter missing from metrics output")
	}
}
