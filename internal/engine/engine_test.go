package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"kravflyt/internal/config"
	"kravflyt/internal/db"
	"kravflyt/internal/domain"
	"kravflyt/internal/engine"
	"kravflyt/internal/migrate"
	"kravflyt/internal/preclusion"
	"kravflyt/internal/repo"
	"kravflyt/internal/subsidiary"
	"kravflyt/internal/verdict"
)

var clock = time.Date(2025, 5, 5, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) createCase(t *testing.T, id string, typ domain.CaseType, related ...string) {
	t.Helper()
	role := domain.RoleTE
	if typ == domain.CaseTypeEndringsordre {
		role = domain.RoleBH
	}
	if _, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		ID: id, Type: typ, Title: "sak " + id, RelatedCaseIDs: related, ActorID: "tester", Role: role,
	}); err != nil {
		t.Fatalf("create case %s: %v", id, err)
	}
}

func (env testEnv) append(t *testing.T, caseID string, typ domain.EventType, role domain.Role, payload any) (engine.AppendResult, error) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return env.Engine.Append(env.Ctx, engine.AppendOptions{
		CaseID: caseID, Type: typ, ActorID: strings.ToLower(string(role)), Role: role, Payload: data,
	})
}

func (env testEnv) mustAppend(t *testing.T, caseID string, typ domain.EventType, role domain.Role, payload any) domain.CaseState {
	t.Helper()
	res, err := env.append(t, caseID, typ, role, payload)
	if err != nil {
		t.Fatalf("append %s: %v", typ, err)
	}
	return res.State
}

func claim(track domain.TrackKind) domain.EventType {
	return domain.TrackEvent(track, domain.ActionClaimSent)
}

func response(track domain.TrackKind) domain.EventType {
	return domain.TrackEvent(track, domain.ActionResponseReceived)
}

func TestTrackLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "k1", domain.CaseTypeStandard)

	state := env.mustAppend(t, "k1", claim(domain.TrackGrunnlag), domain.RoleTE, domain.ClaimPayload{Category: domain.CategoryEndring})
	if state.Grunnlag.Status != domain.StatusSent || state.Grunnlag.Version != 1 {
		t.Fatalf("unexpected grunnlag after claim: %+v", state.Grunnlag)
	}
	state = env.mustAppend(t, "k1", response(domain.TrackGrunnlag), domain.RoleBH, domain.ResponsePayload{Result: domain.ResultRejected})
	if state.Grunnlag.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %s", state.Grunnlag.Status)
	}
	state = env.mustAppend(t, "k1", claim(domain.TrackGrunnlag), domain.RoleTE, domain.ClaimPayload{Category: domain.CategoryEndring, Comment: "ny runde"})
	if state.Grunnlag.Version != 2 || state.Grunnlag.BHRespondedVersion != 1 {
		t.Fatalf("expected version 2 responded 1, got %d/%d", state.Grunnlag.Version, state.Grunnlag.BHRespondedVersion)
	}
	state = env.mustAppend(t, "k1", response(domain.TrackGrunnlag), domain.RoleBH, domain.ResponsePayload{Result: domain.ResultApproved})
	if !state.Grunnlag.Snuoperasjon {
		t.Fatalf("expected snuoperasjon")
	}

	stored, err := env.Engine.State(env.Ctx, "k1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if stored.EventCount != 5 || stored.Grunnlag.Status != domain.StatusApproved {
		t.Fatalf("reprojected state mismatch: %+v", stored)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, "k1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for i, e := range evts {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
}

func TestInvalidTrackTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "k1", domain.CaseTypeStandard)

	_, err := env.append(t, "k1", response(domain.TrackFrist), domain.RoleBH, domain.ResponsePayload{Result: domain.ResultApproved})
	var terr *engine.TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transition error for draft -> approved, got %v", err)
	}
	if terr.From != string(domain.StatusDraft) {
		t.Fatalf("unexpected from %q", terr.From)
	}

	env.mustAppend(t, "k1", claim(domain.TrackFrist), domain.RoleTE, domain.ClaimPayload{Days: 10})
	env.mustAppend(t, "k1", response(domain.TrackFrist), domain.RoleBH, domain.ResponsePayload{Result: domain.ResultApproved, ApprovedDays: 10})
	_, err = env.append(t, "k1", domain.TrackEvent(domain.TrackFrist, domain.ActionClaimWithdrawn), domain.RoleTE, struct{}{})
	if !errors.As(err, &terr) {
		t.Fatalf("expected approved -> withdrawn to fail, got %v", err)
	}
	env.mustAppend(t, "k1", domain.TrackEvent(domain.TrackFrist, domain.ActionNegotiationOpened), domain.RoleBH, struct{}{})
}

func TestRoleAndValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "k1", domain.CaseTypeStandard)

	_, err := env.append(t, "k1", response(domain.TrackGrunnlag), domain.RoleTE, domain.ResponsePayload{Result: domain.ResultApproved})
	if !errors.Is(err, engine.ErrRoleNotAllowed) {
		t.Fatalf("expected ErrRoleNotAllowed, got %v", err)
	}

	env.mustAppend(t, "k1", claim(domain.TrackGrunnlag), domain.RoleTE, domain.ClaimPayload{Category: domain.CategoryForceMajeure})
	_, err = env.append(t, "k1", response(domain.TrackGrunnlag), domain.RoleBH, domain.ResponsePayload{})
	var verr *verdict.ValidationError
	if !errors.As(err, &verr) || verr.Field != "resultat" {
		t.Fatalf("expected resultat validation error, got %v", err)
	}
	_, err = env.append(t, "k1", claim(domain.TrackVederlag), domain.RoleTE, domain.ClaimPayload{Amount: 1000})
	if !errors.As(err, &verr) || verr.Field != "track" {
		t.Fatalf("expected force majeure to block vederlag, got %v", err)
	}
	_, err = env.append(t, "k1", "tavle.synkronisert", domain.RoleBH, struct{}{})
	if !errors.As(err, &verr) {
		t.Fatalf("expected unknown type rejected, got %v", err)
	}
	_, err = env.append(t, "missing", claim(domain.TrackFrist), domain.RoleTE, domain.ClaimPayload{Days: 1})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = env.Engine.Append(env.Ctx, engine.AppendOptions{
		CaseID: "k1", Type: claim(domain.TrackFrist), ActorID: "te", Role: domain.RoleTE,
		Payload: json.RawMessage(`{"days":"ti"}`),
	})
	if !errors.As(err, &verr) || verr.Field != "payload" {
		t.Fatalf("expected payload validation error, got %v", err)
	}
}

func rejectFrist(t *testing.T, env testEnv, caseID string, days int) {
	t.Helper()
	env.createCase(t, caseID, domain.CaseTypeStandard)
	env.mustAppend(t, caseID, claim(domain.TrackGrunnlag), domain.RoleTE, domain.ClaimPayload{Category: domain.CategoryEndring})
	env.mustAppend(t, caseID, response(domain.TrackGrunnlag), domain.RoleBH, domain.ResponsePayload{Result: domain.ResultApproved})
	env.mustAppend(t, caseID, claim(domain.TrackFrist), domain.RoleTE, domain.ClaimPayload{Days: days})
	state := env.mustAppend(t, caseID, response(domain.TrackFrist), domain.RoleBH, domain.ResponsePayload{Result: domain.ResultRejected})
	if !state.ForseringEligibility.Eligible || state.ForseringEligibility.RejectedDays != days {
		t.Fatalf("expected forsering eligibility for %d days, got %+v", days, state.ForseringEligibility)
	}
}

func TestForseringFlow(t *testing.T) {
	env := newTestEnv(t)
	rejectFrist(t, env, "k1", 14)
	env.createCase(t, "f1", domain.CaseTypeForsering, "k1")

	_, err := env.append(t, "f1", domain.EventForseringNotified, domain.RoleTE, domain.ForseringNotifiedPayload{RejectedDays: 20, DailyPenaltyRate: 50000})
	var verr *verdict.ValidationError
	if !errors.As(err, &verr) || verr.Field != "rejected_days" {
		t.Fatalf("expected rejected_days over limit, got %v", err)
	}
	state := env.mustAppend(t, "f1", domain.EventForseringNotified, domain.RoleTE, domain.ForseringNotifiedPayload{
		RejectedDays: 14, DailyPenaltyRate: 50000, EstimatedCost: 800000,
	})
	if state.Forsering == nil || state.Forsering.MaxCost != 910000 {
		t.Fatalf("expected max cost 910000, got %+v", state.Forsering)
	}

	_, err = env.append(t, "f1", domain.EventForseringCostUpdated, domain.RoleTE, domain.ForseringCostPayload{IncurredCost: 1000})
	var terr *engine.TransitionError
	if !errors.As(err, &terr) || terr.Track != "forsering" {
		t.Fatalf("expected cost update before activation to fail, got %v", err)
	}

	env.mustAppend(t, "f1", domain.EventForseringActivated, domain.RoleTE, struct{}{})
	env.mustAppend(t, "f1", domain.EventForseringCostUpdated, domain.RoleTE, domain.ForseringCostPayload{IncurredCost: 740000})

	summary, err := env.Engine.ForseringStatus(env.Ctx, "f1")
	if err != nil {
		t.Fatalf("forsering status: %v", err)
	}
	if summary.Classification.Level != "warning" || summary.MaxCost != 910000 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	_, err = env.append(t, "f1", domain.EventForseringStopped, domain.RoleTE, domain.ForseringStoppedPayload{})
	if !errors.As(err, &verr) || verr.Field != "justification" {
		t.Fatalf("expected justification required, got %v", err)
	}
	state = env.mustAppend(t, "f1", domain.EventForseringStopped, domain.RoleTE, domain.ForseringStoppedPayload{Justification: "Arbeidet er ferdig"})
	if state.Forsering.Stage != domain.ForseringStopped {
		t.Fatalf("expected stopped, got %s", state.Forsering.Stage)
	}

	if _, err := env.Engine.ForseringStatus(env.Ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no forsering on standard case, got %v", err)
	}
	_, err = env.append(t, "k1", domain.EventForseringNotified, domain.RoleTE, domain.ForseringNotifiedPayload{RejectedDays: 1, DailyPenaltyRate: 1})
	if !errors.As(err, &verr) {
		t.Fatalf("expected forsering on standard case to be rejected, got %v", err)
	}
}

func TestChangeOrderFlow(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "k1", domain.CaseTypeStandard)
	env.mustAppend(t, "k1", claim(domain.TrackGrunnlag), domain.RoleTE, domain.ClaimPayload{Category: domain.CategoryEndring})
	env.createCase(t, "eo1", domain.CaseTypeEndringsordre, "k1")

	amount := 120000.0
	env.mustAppend(t, "eo1", domain.EventChangeOrderDrafted, domain.RoleBH, domain.ChangeOrderPayload{Number: "EO-1", CompensationAmount: &amount})

	_, err := env.append(t, "eo1", domain.EventChangeOrderAccepted, domain.RoleTE, domain.ChangeOrderPayload{})
	var terr *engine.TransitionError
	if !errors.As(err, &terr) || terr.From != "draft" {
		t.Fatalf("expected draft -> accepted to fail, got %v", err)
	}
	_, err = env.append(t, "eo1", domain.EventChangeOrderIssued, domain.RoleBH, domain.ChangeOrderPayload{})
	var verr *verdict.ValidationError
	if !errors.As(err, &verr) || verr.Field != "related_case_ids" {
		t.Fatalf("expected issue to need approved grunnlag, got %v", err)
	}

	env.mustAppend(t, "k1", response(domain.TrackGrunnlag), domain.RoleBH, domain.ResponsePayload{Result: domain.ResultPartiallyApproved})
	state := env.mustAppend(t, "eo1", domain.EventChangeOrderIssued, domain.RoleBH, domain.ChangeOrderPayload{})
	if state.ChangeOrder.Status != domain.ChangeOrderIssued {
		t.Fatalf("expected issued, got %s", state.ChangeOrder.Status)
	}
	state = env.mustAppend(t, "eo1", domain.EventChangeOrderAccepted, domain.RoleTE, domain.ChangeOrderPayload{})
	if state.ChangeOrder.Settlement.NetAmount != 120000 {
		t.Fatalf("unexpected settlement %+v", state.ChangeOrder.Settlement)
	}
}

func TestConcurrentAppendsSerializePerCase(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "k1", domain.CaseTypeStandard)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Append(env.Ctx, engine.AppendOptions{
				CaseID: "k1", Type: domain.TrackEvent(domain.TrackFrist, domain.ActionNoticeSent),
				ActorID: "te", Role: domain.RoleTE, Payload: json.RawMessage(`{"methods":["epost"]}`),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	evts, err := env.Engine.ListEvents(env.Ctx, "k1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != n+1 {
		t.Fatalf("expected %d events, got %d", n+1, len(evts))
	}
	for i, e := range evts {
		if e.Seq != int64(i+1) {
			t.Fatalf("gap in sequence at %d: %d", i, e.Seq)
		}
	}
}

func TestProjectMany(t *testing.T) {
	env := newTestEnv(t)
	ids := []string{"a", "b", "c", "d", "e"}
	for i, id := range ids {
		env.createCase(t, id, domain.CaseTypeStandard)
		env.mustAppend(t, id, claim(domain.TrackFrist), domain.RoleTE, domain.ClaimPayload{Days: i + 1})
	}
	states, err := env.Engine.ProjectMany(env.Ctx, ids)
	if err != nil {
		t.Fatalf("project many: %v", err)
	}
	for i, s := range states {
		if s.CaseID != ids[i] || s.Frist.ClaimedDays != i+1 {
			t.Fatalf("state %d mismatch: %s %d", i, s.CaseID, s.Frist.ClaimedDays)
		}
	}
	if _, err := env.Engine.ProjectMany(env.Ctx, []string{"a", "nope"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAssessNoticesAndVerdict(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "k1", domain.CaseTypeStandard)
	ref := clock.Add(-12 * 24 * time.Hour)
	env.mustAppend(t, "k1", claim(domain.TrackGrunnlag), domain.RoleTE, domain.ClaimPayload{Category: domain.CategoryIrregularChange, ReferenceDate: &ref})
	env.mustAppend(t, "k1", claim(domain.TrackVederlag), domain.RoleTE, domain.ClaimPayload{Amount: 90000})
	env.mustAppend(t, "k1", response(domain.TrackVederlag), domain.RoleBH, domain.ResponsePayload{Result: domain.ResultApproved, ApprovedAmount: 90000})
	env.mustAppend(t, "k1", response(domain.TrackGrunnlag), domain.RoleBH, domain.ResponsePayload{Result: domain.ResultRejected})

	notices, err := env.Engine.AssessNotices(env.Ctx, "k1", clock)
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if len(notices) != 1 || notices[0].Track != domain.TrackGrunnlag || notices[0].Assessment.Status != preclusion.StatusCritical {
		t.Fatalf("unexpected assessments %+v", notices)
	}

	opts, err := env.Engine.VerdictOptions(env.Ctx, "k1", domain.TrackGrunnlag, clock)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if !opts[0].Capped {
		t.Fatalf("expected capped approval for late irregular change")
	}

	res, err := env.Engine.VerdictConsequence(env.Ctx, "k1", domain.TrackGrunnlag, domain.ResultApproved, clock)
	if err != nil {
		t.Fatalf("consequence: %v", err)
	}
	if res.Variant != verdict.VariantDanger || !strings.Contains(res.ReversalText, "vederlag") {
		t.Fatalf("unexpected consequence %+v", res)
	}

	rows, err := env.Engine.CompareTrack(env.Ctx, "k1", domain.TrackVederlag)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(rows) != 2 || rows[0].Position != subsidiary.PositionPrincipal || rows[0].Relevance != domain.RelevanceSubsidiaryOnly {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if _, err := env.Engine.CompareTrack(env.Ctx, "k1", "pris"); err == nil {
		t.Fatalf("expected unknown track error")
	}
}

func TestDeleteCaseAndPaging(t *testing.T) {
	env := newTestEnv(t)
	rejectFrist(t, env, "k1", 5)
	env.createCase(t, "f1", domain.CaseTypeForsering, "k1")

	var verr *verdict.ValidationError
	if err := env.Engine.DeleteCase(env.Ctx, "k1"); !errors.As(err, &verr) {
		t.Fatalf("expected referenced case to be kept, got %v", err)
	}
	after, err := env.Engine.EventsAfter(env.Ctx, "k1", 3)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 || after[0].Seq != 4 {
		t.Fatalf("unexpected page %+v", after)
	}
	counts, err := env.Engine.EventCounts(env.Ctx, "k1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[claim(domain.TrackFrist)] != 1 || counts[domain.EventCaseCreated] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	if err := env.Engine.DeleteCase(env.Ctx, "f1"); err != nil {
		t.Fatalf("delete forsering case: %v", err)
	}
	if err := env.Engine.DeleteCase(env.Ctx, "k1"); err != nil {
		t.Fatalf("delete standard case: %v", err)
	}
	if _, err := env.Engine.State(env.Ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected deleted case to be gone, got %v", err)
	}
}
