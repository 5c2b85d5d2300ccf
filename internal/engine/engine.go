package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kravflyt/internal/config"
	"kravflyt/internal/domain"
	"kravflyt/internal/engine/auth"
	"kravflyt/internal/events"
	"kravflyt/internal/forsering"
	"kravflyt/internal/preclusion"
	"kravflyt/internal/projection"
	"kravflyt/internal/repo"
	"kravflyt/internal/subsidiary"
	"kravflyt/internal/verdict"
)

// ErrRoleNotAllowed is returned when a party emits an event reserved for the
// other party.
var ErrRoleNotAllowed = auth.ErrRoleNotAllowed

// TransitionError reports a lifecycle step that is not allowed from the
// current status.
type TransitionError struct {
	Track string
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Track, e.From, e.To)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) projectionOptions() projection.Options {
	return projection.Options{UpliftPercent: e.config().Forsering.UpliftPercent}
}

// CaseCreateOptions are parameters for creating a case.
type CaseCreateOptions struct {
	ID             string
	Type           domain.CaseType
	Title          string
	RelatedCaseIDs []string
	ActorID        string
	Role           domain.Role
}

// CreateCase inserts a case and its case.created event.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if opts.Type == "" {
		opts.Type = domain.CaseTypeStandard
	}
	if !opts.Type.Valid() {
		return domain.Case{}, &verdict.ValidationError{Field: "case_type", Reason: fmt.Sprintf("unknown case type %q", opts.Type)}
	}
	principal := auth.Principal{ActorID: opts.ActorID, Role: opts.Role}
	if err := principal.Validate(); err != nil {
		return domain.Case{}, &verdict.ValidationError{Field: "actor", Reason: err.Error()}
	}
	if opts.Type == domain.CaseTypeStandard && len(opts.RelatedCaseIDs) > 0 {
		return domain.Case{}, &verdict.ValidationError{Field: "related_case_ids", Reason: "standard cases cannot reference other cases"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	c := domain.Case{
		ID:        id,
		Type:      opts.Type,
		Title:     opts.Title,
		CreatedAt: now.Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	for _, rel := range opts.RelatedCaseIDs {
		related, err := e.Repo.GetCaseTx(ctx, tx, rel)
		if err != nil {
			return domain.Case{}, fmt.Errorf("related case %s: %w", rel, err)
		}
		if related.Type != domain.CaseTypeStandard {
			return domain.Case{}, &verdict.ValidationError{Field: "related_case_ids", Reason: fmt.Sprintf("%s is not a standard case", rel)}
		}
	}
	if err := e.Repo.InsertCaseTx(ctx, tx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Repo.LinkCasesTx(ctx, tx, c.ID, opts.RelatedCaseIDs); err != nil {
		return domain.Case{}, err
	}
	payload, err := events.Marshal(domain.CaseCreatedPayload{CaseType: c.Type, Title: c.Title})
	if err != nil {
		return domain.Case{}, err
	}
	if _, err := e.Events.Append(ctx, tx, domain.Event{
		CaseID:    c.ID,
		Type:      domain.EventCaseCreated,
		ActorID:   opts.ActorID,
		Role:      opts.Role,
		Timestamp: now,
		Payload:   payload,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	e.logger().Info("case created", "case_id", c.ID, "case_type", c.Type, "actor_id", opts.ActorID)
	return c, nil
}

// AppendOptions describe one event to add to a case log.
type AppendOptions struct {
	CaseID  string
	Type    domain.EventType
	ActorID string
	Role    domain.Role
	Payload json.RawMessage
	// Timestamp defaults to now. It may not precede the case's last event.
	Timestamp time.Time
}

type AppendResult struct {
	Event domain.Event     `json:"event"`
	State domain.CaseState `json:"state"`
}

// Append validates an event against the current projection and stores it as
// the case's next entry. Validation and insert share one transaction.
func (e Engine) Append(ctx context.Context, opts AppendOptions) (AppendResult, error) {
	if !opts.Type.Known() || opts.Type == domain.EventCaseCreated {
		return AppendResult{}, &verdict.ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported event type %q", opts.Type)}
	}
	if err := auth.Authorize(auth.Principal{ActorID: opts.ActorID, Role: opts.Role}, opts.Type); err != nil {
		if errors.Is(err, auth.ErrRoleNotAllowed) {
			return AppendResult{}, err
		}
		return AppendResult{}, &verdict.ValidationError{Field: "actor", Reason: err.Error()}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, opts.CaseID)
	if err != nil {
		return AppendResult{}, err
	}
	state, err := e.projectTx(ctx, tx, c.ID)
	if err != nil {
		return AppendResult{}, err
	}
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	ts = ts.UTC()
	if state.EventCount > 0 && ts.Before(state.UpdatedAt) {
		return AppendResult{}, &verdict.ValidationError{Field: "timestamp", Reason: "precedes the last event of the case"}
	}
	evt := domain.Event{
		CaseID:    c.ID,
		Type:      opts.Type,
		ActorID:   opts.ActorID,
		Role:      opts.Role,
		Timestamp: ts,
		Payload:   opts.Payload,
	}
	if len(evt.Payload) == 0 {
		evt.Payload = json.RawMessage(`{}`)
	}
	if err := e.validate(ctx, tx, c, state, evt); err != nil {
		return AppendResult{}, err
	}
	stored, err := e.Events.Append(ctx, tx, evt)
	if err != nil {
		return AppendResult{}, err
	}
	next, err := projection.Fold(state, stored)
	if err != nil {
		return AppendResult{}, &verdict.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	e.logger().Info("event appended",
		"case_id", stored.CaseID,
		"seq", stored.Seq,
		"type", stored.Type,
		"actor_id", stored.ActorID,
		"role", stored.Role,
	)
	return AppendResult{Event: stored, State: projection.Derive(next, e.projectionOptions())}, nil
}

func (e Engine) projectTx(ctx context.Context, tx *sql.Tx, caseID string) (domain.CaseState, error) {
	evts, err := e.Repo.ListEventsTx(ctx, tx, caseID)
	if err != nil {
		return domain.CaseState{}, err
	}
	state, err := projection.ProjectWith(evts, e.projectionOptions())
	if err != nil {
		return domain.CaseState{}, fmt.Errorf("project case %s: %w", caseID, err)
	}
	return state, nil
}

// State projects a case from its full log.
func (e Engine) State(ctx context.Context, caseID string) (domain.CaseState, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return domain.CaseState{}, err
	}
	evts, err := e.Repo.ListEvents(ctx, caseID)
	if err != nil {
		return domain.CaseState{}, err
	}
	state, err := projection.ProjectWith(evts, e.projectionOptions())
	if err != nil {
		return domain.CaseState{}, fmt.Errorf("project case %s: %w", caseID, err)
	}
	return state, nil
}

// ProjectMany projects several cases concurrently. Events within one case are
// always folded sequentially. Results keep the order of caseIDs.
func (e Engine) ProjectMany(ctx context.Context, caseIDs []string) ([]domain.CaseState, error) {
	out := make([]domain.CaseState, len(caseIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range caseIDs {
		g.Go(func() error {
			state, err := e.State(ctx, id)
			if err != nil {
				return err
			}
			out[i] = state
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCases returns cases newest first.
func (e Engine) ListCases(ctx context.Context, f repo.CaseFilters) ([]domain.Case, error) {
	return e.Repo.ListCases(ctx, f)
}

// ListEvents returns the raw log of a case.
func (e Engine) ListEvents(ctx context.Context, caseID string) ([]domain.Event, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, caseID)
}

// EventsAfter returns the case's events with seq greater than after.
func (e Engine) EventsAfter(ctx context.Context, caseID string, after int64) ([]domain.Event, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.EventsAfter(ctx, caseID, after)
}

// EventCounts tallies a case's log by event type.
func (e Engine) EventCounts(ctx context.Context, caseID string) (map[domain.EventType]int, error) {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return e.Repo.CountEventsByType(ctx, caseID)
}

// DeleteCase removes a case with its log. A case that a forsering or
// endringsordre case builds on cannot be deleted.
func (e Engine) DeleteCase(ctx context.Context, caseID string) error {
	if _, err := e.Repo.GetCase(ctx, caseID); err != nil {
		return err
	}
	deps, err := e.Repo.ListDependentCases(ctx, caseID)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		return &verdict.ValidationError{Field: "case_id", Reason: fmt.Sprintf("referenced by %s", strings.Join(deps, ", "))}
	}
	if err := e.Repo.DeleteCase(ctx, caseID); err != nil {
		return err
	}
	e.logger().Info("case deleted", "case_id", caseID)
	return nil
}

// NoticeAssessment is the preclusion risk of one track.
type NoticeAssessment struct {
	Track      domain.TrackKind       `json:"track"`
	Assessment preclusion.Assessment `json:"assessment"`
}

// AssessNotices grades every track that has a reference date.
func (e Engine) AssessNotices(ctx context.Context, caseID string, now time.Time) ([]NoticeAssessment, error) {
	state, err := e.State(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return assessNotices(state, now, e.config().Preclusion), nil
}

func assessNotices(state domain.CaseState, now time.Time, rules config.Preclusion) []NoticeAssessment {
	out := []NoticeAssessment{}
	for _, kind := range domain.Tracks {
		if a, ok := preclusion.AssessTrack(state.Track(kind), now, rules); ok {
			out = append(out, NoticeAssessment{Track: kind, Assessment: a})
		}
	}
	return out
}

// CompareTrack returns the principal versus subsidiary rows of a track.
func (e Engine) CompareTrack(ctx context.Context, caseID string, track domain.TrackKind) ([]subsidiary.Row, error) {
	if !track.Valid() {
		return nil, &verdict.ValidationError{Field: "track", Reason: fmt.Sprintf("unknown track %q", track)}
	}
	state, err := e.State(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return subsidiary.Compare(state.Track(track)), nil
}

// ForseringStatus summarizes the cost card of a forsering case.
func (e Engine) ForseringStatus(ctx context.Context, caseID string) (forsering.Summary, error) {
	state, err := e.State(ctx, caseID)
	if err != nil {
		return forsering.Summary{}, err
	}
	if state.Forsering == nil {
		return forsering.Summary{}, fmt.Errorf("case %s has no forsering: %w", caseID, repo.ErrNotFound)
	}
	cfg := e.config()
	return forsering.Summarize(*state.Forsering, cfg.Forsering, cfg.Locale), nil
}

// VerdictOptions lists BH's valid answers on a track given the case as it
// stands at now.
func (e Engine) VerdictOptions(ctx context.Context, caseID string, track domain.TrackKind, now time.Time) ([]verdict.Option, error) {
	if !track.Valid() {
		return nil, &verdict.ValidationError{Field: "track", Reason: fmt.Sprintf("unknown track %q", track)}
	}
	state, err := e.State(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return verdict.Options(optionsConfig(state, track, now, e.config().Preclusion)), nil
}

// VerdictConsequence describes the effect of a proposed answer on a case.
func (e Engine) VerdictConsequence(ctx context.Context, caseID string, track domain.TrackKind, result domain.Result, now time.Time) (verdict.Result, error) {
	state, err := e.State(ctx, caseID)
	if err != nil {
		return verdict.Result{}, err
	}
	return verdict.Consequence(consequenceInput(state, track, result, now, e.config().Preclusion))
}

func optionsConfig(state domain.CaseState, track domain.TrackKind, now time.Time, rules config.Preclusion) verdict.OptionsConfig {
	cfg := verdict.OptionsConfig{Track: track, Category: state.Grunnlag.Category}
	if state.Grunnlag.Category == domain.CategoryIrregularChange {
		if a, ok := preclusion.AssessTrack(state.Grunnlag, now, rules); ok {
			cfg.LateNotice = !preclusion.NoticeTimely(a)
		}
	}
	return cfg
}

func consequenceInput(state domain.CaseState, track domain.TrackKind, result domain.Result, now time.Time, rules config.Preclusion) verdict.Input {
	cfg := optionsConfig(state, track, now, rules)
	in := verdict.Input{
		Track:      track,
		Result:     result,
		Category:   cfg.Category,
		LateNotice: cfg.LateNotice,
	}
	if !track.Valid() {
		return in
	}
	t := state.Track(track)
	if a, ok := preclusion.AssessTrack(t, now, rules); ok {
		in.PreclusionCritical = !preclusion.NoticeTimely(a)
	}
	if last, ok := t.LastResponse(); ok && last.Result == domain.ResultRejected && last.ContentHash == t.ContentHash {
		in.Reversal = true
	}
	if track == domain.TrackGrunnlag {
		in.SubsidiaryTracks = subsidiary.Dependents(state)
	}
	return in
}
