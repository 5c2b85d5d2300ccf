package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"kravflyt/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanCase(row *sql.Row) (domain.Case, error) {
	var c domain.Case
	var title sql.NullString
	err := row.Scan(&c.ID, &c.Type, &title, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if title.Valid {
		c.Title = title.String
	}
	return c, err
}

func (r Repo) InsertCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(id,case_type,title,created_at) VALUES (?,?,?,?)`,
		c.ID, c.Type, nullable(c.Title), c.CreatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return getCase(ctx, r.DB, id)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	return getCase(ctx, tx, id)
}

func getCase(ctx context.Context, q querier, id string) (domain.Case, error) {
	return scanCase(q.QueryRowContext(ctx, `SELECT id,case_type,title,created_at FROM cases WHERE id=?`, id))
}

type CaseFilters struct {
	Type            domain.CaseType
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListCases returns cases newest first. A cursor continues after the given
// (created_at, id) pair.
func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "case_type=?")
		args = append(args, f.Type)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT id,case_type,COALESCE(title,''),created_at FROM cases`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		var c domain.Case
		if err := rows.Scan(&c.ID, &c.Type, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeleteCase(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM cases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkCasesTx records that caseID builds on each of related.
func (r Repo) LinkCasesTx(ctx context.Context, tx *sql.Tx, caseID string, related []string) error {
	for _, rel := range related {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO case_links(case_id,related_case_id) VALUES (?,?)`, caseID, rel); err != nil {
			return fmt.Errorf("link %s to %s: %w", caseID, rel, err)
		}
	}
	return nil
}

// ListRelatedCasesTx returns the ids of the cases caseID builds on.
func (r Repo) ListRelatedCasesTx(ctx context.Context, tx *sql.Tx, caseID string) ([]string, error) {
	return scanIDs(tx.QueryContext(ctx, `SELECT related_case_id FROM case_links WHERE case_id=? ORDER BY related_case_id`, caseID))
}

// ListDependentCases returns the ids of cases that reference caseID.
func (r Repo) ListDependentCases(ctx context.Context, caseID string) ([]string, error) {
	return scanIDs(r.DB.QueryContext(ctx, `SELECT case_id FROM case_links WHERE related_case_id=? ORDER BY case_id`, caseID))
}

func scanIDs(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListEvents returns a case's events in sequence order.
func (r Repo) ListEvents(ctx context.Context, caseID string) ([]domain.Event, error) {
	return listEvents(ctx, r.DB, caseID, 0)
}

func (r Repo) ListEventsTx(ctx context.Context, tx *sql.Tx, caseID string) ([]domain.Event, error) {
	return listEvents(ctx, tx, caseID, 0)
}

// EventsAfter returns a case's events with seq greater than cursor.
func (r Repo) EventsAfter(ctx context.Context, caseID string, cursor int64) ([]domain.Event, error) {
	return listEvents(ctx, r.DB, caseID, cursor)
}

func listEvents(ctx context.Context, q querier, caseID string, after int64) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,case_id,seq,ts,type,actor_id,role,payload_json FROM events WHERE case_id=? AND seq>? ORDER BY seq ASC`, caseID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			ts      string
			payload string
		)
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Seq, &ts, &e.Type, &e.ActorID, &e.Role, &payload); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event %s timestamp: %w", e.ID, err)
		}
		e.Timestamp = parsed
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountEventsByType returns how many events of each type exist for a case.
func (r Repo) CountEventsByType(ctx context.Context, caseID string) (map[domain.EventType]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM events WHERE case_id=? GROUP BY type`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.EventType]int{}
	for rows.Next() {
		var (
			t domain.EventType
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		res[t] = n
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
