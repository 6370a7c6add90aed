package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trustlens/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// InsertAnalysis stores one synchronous analysis record. The full verdict
// is kept as JSON; decision and final score are denormalized for listing
// and filtering.
func (r Repo) InsertAnalysis(ctx context.Context, tx *sql.Tx, a domain.Analysis) error {
	payload, err := json.Marshal(a.Verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO analyses(id,filename,decision,final_score,verdict_json,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Filename, string(a.Verdict.Decision), a.Verdict.FinalScore, string(payload), a.CreatedAt)
	return err
}

func scanAnalysis(scan func(dest ...any) error) (domain.Analysis, error) {
	var a domain.Analysis
	var decision string
	var finalScore float64
	var payload string
	err := scan(&a.ID, &a.Filename, &decision, &finalScore, &payload, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(payload), &a.Verdict); err != nil {
		return a, fmt.Errorf("unmarshal verdict for %s: %w", a.ID, err)
	}
	return a, nil
}

func (r Repo) GetAnalysis(ctx context.Context, id string) (domain.Analysis, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,filename,decision,final_score,verdict_json,created_at FROM analyses WHERE id=?`, id)
	return scanAnalysis(row.Scan)
}

type AnalysisFilters struct {
	Decision        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListAnalyses pages newest-first with a (created_at, id) cursor.
func (r Repo) ListAnalyses(ctx context.Context, f AnalysisFilters) ([]domain.Analysis, error) {
	var clauses []string
	var args []any
	if f.Decision != "" {
		clauses = append(clauses, "decision=?")
		args = append(args, f.Decision)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,filename,decision,final_score,verdict_json,created_at FROM analyses ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAnalysesByDecision powers the stats summary.
func (r Repo) CountAnalysesByDecision(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT decision, count(*) FROM analyses GROUP BY decision`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var decision string
		var count int
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, err
		}
		res[decision] = count
	}
	return res, rows.Err()
}

// UpsertBatchJob writes a job snapshot. Called once when a job reaches a
// terminal state; re-archiving the same job replaces the row.
func (r Repo) UpsertBatchJob(ctx context.Context, tx *sql.Tx, job domain.BatchJob) error {
	results, err := json.Marshal(job.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	itemErrs, err := json.Marshal(job.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO batch_jobs(id,status,total,completed,progress,results_json,errors_json,created_at,ended_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, completed=excluded.completed, progress=excluded.progress,
results_json=excluded.results_json, errors_json=excluded.errors_json, ended_at=excluded.ended_at`,
		job.ID, job.Status, job.Total, job.Completed, job.Progress, string(results), string(itemErrs), job.CreatedAt, nullableStringPtr(job.EndedAt))
	return err
}

func (r Repo) GetBatchJob(ctx context.Context, id string) (domain.BatchJob, error) {
	var job domain.BatchJob
	var results, itemErrs string
	var endedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,status,total,completed,progress,results_json,errors_json,created_at,ended_at FROM batch_jobs WHERE id=?`, id).
		Scan(&job.ID, &job.Status, &job.Total, &job.Completed, &job.Progress, &results, &itemErrs, &job.CreatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return job, ErrNotFound
	}
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal([]byte(results), &job.Results); err != nil {
		return job, fmt.Errorf("unmarshal results for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(itemErrs), &job.Errors); err != nil {
		return job, fmt.Errorf("unmarshal errors for %s: %w", id, err)
	}
	if endedAt.Valid {
		job.EndedAt = &endedAt.String
	}
	return job, nil
}

// LatestEventsFrom pages the activity log newest-first below the cursor id.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, for webhook delivery.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
