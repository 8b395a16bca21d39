package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Boomerang-Apps/storyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,name,task,current_gate,status,tokens_used,token_limit,cost_used_usd,cost_limit_usd,created_at,updated_at,completed_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var r domain.Run
	var completed sql.NullString
	err := scan(&r.ID, &r.Name, &r.Task, &r.CurrentGate, &r.Status,
		&r.TokensUsed, &r.TokenLimit, &r.CostUsedUSD, &r.CostLimitUSD,
		&r.CreatedAt, &r.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if completed.Valid {
		r.CompletedAt = &completed.String
	}
	return r, err
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Name, run.Task, run.CurrentGate, run.Status,
		run.TokensUsed, run.TokenLimit, run.CostUsedUSD, run.CostLimitUSD,
		run.CreatedAt, run.UpdatedAt, nullableStr(run.CompletedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	run, err := scanRun(row.Scan)
	if err != nil {
		return run, err
	}
	run.Domains, err = r.listDomainNames(ctx, id)
	return run, err
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// UpdateRunTx persists every mutable run field; callers load, mutate, save
// under the per-run lock.
func (r Repo) UpdateRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET current_gate=?,status=?,tokens_used=?,cost_used_usd=?,updated_at=?,completed_at=? WHERE id=?`,
		run.CurrentGate, run.Status, run.TokensUsed, run.CostUsedUSD,
		run.UpdatedAt, nullableStr(run.CompletedAt), run.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertGateTx(ctx context.Context, tx *sql.Tx, g domain.GateRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run_gates(run_id,gate,name,data_json,completed_at) VALUES (?,?,?,?,?)`,
		g.RunID, g.Gate, g.Name, nullable(g.DataJSON), g.CompletedAt)
	return err
}

func (r Repo) ListGates(ctx context.Context, runID string) ([]domain.GateRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,gate,name,COALESCE(data_json,''),completed_at FROM run_gates WHERE run_id=? ORDER BY gate`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateRecord
	for rows.Next() {
		var g domain.GateRecord
		if err := rows.Scan(&g.RunID, &g.Gate, &g.Name, &g.DataJSON, &g.CompletedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) DeleteGatesTx(ctx context.Context, tx *sql.Tx, runID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM run_gates WHERE run_id=?`, runID)
	return err
}

const domainColumns = `run_id,name,layer,depends_on_json,status,retry_count,max_retries,backoff_seconds,last_result,last_error,updated_at`

func scanDomain(scan func(dest ...any) error) (domain.DomainState, error) {
	var d domain.DomainState
	var deps, lastResult, lastError sql.NullString
	err := scan(&d.RunID, &d.Name, &d.Layer, &deps, &d.Status,
		&d.Retry.Count, &d.Retry.MaxRetries, &d.Retry.BackoffSeconds,
		&lastResult, &lastError, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &d.DependsOn); err != nil {
			return d, fmt.Errorf("decode depends_on for %s/%s: %w", d.RunID, d.Name, err)
		}
	}
	d.LastResult = lastResult.String
	d.LastError = lastError.String
	d.Retry.LastError = lastError.String
	return d, nil
}

func (r Repo) InsertDomainTx(ctx context.Context, tx *sql.Tx, d domain.DomainState) error {
	deps, err := marshalStringSlice(d.DependsOn)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO run_domains(`+domainColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.RunID, d.Name, d.Layer, deps, d.Status,
		d.Retry.Count, d.Retry.MaxRetries, d.Retry.BackoffSeconds,
		nullable(d.LastResult), nullable(d.LastError), d.UpdatedAt)
	return err
}

func (r Repo) UpdateDomainTx(ctx context.Context, tx *sql.Tx, d domain.DomainState) error {
	res, err := tx.ExecContext(ctx, `UPDATE run_domains SET layer=?,status=?,retry_count=?,max_retries=?,backoff_seconds=?,last_result=?,last_error=?,updated_at=? WHERE run_id=? AND name=?`,
		d.Layer, d.Status, d.Retry.Count, d.Retry.MaxRetries, d.Retry.BackoffSeconds,
		nullable(d.LastResult), nullable(d.LastError), d.UpdatedAt, d.RunID, d.Name)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetDomain(ctx context.Context, runID, name string) (domain.DomainState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+domainColumns+` FROM run_domains WHERE run_id=? AND name=?`, runID, name)
	return scanDomain(row.Scan)
}

func (r Repo) ListDomains(ctx context.Context, runID string) ([]domain.DomainState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+domainColumns+` FROM run_domains WHERE run_id=? ORDER BY layer, name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DomainState
	for rows.Next() {
		d, err := scanDomain(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) listDomainNames(ctx context.Context, runID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM run_domains WHERE run_id=? ORDER BY layer, name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (r Repo) InsertEscalationTx(ctx context.Context, tx *sql.Tx, e domain.EscalationRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escalations(id,run_id,domain,reason,status,feedback,created_at,resolved_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.RunID, e.Domain, e.Reason, e.Status, nullable(e.Feedback), e.CreatedAt, nullableStr(e.ResolvedAt))
	return err
}

func (r Repo) UpdateEscalationTx(ctx context.Context, tx *sql.Tx, e domain.EscalationRequest) error {
	res, err := tx.ExecContext(ctx, `UPDATE escalations SET status=?,feedback=?,resolved_at=? WHERE id=?`,
		e.Status, nullable(e.Feedback), nullableStr(e.ResolvedAt), e.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEscalation(scan func(dest ...any) error) (domain.EscalationRequest, error) {
	var e domain.EscalationRequest
	var feedback, resolved sql.NullString
	err := scan(&e.ID, &e.RunID, &e.Domain, &e.Reason, &e.Status, &feedback, &e.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Feedback = feedback.String
	if resolved.Valid {
		e.ResolvedAt = &resolved.String
	}
	return e, err
}

// OpenEscalation returns the single outstanding escalation for a run, if any.
func (r Repo) OpenEscalation(ctx context.Context, runID string) (domain.EscalationRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,run_id,domain,reason,status,feedback,created_at,resolved_at FROM escalations WHERE run_id=? AND status='open' ORDER BY created_at,rowid LIMIT 1`, runID)
	return scanEscalation(row.Scan)
}

func (r Repo) ListEscalations(ctx context.Context, runID string) ([]domain.EscalationRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,domain,reason,status,feedback,created_at,resolved_at FROM escalations WHERE run_id=? ORDER BY created_at,rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationRequest
	for rows.Next() {
		e, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, review domain.ConsensusReview) error {
	votes, err := json.Marshal(review.Votes)
	if err != nil {
		return fmt.Errorf("marshal votes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO reviews(id,run_id,domain,votes_json,decision,average_score,created_at) VALUES (?,?,?,?,?,?,?)`,
		review.ID, review.RunID, review.Domain, string(votes), review.Decision, review.AverageScore, review.CreatedAt)
	return err
}

func (r Repo) ListReviews(ctx context.Context, runID string) ([]domain.ConsensusReview, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,domain,votes_json,decision,average_score,created_at FROM reviews WHERE run_id=? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConsensusReview
	for rows.Next() {
		var review domain.ConsensusReview
		var votes string
		if err := rows.Scan(&review.ID, &review.RunID, &review.Domain, &votes, &review.Decision, &review.AverageScore, &review.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(votes), &review.Votes); err != nil {
			return nil, fmt.Errorf("decode votes for review %s: %w", review.ID, err)
		}
		res = append(res, review)
	}
	return res, rows.Err()
}

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var dom sql.NullString
	err := scan(&e.ID, &e.TS, &e.Seq, &e.Type, &e.RunID, &dom, &e.Payload)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Domain = dom.String
	return e, err
}

func (r Repo) ListEvents(ctx context.Context, runID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,seq,type,run_id,domain,payload_json FROM events WHERE run_id=? ORDER BY id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter pages forward from a cursor, oldest first. Webhook dispatch uses
// it to deliver at-least-once.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,seq,type,run_id,domain,payload_json FROM events WHERE id>? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
