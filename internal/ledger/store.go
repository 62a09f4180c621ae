package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

// Status is the lifecycle position of a run or stage.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

var ErrRunNotFound = errors.New("run not found")

// Run is one pipeline invocation.
type Run struct {
	ID          string     `json:"id"`
	Pipeline    string     `json:"pipeline"`
	Fingerprint string     `json:"fingerprint"`
	RunID       string     `json:"run_id,omitempty"`
	ShortID     string     `json:"short_id,omitempty"`
	Workspace   string     `json:"workspace,omitempty"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Stages      []StageRun `json:"stages,omitempty"`
}

// StageRun is one stage execution of a run.
type StageRun struct {
	ID         string          `json:"id"`
	Seq        int             `json:"seq"`
	Stage      string          `json:"stage"`
	Status     Status          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Store reads and writes the ledger tables.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// BeginRun inserts a running run and returns its ledger id.
func (s *Store) BeginRun(ctx context.Context, pipeline, fingerprint string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(id, pipeline, fingerprint, status, started_at)
VALUES(?, ?, ?, ?, ?);
`, id, pipeline, fingerprint, StatusRunning, s.stamp())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// AttachWorkspace records the run id and workspace once the run has one.
func (s *Store) AttachWorkspace(ctx context.Context, ref, runID, shortID, dir string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET run_id = ?, short_id = ?, workspace = ? WHERE id = ?;
`, runID, shortID, dir, ref)
	if err != nil {
		return fmt.Errorf("update run workspace: %w", err)
	}
	return requireRow(res, ref)
}

// EndRun closes a run with its final status.
func (s *Store) EndRun(ctx context.Context, ref string, status Status, runErr error) error {
	kind, msg := describe(runErr)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, finished_at = ?, error_kind = ?, last_error = ? WHERE id = ?;
`, status, s.stamp(), kind, msg, ref)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return requireRow(res, ref)
}

// BeginStage inserts a running stage row and returns its id.
func (s *Store) BeginStage(ctx context.Context, ref string, seq int, stage string) (string, error) {
	return s.insertStage(ctx, ref, seq, stage, StatusRunning, false)
}

// SkipStage records a stage that never ran.
func (s *Store) SkipStage(ctx context.Context, ref string, seq int, stage string) error {
	_, err := s.insertStage(ctx, ref, seq, stage, StatusSkipped, true)
	return err
}

func (s *Store) insertStage(ctx context.Context, ref string, seq int, stage string, status Status, finished bool) (string, error) {
	id := uuid.NewString()
	now := s.stamp()
	var finishedAt *string
	if finished {
		finishedAt = &now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stage_runs(id, run, seq, stage, status, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, ref, seq, stage, status, now, finishedAt)
	if err != nil {
		return "", fmt.Errorf("insert stage %s: %w", stage, err)
	}
	return id, nil
}

// EndStage closes a stage row. Classified errors keep their kind and
// details.
func (s *Store) EndStage(ctx context.Context, stageRef string, status Status, stageErr error) error {
	kind, msg := describe(stageErr)
	var details *string
	var e *errs.Error
	if errors.As(stageErr, &e) && len(e.Details) > 0 {
		if raw, err := json.Marshal(e.Details); err == nil {
			d := string(raw)
			details = &d
		}
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE stage_runs SET status = ?, finished_at = ?, error_kind = ?, last_error = ?, details = ? WHERE id = ?;
`, status, s.stamp(), kind, msg, details, stageRef)
	if err != nil {
		return fmt.Errorf("finish stage: %w", err)
	}
	return requireRow(res, stageRef)
}

// ListRuns returns the newest runs first, without stages. limit <= 0
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT id, pipeline, fingerprint, run_id, short_id, workspace, status, started_at, finished_at, error_kind, last_error
FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun returns one run with its stages. id is the ledger id or the run id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, pipeline, fingerprint, run_id, short_id, workspace, status, started_at, finished_at, error_kind, last_error
FROM runs WHERE id = ? OR run_id = ? ORDER BY started_at DESC LIMIT 1;
`, id, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, seq, stage, status, started_at, finished_at, error_kind, last_error, details
FROM stage_runs WHERE run = ? ORDER BY seq;
`, r.ID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st                  StageRun
			started             string
			finished, kind, msg sql.NullString
			details             sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.Seq, &st.Stage, &st.Status, &started, &finished, &kind, &msg, &details); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.StartedAt = parseStamp(started)
		st.FinishedAt = parseOptStamp(finished)
		st.ErrorKind = kind.String
		st.LastError = msg.String
		if details.Valid && details.String != "" {
			st.Details = json.RawMessage(details.String)
		}
		r.Stages = append(r.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                         Run
		started                   string
		runID, shortID, workspace sql.NullString
		finished, kind, msg       sql.NullString
	)
	err := sc.Scan(&r.ID, &r.Pipeline, &r.Fingerprint, &runID, &shortID, &workspace, &r.Status, &started, &finished, &kind, &msg)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.RunID = runID.String
	r.ShortID = shortID.String
	r.Workspace = workspace.String
	r.StartedAt = parseStamp(started)
	r.FinishedAt = parseOptStamp(finished)
	r.ErrorKind = kind.String
	r.LastError = msg.String
	return r, nil
}

func describe(err error) (*string, *string) {
	if err == nil {
		return nil, nil
	}
	msg := err.Error()
	var kind *string
	if k := errs.KindOf(err); k != "" {
		ks := string(k)
		kind = &ks
	}
	return kind, &msg
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func parseStamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseOptStamp(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseStamp(s.String)
	return &t
}
