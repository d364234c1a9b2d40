package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	command TEXT NOT NULL,
	args_json TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	exit_code INTEGER,
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT '',
	output_file TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	resolved_inputs_json TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs(status);
`

const jobColumns = `job_id, stage, command, args_json, status, created_at, started_at, finished_at,
       exit_code, stdout, stderr, output_file, error, resolved_inputs_json`

// SQLiteStore persists records in a single-file database. All access goes
// through one connection, which serializes writers.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	if err := ensureColumn(db, "resolved_inputs_json", "TEXT NOT NULL DEFAULT ''"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, stage, command string, args Args) (string, error) {
	if stage == "" || command == "" {
		return "", fmt.Errorf("stage and command required")
	}
	id := newID()
	job := newJob(id, stage, command, args, s.now().UTC())
	argsJSON, err := json.Marshal(job.Args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, stage, command, args_json, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, stage, command, string(argsJSON), string(job.Status), formatTime(job.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q queryer, id string) (*Job, error) {
	row := q.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE job_id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) Update(ctx context.Context, id string, u Update) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	changed, err := apply(job, u, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !changed {
		return job, nil
	}
	var exitCode sql.NullInt64
	if job.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*job.ExitCode), Valid: true}
	}
	inputs, err := encodeStrings(job.ResolvedInputs)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET status = ?, started_at = ?, finished_at = ?, exit_code = ?, stdout = ?, stderr = ?, output_file = ?, error = ?,
       resolved_inputs_json = ?
WHERE job_id = ?`,
		string(job.Status), nullTime(job.StartedAt), nullTime(job.FinishedAt), exitCode,
		job.Stdout, job.Stderr, job.OutputFile, job.Error, inputs, id)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListTerminal(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status IN (?, ?, ?) ORDER BY created_at",
		string(StatusSucceeded), string(StatusFailed), string(StatusCanceled))
	if err != nil {
		return nil, fmt.Errorf("list terminal: %w", err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*Job, error) {
	var (
		job        Job
		argsJSON   string
		status     string
		createdAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
		exitCode   sql.NullInt64
		inputsJSON string
	)
	if err := scanner.Scan(
		&job.ID,
		&job.Stage,
		&job.Command,
		&argsJSON,
		&status,
		&createdAt,
		&startedAt,
		&finishedAt,
		&exitCode,
		&job.Stdout,
		&job.Stderr,
		&job.OutputFile,
		&job.Error,
		&inputsJSON,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &job.Args); err != nil {
		return nil, fmt.Errorf("decode args for %s: %w", job.ID, err)
	}
	job.Status = Status(status)
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	job.CreatedAt = created
	if job.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		job.ExitCode = IntPtr(int(exitCode.Int64))
	}
	if inputsJSON != "" {
		if err := json.Unmarshal([]byte(inputsJSON), &job.ResolvedInputs); err != nil {
			return nil, fmt.Errorf("decode resolved inputs for %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func encodeStrings(v []string) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode resolved inputs: %w", err)
	}
	return string(data), nil
}

// ensureColumn adds a column that databases created by older builds lack.
func ensureColumn(db *sql.DB, name, decl string) error {
	found, err := hasColumn(db, name)
	if err != nil || found {
		return err
	}
	if _, err := db.Exec("ALTER TABLE jobs ADD COLUMN " + name + " " + decl); err != nil {
		return fmt.Errorf("add column %s: %w", name, err)
	}
	return nil
}

func hasColumn(db *sql.DB, name string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(jobs)")
	if err != nil {
		return false, fmt.Errorf("inspect jobs table: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			col     string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("inspect jobs table: %w", err)
		}
		if col == name {
			return true, nil
		}
	}
	return false, rows.Err()
}
