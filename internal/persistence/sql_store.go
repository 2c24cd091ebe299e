package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name     string
	blobType string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", blobType: "BLOB"}
	postgresDialect = dialect{name: "postgres", blobType: "BYTEA", numbered: true}
)

// rebind rewrites ? placeholders for dialects that use numbered ones.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements WorkflowStore, RunStore and JobStore on top of
// database/sql. Use NewSQLiteStore or NewPostgresStore to build one.
//
// Timestamps are stored as unix nanoseconds; structured fields (steps,
// logs, data) are stored with EncodeValue.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Ensure SQLStore implements the interfaces.
var (
	_ WorkflowStore = (*SQLStore)(nil)
	_ RunStore      = (*SQLStore)(nil)
	_ JobStore      = (*SQLStore)(nil)
)

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	blob := s.dialect.blobType
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			schedule_cron TEXT NOT NULL DEFAULT '',
			definition ` + blob + ` NOT NULL,
			created_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			logs ` + blob + `,
			error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (workflow_id, run_id)
		)`,
		`CREATE TABLE IF NOT EXISTS failure_jobs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			step ` + blob + ` NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			data ` + blob + `,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs (workflow_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_workflow ON failure_jobs (workflow_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// whereClause joins the non-empty filter columns with AND.
func whereClause(cols []string, vals []string) (string, []any) {
	var clauses []string
	var args []any
	for i, v := range vals {
		if v == "" {
			continue
		}
		clauses = append(clauses, cols[i]+" = ?")
		args = append(args, v)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

//
// Workflows
//

func (s *SQLStore) SaveWorkflow(ctx context.Context, wf api.Workflow) error {
	def, err := EncodeValue(wf)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO workflows (id, owner, schedule_cron, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			schedule_cron = excluded.schedule_cron,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		wf.ID,
		wf.Owner,
		wf.ScheduleCron,
		def,
		toNanos(wf.CreatedAt),
		toNanos(wf.UpdatedAt),
	)
	return err
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (api.Workflow, error) {
	var def []byte
	err := s.queryRow(ctx, `SELECT definition FROM workflows WHERE id = ?`, id).Scan(&def)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Workflow{}, ErrWorkflowNotFound
		}
		return api.Workflow{}, err
	}
	return DecodeValue[api.Workflow](def)
}

func (s *SQLStore) ListWorkflows(ctx context.Context, owner string) ([]api.Workflow, error) {
	where, args := whereClause([]string{"owner"}, []string{owner})
	rows, err := s.query(ctx, `SELECT definition FROM workflows`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Workflow
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		wf, err := DecodeValue[api.Workflow](def)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

//
// Runs
//

const runColumns = `workflow_id, run_id, user_id, status, logs, error, created_at, updated_at`

func (s *SQLStore) CreateRun(ctx context.Context, rec *api.RunRecord) error {
	logs, err := EncodeValue(rec.Logs)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID,
		rec.RunID,
		rec.UserID,
		string(rec.Status),
		logs,
		rec.Error,
		toNanos(rec.CreatedAt),
		toNanos(rec.UpdatedAt),
	)
	return err
}

func (s *SQLStore) FinishRun(ctx context.Context, workflowID, runID string, status api.RunStatus, logs []api.LogEntry, errMsg string) error {
	encoded, err := EncodeValue(logs)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE runs
		SET status = ?, logs = ?, error = ?, updated_at = ?
		WHERE workflow_id = ? AND run_id = ? AND status = ?`,
		string(status),
		encoded,
		errMsg,
		toNanos(s.now()),
		workflowID,
		runID,
		string(api.RunRunning),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, workflowID, runID); err != nil {
			return err
		}
		return ErrRunNotRunning
	}
	return nil
}

func scanRun(scan func(dest ...any) error) (*api.RunRecord, error) {
	var rec api.RunRecord
	var status string
	var logs []byte
	var created, updated int64
	if err := scan(&rec.WorkflowID, &rec.RunID, &rec.UserID, &status, &logs, &rec.Error, &created, &updated); err != nil {
		return nil, err
	}
	rec.Status = api.RunStatus(status)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)

	decoded, err := DecodeValue[[]api.LogEntry](logs)
	if err != nil {
		return nil, err
	}
	rec.Logs = decoded
	return &rec, nil
}

func (s *SQLStore) GetRun(ctx context.Context, workflowID, runID string) (*api.RunRecord, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE workflow_id = ? AND run_id = ?`, workflowID, runID)
	rec, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	where, args := whereClause(
		[]string{"workflow_id", "status"},
		[]string{filter.WorkflowID, string(filter.Status)},
	)
	rows, err := s.query(ctx, `SELECT `+runColumns+` FROM runs`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

//
// Failure jobs
//

const jobColumns = `id, workflow_id, run_id, user_id, step, attempt, status, error, data, lease_owner, lease_expires_at, created_at, updated_at`

func (s *SQLStore) CreateJob(ctx context.Context, job *api.FailureJob) error {
	step, err := EncodeValue(job.Step)
	if err != nil {
		return err
	}
	data, err := EncodeValue(job.Data)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO failure_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.WorkflowID,
		job.RunID,
		job.UserID,
		step,
		job.Attempt,
		string(job.Status),
		job.Error,
		data,
		job.LeaseOwner,
		toNanos(job.LeaseExpiresAt),
		toNanos(job.CreatedAt),
		toNanos(job.UpdatedAt),
	)
	return err
}

func (s *SQLStore) UpdateJob(ctx context.Context, job *api.FailureJob) error {
	step, err := EncodeValue(job.Step)
	if err != nil {
		return err
	}
	data, err := EncodeValue(job.Data)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE failure_jobs
		SET workflow_id = ?,
		    run_id = ?,
		    user_id = ?,
		    step = ?,
		    attempt = ?,
		    status = ?,
		    error = ?,
		    data = ?,
		    lease_owner = ?,
		    lease_expires_at = ?,
		    updated_at = ?
		WHERE id = ?`,
		job.WorkflowID,
		job.RunID,
		job.UserID,
		step,
		job.Attempt,
		string(job.Status),
		job.Error,
		data,
		job.LeaseOwner,
		toNanos(job.LeaseExpiresAt),
		toNanos(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func scanJob(scan func(dest ...any) error) (*api.FailureJob, error) {
	var job api.FailureJob
	var status string
	var step, data []byte
	var leaseExpires, created, updated int64
	if err := scan(
		&job.ID, &job.WorkflowID, &job.RunID, &job.UserID,
		&step, &job.Attempt, &status, &job.Error, &data,
		&job.LeaseOwner, &leaseExpires, &created, &updated,
	); err != nil {
		return nil, err
	}
	job.Status = api.JobStatus(status)
	job.LeaseExpiresAt = fromNanos(leaseExpires)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)

	stepVal, err := DecodeValue[api.StepConfig](step)
	if err != nil {
		return nil, err
	}
	job.Step = stepVal

	dataVal, err := DecodeValue[map[string]any](data)
	if err != nil {
		return nil, err
	}
	job.Data = dataVal
	return &job, nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*api.FailureJob, error) {
	row := s.queryRow(ctx, `SELECT `+jobColumns+` FROM failure_jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.FailureJob, error) {
	where, args := whereClause(
		[]string{"workflow_id", "run_id", "status"},
		[]string{filter.WorkflowID, filter.RunID, string(filter.Status)},
	)
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM failure_jobs`+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*api.FailureJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *SQLStore) TryClaimJob(ctx context.Context, id, owner string, ttl time.Duration) (*api.FailureJob, error) {
	now := s.now()
	res, err := s.exec(ctx, `
		UPDATE failure_jobs
		SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ?
		AND (
			status IN (?, ?)
			OR (status = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at <= ?))
		)`,
		string(api.JobInProgress), owner, now.Add(ttl).UnixNano(), now.UnixNano(),
		id,
		string(api.JobPending), string(api.JobFailed),
		string(api.JobInProgress), owner, now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 || job.LeaseOwner != owner {
		return nil, claimRefused(job)
	}
	return job, nil
}

func (s *SQLStore) FinishJob(ctx context.Context, id, owner string, attempt int, status api.JobStatus, errMsg string) error {
	res, err := s.exec(ctx, `
		UPDATE failure_jobs
		SET attempt = ?, status = ?, error = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		attempt, string(status), errMsg, toNanos(s.now()),
		id, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return api.ErrJobClaimed
	}
	return nil
}
