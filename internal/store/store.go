// Package store is the durable job queue and key/value metadata layer.
// It is the cluster's concurrency backbone: claimNext is the only safe way
// to move a job from pending to processing, and every write is a
// transaction that is never retried by the Store itself.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQL database holding the job queue and companion tables.
type Store struct {
	db *sql.DB
}

// Open resolves path (a directory or a file), ensures the file exists,
// opens a WAL-mode SQLite connection and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	resolved := resolveDBPath(path)
	if err := ensureFile(resolved); err != nil {
		return nil, fmt.Errorf("ensure db file: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", resolved)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, applying any pending migrations to
// it first — primarily for tests that open an in-memory database themselves.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for packages (settings, secrets) that
// share this connection for their own tables.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func resolveDBPath(p string) string {
	info, err := os.Stat(p)
	if err == nil && info.IsDir() {
		return filepath.Join(p, "frameshift.db")
	}
	return p
}

func ensureFile(p string) error {
	info, err := os.Stat(p)
	if err == nil {
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", p)
		}
		return nil
	}
	if os.IsNotExist(err) {
		if dir := filepath.Dir(p); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o666)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return err
}

// normalizeTimestamp converts a SQL-returned timestamp to ISO-8601 UTC,
// per the read-boundary normalization rule: space becomes T, and a missing
// zone suffix is reported as Z.
func normalizeTimestamp(s string) string {
	if s == "" {
		return s
	}
	s = strings.Replace(s, " ", "T", 1)
	if !strings.HasSuffix(s, "Z") && !strings.Contains(s, "+") {
		s += "Z"
	}
	return s
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

const jobColumns = `id, name, input_path, output_path, command_json, status, progress,
	queue_position, created_at, updated_at, started_at, ended_at, total_frames,
	error_message, config_key, config_snapshot, retried, cleared, assigned_worker, worker_last_seen`

func scanJob(row interface {
	Scan(dest ...any) error
}) (Job, error) {
	var j Job
	var outputPath, commandJSON, startedAt, endedAt, errorMessage, configKey, configSnapshot, assignedWorker, workerLastSeen sql.NullString
	var queuePosition, totalFrames sql.NullInt64
	var retried, cleared int
	var status string
	if err := row.Scan(
		&j.ID, &j.Name, &j.InputPath, &outputPath, &commandJSON, &status, &j.Progress,
		&queuePosition, &j.CreatedAt, &j.UpdatedAt, &startedAt, &endedAt, &totalFrames,
		&errorMessage, &configKey, &configSnapshot, &retried, &cleared, &assignedWorker, &workerLastSeen,
	); err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	j.CreatedAt = normalizeTimestamp(j.CreatedAt)
	j.UpdatedAt = normalizeTimestamp(j.UpdatedAt)
	j.Retried = retried != 0
	j.Cleared = cleared != 0
	if outputPath.Valid {
		j.OutputPath = &outputPath.String
	}
	if commandJSON.Valid {
		j.CommandJSON = &commandJSON.String
	}
	if startedAt.Valid {
		v := normalizeTimestamp(startedAt.String)
		j.StartedAt = &v
	}
	if endedAt.Valid {
		v := normalizeTimestamp(endedAt.String)
		j.EndedAt = &v
	}
	if totalFrames.Valid {
		j.TotalFrames = &totalFrames.Int64
	}
	if errorMessage.Valid {
		j.ErrorMessage = &errorMessage.String
	}
	if configKey.Valid {
		j.ConfigKey = &configKey.String
	}
	if configSnapshot.Valid {
		j.ConfigSnapshot = &configSnapshot.String
	}
	if assignedWorker.Valid {
		j.AssignedWorker = &assignedWorker.String
	}
	if workerLastSeen.Valid {
		v := normalizeTimestamp(workerLastSeen.String)
		j.WorkerLastSeen = &v
	}
	if queuePosition.Valid {
		j.QueuePosition = &queuePosition.Int64
	}
	return j, nil
}

// Create inserts a pending job, optionally at a caller-assigned queue
// position (append-to-tail submission assigns max+1..max+n beforehand).
func (s *Store) Create(ctx context.Context, in NewJobInput) (int64, error) {
	cmdJSON, err := marshalCommand(in.Command)
	if err != nil {
		return 0, fmt.Errorf("marshal command: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO jobs(
		name, input_path, output_path, command_json, status, progress, queue_position,
		config_key, config_snapshot
	) VALUES(?,?,?,?,?,?,?,?,?)`,
		in.Name, in.InputPath, nullableString(in.OutputPath), cmdJSON, string(StatusPending), 0,
		in.QueuePosition, in.ConfigKey, in.ConfigSnapshot)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Get returns a single job by id.
func (s *Store) Get(ctx context.Context, id int64) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row)
}

// GetByStatus returns all jobs in the given status, oldest first.
func (s *Store) GetByStatus(ctx context.Context, status Status) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// GetQueue returns pending ∪ processing jobs ordered by queue position then
// creation time, the order the Processor consumes them in.
func (s *Store) GetQueue(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?)
		ORDER BY (queue_position IS NULL), queue_position ASC, created_at ASC, id ASC`,
		string(StatusPending), string(StatusProcessing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	jobs := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Update applies a partial patch to a job, always bumping updated_at.
func (s *Store) Update(ctx context.Context, id int64, patch Patch) error {
	sets := []string{"updated_at = ?"}
	args := []any{nowISO()}

	if patch.OutputPath != nil {
		sets = append(sets, "output_path = ?")
		args = append(args, *patch.OutputPath)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *patch.Progress)
	}
	if patch.QueuePosition != nil {
		sets = append(sets, "queue_position = ?")
		args = append(args, *patch.QueuePosition)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *patch.StartedAt)
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *patch.EndedAt)
	}
	if patch.TotalFrames != nil {
		sets = append(sets, "total_frames = ?")
		args = append(args, *patch.TotalFrames)
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.Retried != nil {
		sets = append(sets, "retried = ?")
		args = append(args, boolToInt(*patch.Retried))
	}
	if patch.Cleared != nil {
		sets = append(sets, "cleared = ?")
		args = append(args, boolToInt(*patch.Cleared))
	}
	if patch.AssignedWorker != nil {
		sets = append(sets, "assigned_worker = ?")
		args = append(args, *patch.AssignedWorker)
	}
	if patch.WorkerLastSeen != nil {
		sets = append(sets, "worker_last_seen = ?")
		args = append(args, *patch.WorkerLastSeen)
	}

	args = append(args, id)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ?`, strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ClaimNext atomically moves the oldest unclaimed pending job to processing.
// Multiple followers may call this concurrently; exactly one wins any given
// row. Returns (Job{}, false, nil) if there is nothing to claim.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id FROM jobs
		WHERE status = ? AND assigned_worker IS NULL
		ORDER BY (queue_position IS NULL), queue_position ASC, created_at ASC
		LIMIT 1`, string(StatusPending))
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}

	now := nowISO()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, assigned_worker=?, started_at=?,
		worker_last_seen=?, updated_at=? WHERE id=? AND status=? AND assigned_worker IS NULL`,
		string(StatusProcessing), workerID, now, now, now, id, string(StatusPending))
	if err != nil {
		return Job{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, false, err
	}
	if n != 1 {
		// Lost the race to another claimer between the select and the update.
		return Job{}, false, nil
	}

	claimedRow := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	job, err := scanJob(claimedRow)
	if err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// PickNextPending is ClaimNext's leader-side counterpart: it transitions the
// oldest pending job to processing under the same CAS discipline but leaves
// assigned_worker NULL, since the Distributor records the follower
// assignment separately once the RemoteExecutor dispatches the job.
func (s *Store) PickNextPending(ctx context.Context) (Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id FROM jobs
		WHERE status = ?
		ORDER BY (queue_position IS NULL), queue_position ASC, created_at ASC
		LIMIT 1`, string(StatusPending))
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, err
	}

	now := nowISO()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, started_at=?, updated_at=?
		WHERE id=? AND status=?`,
		string(StatusProcessing), now, now, id, string(StatusPending))
	if err != nil {
		return Job{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, false, err
	}
	if n != 1 {
		return Job{}, false, nil
	}

	claimedRow := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	job, err := scanJob(claimedRow)
	if err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// UpdateWorkerHeartbeat bumps worker_last_seen; a no-op if the job is no
// longer assigned to workerID (e.g. it was reaped or reassigned).
func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, id int64, workerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET worker_last_seen=?, updated_at=?
		WHERE id=? AND assigned_worker=?`, nowISO(), nowISO(), id, workerID)
	return err
}

// ReleaseStaleJobs fails every processing job whose heartbeat is older than
// timeout, clearing its worker assignment. Returns the number reclaimed.
func (s *Store) ReleaseStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout).Format("2006-01-02T15:04:05.000Z")
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, error_message=?, assigned_worker=NULL, updated_at=?
		WHERE status=? AND worker_last_seen IS NOT NULL AND worker_last_seen < ?`,
		string(StatusFailed), "Worker became unresponsive", nowISO(), string(StatusProcessing), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetProcessingJobs reverts every processing row to pending with zeroed
// progress. Called once at startup by standalone/follower nodes recovering
// from an unclean shutdown.
func (s *Store) ResetProcessingJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, progress=0, assigned_worker=NULL,
		started_at=NULL, updated_at=? WHERE status=?`,
		string(StatusPending), nowISO(), string(StatusProcessing))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetStatusCounts tallies jobs by status for the dashboard and event bus.
func (s *Store) GetStatusCounts(ctx context.Context) (StatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs WHERE cleared=0 GROUP BY status`)
	if err != nil {
		return StatusCounts{}, err
	}
	defer rows.Close()
	var c StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, err
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusProcessing:
			c.Processing = n
		case StatusCompleted:
			c.Completed = n
		case StatusFailed:
			c.Failed = n
		case StatusCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

// GetFailedNotRetriedCount counts failed, not-yet-cleared jobs that have
// not been retried.
func (s *Store) GetFailedNotRetriedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE status=? AND retried=0 AND cleared=0`,
		string(StatusFailed)).Scan(&n)
	return n, err
}

// GetClearableJobsCount counts finished, not-yet-cleared jobs.
func (s *Store) GetClearableJobsCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs
		WHERE status IN (?, ?, ?) AND cleared=0`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled)).Scan(&n)
	return n, err
}

// ClearSuccessfulJobs hides completed jobs from the default listing.
func (s *Store) ClearSuccessfulJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET cleared=1, updated_at=? WHERE status=? AND cleared=0`,
		nowISO(), string(StatusCompleted))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearAllFinishedJobs hides every terminal job from the default listing.
func (s *Store) ClearAllFinishedJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET cleared=1, updated_at=?
		WHERE status IN (?, ?, ?) AND cleared=0`,
		nowISO(), string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetMaxQueuePosition returns the highest assigned queue position, or 0 if
// none, for append-to-tail submission of a new batch.
func (s *Store) GetMaxQueuePosition(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(queue_position) FROM jobs`).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// ReorderQueue transactionally rewrites queue positions 0..n-1 to match the
// order of ids.
func (s *Store) ReorderQueue(ctx context.Context, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET queue_position=?, updated_at=? WHERE id=?`, i, nowISO(), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Complete marks a job completed with its final output and progress.
func (s *Store) Complete(ctx context.Context, id int64, outputPath string) error {
	now := nowISO()
	status := StatusCompleted
	progress := 100
	return s.Update(ctx, id, Patch{
		Status:     &status,
		Progress:   &progress,
		OutputPath: &outputPath,
		EndedAt:    &now,
	})
}

// SetError marks a job failed with the given message.
func (s *Store) SetError(ctx context.Context, id int64, message string) error {
	now := nowISO()
	status := StatusFailed
	return s.Update(ctx, id, Patch{
		Status:       &status,
		ErrorMessage: &message,
		EndedAt:      &now,
	})
}

// Cancel marks a job cancelled by user action.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	now := nowISO()
	status := StatusCancelled
	msg := "cancelled by user"
	return s.Update(ctx, id, Patch{
		Status:       &status,
		ErrorMessage: &msg,
		EndedAt:      &now,
	})
}

// Retry synthesizes a new pending job referencing the same configuration
// and marks the original retried+cleared; the original row is never
// mutated beyond those two flags.
func (s *Store) Retry(ctx context.Context, id int64) (int64, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	maxPos, err := s.GetMaxQueuePosition(ctx)
	if err != nil {
		return 0, err
	}
	nextPos := maxPos + 1
	var cmd Command
	if job.CommandJSON != nil {
		cmd, _ = unmarshalCommand(*job.CommandJSON)
	}
	newID, err := s.Create(ctx, NewJobInput{
		Name:           job.Name,
		InputPath:      job.InputPath,
		Command:        cmd,
		QueuePosition:  &nextPos,
		ConfigKey:      job.ConfigKey,
		ConfigSnapshot: job.ConfigSnapshot,
	})
	if err != nil {
		return 0, err
	}
	retried := true
	cleared := true
	if err := s.Update(ctx, id, Patch{Retried: &retried, Cleared: &cleared}); err != nil {
		return 0, err
	}
	return newID, nil
}
