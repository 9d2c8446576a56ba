package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAttemptExists  = errors.New("attempt already recorded")
	ErrAttemptSettled = errors.New("attempt already settled")
	// ErrChunkClosed rejects a completion for a chunk that was cancelled or
	// failed permanently.
	ErrChunkClosed = errors.New("chunk closed")
	errNilDB       = errors.New("nil db")
)

// Store abstracts persistence for task instances, chunks and worker attempts.
// Implementations must be safe for concurrent use.
type Store interface {
	CreateInstance(ctx context.Context, inst InstanceRecord, chunks []ChunkRecord) error
	GetInstance(ctx context.Context, instanceID string) (*InstanceRecord, error)
	ListActiveInstances(ctx context.Context) ([]InstanceRecord, error)
	MarkCancelled(ctx context.Context, instanceID string, at time.Time) error

	ListChunks(ctx context.Context, instanceID string) ([]ChunkRecord, error)
	GetChunk(ctx context.Context, chunkID string) (*ChunkRecord, error)
	ChunkPayload(ctx context.Context, chunkID string) (string, error)
	SaveChunk(ctx context.Context, rec ChunkRecord) error

	StartAttempt(ctx context.Context, rec WorkerLogRecord) error
	CompleteAttempt(ctx context.Context, logID string, resultJSON *string, finishedAt time.Time) error
	FailAttempt(ctx context.Context, logID string, errorMsg string, fatal bool, finishedAt time.Time) error
	LatestAttempts(ctx context.Context, instanceID string) ([]WorkerLogRecord, error)
	ListAttempts(ctx context.Context, chunkID string) ([]WorkerLogRecord, error)
	HasCompletedAttempt(ctx context.Context, chunkID string) (bool, error)
	FailStaleAttempts(ctx context.Context, startedBefore time.Time, errorMsg string, finishedAt time.Time) (int, error)

	DeleteElection(ctx context.Context, electionID string) error
}

// Dialect selects placeholder style and driver quirks.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) Dialect {
	switch driver {
	case "pgx", "postgres":
		return DialectPostgres
	}
	return DialectSQLite
}

// SQLStore is the relational implementation (SQLite or PostgreSQL).
// Table schema is provided in migrations.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects with driver/dsn and applies migrations.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	s := NewSQLStore(db, DialectFor(driver))
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) CreateInstance(ctx context.Context, inst InstanceRecord, chunks []ChunkRecord) error {
	if s.db == nil {
		return errNilDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO elections (election_id, created_at) VALUES (?, ?)
		ON CONFLICT (election_id) DO NOTHING`), inst.ElectionID, now); err != nil {
		return fmt.Errorf("upsert election: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO task_instances
		(instance_id, job_type, election_id, guardian_id, source_guardian_id, target_guardian_id, max_retries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID, inst.JobType, inst.ElectionID, inst.GuardianID, inst.SourceGuardianID, inst.TargetGuardianID,
		inst.MaxRetries, inst.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	insertChunk := s.rebind(`INSERT INTO chunks
		(chunk_id, instance_id, election_id, chunk_number, state, retry_count, attempts, fatal, last_error, payload_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, insertChunk,
			c.ID, inst.ID, inst.ElectionID, c.Number, c.State, c.RetryCount, c.Attempts, boolInt(c.Fatal),
			c.LastError, c.PayloadJSON, c.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Number, err)
		}
	}
	return tx.Commit()
}

const instanceColumns = `instance_id, job_type, election_id, guardian_id, source_guardian_id, target_guardian_id, max_retries, created_at, cancelled_at`

func scanInstance(sc interface{ Scan(...any) error }) (*InstanceRecord, error) {
	rec := InstanceRecord{}
	var cancelledAt sql.NullTime
	if err := sc.Scan(&rec.ID, &rec.JobType, &rec.ElectionID, &rec.GuardianID, &rec.SourceGuardianID,
		&rec.TargetGuardianID, &rec.MaxRetries, &rec.CreatedAt, &cancelledAt); err != nil {
		return nil, err
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		rec.CancelledAt = &t
	}
	return &rec, nil
}

func (s *SQLStore) GetInstance(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	if s.db == nil {
		return nil, errNilDB
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+instanceColumns+` FROM task_instances WHERE instance_id = ?`), instanceID)
	rec, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	return rec, err
}

// ListActiveInstances returns instances with at least one non-terminal chunk,
// oldest first.
func (s *SQLStore) ListActiveInstances(ctx context.Context) ([]InstanceRecord, error) {
	if s.db == nil {
		return nil, errNilDB
	}
	q := `SELECT ` + instanceColumns + ` FROM task_instances i
		WHERE EXISTS (
			SELECT 1 FROM chunks c
			WHERE c.instance_id = i.instance_id
			  AND NOT (c.state = 'COMPLETED' OR (c.state = 'FAILED' AND (c.fatal = 1 OR c.retry_count >= i.max_retries)))
		)
		ORDER BY i.created_at, i.instance_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkCancelled(ctx context.Context, instanceID string, at time.Time) error {
	if s.db == nil {
		return errNilDB
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE task_instances SET cancelled_at = ? WHERE instance_id = ?`), at.UTC(), instanceID)
	return err
}

const chunkColumns = `chunk_id, instance_id, election_id, chunk_number, state, retry_count, attempts, fatal, last_error, updated_at`

func scanChunk(sc interface{ Scan(...any) error }) (*ChunkRecord, error) {
	rec := ChunkRecord{}
	var lastError sql.NullString
	if err := sc.Scan(&rec.ID, &rec.InstanceID, &rec.ElectionID, &rec.Number, &rec.State, &rec.RetryCount,
		&rec.Attempts, &rec.Fatal, &lastError, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if lastError.Valid {
		v := lastError.String
		rec.LastError = &v
	}
	return &rec, nil
}

func (s *SQLStore) ListChunks(ctx context.Context, instanceID string) ([]ChunkRecord, error) {
	if s.db == nil {
		return nil, errNilDB
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+chunkColumns+` FROM chunks WHERE instance_id = ? ORDER BY chunk_number`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkRecord
	for rows.Next() {
		rec, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetChunk(ctx context.Context, chunkID string) (*ChunkRecord, error) {
	if s.db == nil {
		return nil, errNilDB
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = ?`), chunkID)
	rec, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	return rec, err
}

func (s *SQLStore) ChunkPayload(ctx context.Context, chunkID string) (string, error) {
	if s.db == nil {
		return "", errNilDB
	}
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload_json FROM chunks WHERE chunk_id = ?`), chunkID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	return payload, err
}

// SaveChunk writes the mutable chunk columns; the payload is never rewritten.
func (s *SQLStore) SaveChunk(ctx context.Context, rec ChunkRecord) error {
	if s.db == nil {
		return errNilDB
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE chunks SET state = ?, retry_count = ?, attempts = ?, fatal = ?, last_error = ?, updated_at = ?
		WHERE chunk_id = ?`),
		rec.State, rec.RetryCount, rec.Attempts, boolInt(rec.Fatal), rec.LastError, rec.UpdatedAt.UTC(), rec.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("chunk %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// StartAttempt appends an IN_PROGRESS row. A second row for the same
// (chunk, attempt) yields ErrAttemptExists.
func (s *SQLStore) StartAttempt(ctx context.Context, rec WorkerLogRecord) error {
	if s.db == nil {
		return errNilDB
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO worker_logs
		(log_id, job_type, election_id, instance_id, chunk_id, guardian_id, source_guardian_id, target_guardian_id,
		 chunk_number, attempt, status, start_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chunk_id, attempt) DO NOTHING`),
		rec.LogID, rec.JobType, rec.ElectionID, rec.InstanceID, rec.ChunkID, rec.GuardianID, rec.SourceGuardianID,
		rec.TargetGuardianID, rec.ChunkNumber, rec.Attempt, string(StatusInProgress), rec.StartTime.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("chunk %s attempt %d: %w", rec.ChunkID, rec.Attempt, ErrAttemptExists)
	}
	return nil
}

func (s *SQLStore) settle(ctx context.Context, logID string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var status string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT status FROM worker_logs WHERE log_id = ?`), logID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("worker log %s: %w", logID, ErrNotFound)
	case err != nil:
		return err
	case status == string(StatusInProgress):
		return fmt.Errorf("worker log %s: %w", logID, ErrChunkClosed)
	}
	return fmt.Errorf("worker log %s: %w", logID, ErrAttemptSettled)
}

// CompleteAttempt settles an IN_PROGRESS row as COMPLETED unless its chunk has
// been closed (FAILED and fatal) in the meantime, which yields ErrChunkClosed.
func (s *SQLStore) CompleteAttempt(ctx context.Context, logID string, resultJSON *string, finishedAt time.Time) error {
	if s.db == nil {
		return errNilDB
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE worker_logs SET status = ?, result_json = ?, end_time = ?
		WHERE log_id = ? AND status = ?
		  AND NOT EXISTS (SELECT 1 FROM chunks c WHERE c.chunk_id = worker_logs.chunk_id AND c.state = ? AND c.fatal = 1)`),
		string(StatusCompleted), resultJSON, finishedAt.UTC(), logID, string(StatusInProgress), "FAILED")
	if err != nil {
		return err
	}
	return s.settle(ctx, logID, res)
}

func (s *SQLStore) FailAttempt(ctx context.Context, logID string, errorMsg string, fatal bool, finishedAt time.Time) error {
	if s.db == nil {
		return errNilDB
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE worker_logs SET status = ?, error_message = ?, fatal = ?, end_time = ?
		WHERE log_id = ? AND status = ?`),
		string(StatusFailed), errorMsg, boolInt(fatal), finishedAt.UTC(), logID, string(StatusInProgress))
	if err != nil {
		return err
	}
	return s.settle(ctx, logID, res)
}

const logColumns = `log_id, job_type, election_id, instance_id, chunk_id, guardian_id, source_guardian_id, target_guardian_id,
	chunk_number, attempt, status, start_time, end_time, error_message, fatal, result_json`

func scanLog(sc interface{ Scan(...any) error }) (*WorkerLogRecord, error) {
	rec := WorkerLogRecord{}
	var status string
	var endTime sql.NullTime
	var errorMsg, resultJSON sql.NullString
	if err := sc.Scan(&rec.LogID, &rec.JobType, &rec.ElectionID, &rec.InstanceID, &rec.ChunkID, &rec.GuardianID,
		&rec.SourceGuardianID, &rec.TargetGuardianID, &rec.ChunkNumber, &rec.Attempt, &status, &rec.StartTime,
		&endTime, &errorMsg, &rec.Fatal, &resultJSON); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if endTime.Valid {
		t := endTime.Time
		rec.EndTime = &t
	}
	if errorMsg.Valid {
		v := errorMsg.String
		rec.ErrorMessage = &v
	}
	if resultJSON.Valid {
		v := resultJSON.String
		rec.ResultJSON = &v
	}
	return &rec, nil
}

func (s *SQLStore) queryLogs(ctx context.Context, q string, args ...any) ([]WorkerLogRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerLogRecord
	for rows.Next() {
		rec, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// LatestAttempts returns, for each chunk of the instance that has been
// attempted, its highest-numbered attempt row.
func (s *SQLStore) LatestAttempts(ctx context.Context, instanceID string) ([]WorkerLogRecord, error) {
	if s.db == nil {
		return nil, errNilDB
	}
	return s.queryLogs(ctx, `SELECT `+logColumns+` FROM worker_logs w
		WHERE w.instance_id = ?
		  AND w.attempt = (SELECT MAX(w2.attempt) FROM worker_logs w2 WHERE w2.chunk_id = w.chunk_id)
		ORDER BY w.chunk_number`, instanceID)
}

// ListAttempts returns the full attempt history of a chunk, oldest first.
func (s *SQLStore) ListAttempts(ctx context.Context, chunkID string) ([]WorkerLogRecord, error) {
	if s.db == nil {
		return nil, errNilDB
	}
	return s.queryLogs(ctx, `SELECT `+logColumns+` FROM worker_logs WHERE chunk_id = ? ORDER BY attempt`, chunkID)
}

func (s *SQLStore) HasCompletedAttempt(ctx context.Context, chunkID string) (bool, error) {
	if s.db == nil {
		return false, errNilDB
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM worker_logs WHERE chunk_id = ? AND status = ?`),
		chunkID, string(StatusCompleted)).Scan(&n)
	return n > 0, err
}

// FailStaleAttempts settles IN_PROGRESS rows started before the cutoff as
// retryable failures. Used by the reconciliation sweep.
func (s *SQLStore) FailStaleAttempts(ctx context.Context, startedBefore time.Time, errorMsg string, finishedAt time.Time) (int, error) {
	if s.db == nil {
		return 0, errNilDB
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE worker_logs SET status = ?, error_message = ?, fatal = 0, end_time = ?
		WHERE status = ? AND start_time < ?`),
		string(StatusFailed), errorMsg, finishedAt.UTC(), string(StatusInProgress), startedBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteElection removes an election; instances, chunks and worker logs
// cascade with it.
func (s *SQLStore) DeleteElection(ctx context.Context, electionID string) error {
	if s.db == nil {
		return errNilDB
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM elections WHERE election_id = ?`), electionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("election %s: %w", electionID, ErrNotFound)
	}
	return nil
}
