// Package store persists job status, the per run event history and the
// task progress snapshot in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/windsim/simrunner/internal/model"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyRunning  = errors.New("already running")
	ErrAlreadyFinished = errors.New("already finished")
)

// BusyTimeout is how long a statement waits for a lock of another
// connection.
const BusyTimeout = 5 * time.Second

// ReasonLost is recorded for jobs found running at start-up.
const ReasonLost = "process lost: supervisor restarted while the job was running"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	run INTEGER NOT NULL DEFAULT 0,
	current_task TEXT DEFAULT NULL,
	started_at INTEGER DEFAULT NULL,
	ended_at INTEGER DEFAULT NULL,
	exit_code INTEGER DEFAULT NULL,
	error TEXT DEFAULT NULL,
	post_status TEXT DEFAULT NULL,
	updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
	job_id TEXT NOT NULL,
	run INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	percent INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	exit_code INTEGER DEFAULT NULL,
	status TEXT NOT NULL DEFAULT '',
	at INTEGER NOT NULL,
	PRIMARY KEY (job_id, run, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
	job_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	state TEXT NOT NULL,
	percent INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, task_id)
	)`,
}

type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Open opens or creates the database at path. A nil clock means the
// wall clock.
func Open(ctx context.Context, path string, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	// transactions are serialized on one connection
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &Store{db: db, clock: clock}, nil
}

// dsn waits for locks held by other processes, such as a CLI command next
// to a running server, instead of failing with SQLITE_BUSY.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(" + strconv.Itoa(int(BusyTimeout.Milliseconds())) + ")" +
		"&_pragma=journal_mode(WAL)&_txlock=immediate"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) tx(ctx context.Context, id string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("job_id", id))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const jobColumns = `id, phase, run, current_task, started_at, ended_at, exit_code, error, post_status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job                         model.Job
		phase                       string
		current, errMsg, postStatus sql.NullString
		started, ended, exitCode    sql.NullInt64
	)
	err := row.Scan(&job.ID, &phase, &job.Run, &current, &started, &ended, &exitCode, &errMsg, &postStatus)
	if err != nil {
		return model.Job{}, err
	}
	job.Phase = model.Phase(phase)
	job.CurrentTask = nullString(current)
	job.StartedAt = nullTime(started)
	job.EndedAt = nullTime(ended)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	job.Error = nullString(errMsg)
	job.PostStatus = nullString(postStatus)
	return job, nil
}

func getJob(ctx context.Context, tx *sql.Tx, id string) (model.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	job, err := scanJob(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Job{}, ErrNotFound
	case err != nil:
		return model.Job{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return job, nil
}

// Get returns the job record, ErrNotFound when the job never ran.
func (s *Store) Get(ctx context.Context, id string) (model.Job, error) {
	var job model.Job
	err := s.tx(ctx, id, func(tx *sql.Tx) error {
		var err error
		job, err = getJob(ctx, tx, id)
		return err
	})
	return job, err
}

// List returns every job record ordered by id.
func (s *Store) List(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Begin records a new run of id: phase running, run counter incremented,
// task snapshot reset to pending and the previous history removed.
// ErrAlreadyRunning is returned if the job is running already.
func (s *Store) Begin(ctx context.Context, id string, taskIDs []string) (model.Job, error) {
	now := s.clock.Now().UnixMilli()
	var job model.Job
	err := s.tx(ctx, id, func(tx *sql.Tx) error {
		prev, err := getJob(ctx, tx, id)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case prev.Phase == model.PhaseRunning:
			return ErrAlreadyRunning
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, phase, run, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				phase = excluded.phase,
				run = jobs.run + 1,
				current_task = NULL,
				started_at = NULL,
				ended_at = NULL,
				exit_code = NULL,
				error = NULL,
				post_status = NULL,
				updated_at = excluded.updated_at`,
			id, string(model.PhaseRunning), now,
		)
		if err != nil {
			return fmt.Errorf("executing sql upsert failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE job_id=?`, id); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE job_id=?`, id); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		for i, taskID := range taskIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tasks (job_id, task_id, ordinal, state) VALUES (?, ?, ?, ?)`,
				id, taskID, i, string(model.TaskStatePending),
			)
			if err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	return job, err
}

// MarkStarted sets startedAt unless it is set already.
func (s *Store) MarkStarted(ctx context.Context, id string, at time.Time) error {
	return s.tx(ctx, id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET started_at = ?, updated_at = ? WHERE id = ? AND started_at IS NULL`,
			at.UnixMilli(), s.clock.Now().UnixMilli(), id,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			if _, err := getJob(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Append stores ev as the next event of the current run and applies it to
// the task snapshot. The event is returned with JobID, Run, Seq and Time set.
func (s *Store) Append(ctx context.Context, id string, ev model.Event) (model.Event, error) {
	err := s.tx(ctx, id, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		var last sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM events WHERE job_id=? AND run=?`, id, job.Run,
		).Scan(&last)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}

		ev.JobID = id
		ev.Run = job.Run
		ev.Seq = last.Int64 + 1
		if ev.Time.IsZero() {
			ev.Time = s.clock.Now().UTC()
		}
		var exitCode any
		if ev.ExitCode != nil {
			exitCode = *ev.ExitCode
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (job_id, run, seq, kind, task_id, percent, message, exit_code, status, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, job.Run, ev.Seq, string(ev.Kind), ev.TaskID, ev.Percent, ev.Message, exitCode, ev.Status, ev.Time.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return applyEvent(ctx, tx, id, ev)
	})
	if err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

// applyEvent folds ev into the task snapshot and the current task. A task
// in error keeps it.
func applyEvent(ctx context.Context, tx *sql.Tx, id string, ev model.Event) error {
	var (
		query string
		args  []any
	)
	switch ev.Kind {
	case model.EventTaskStarted:
		query = `UPDATE tasks SET state = ? WHERE job_id = ? AND task_id = ? AND state NOT IN ('completed', 'error')`
		args = []any{string(model.TaskStateRunning), id, ev.TaskID}
	case model.EventProgress:
		query = `UPDATE tasks SET state = CASE WHEN state = 'pending' THEN 'running' ELSE state END, percent = ?
			WHERE job_id = ? AND task_id = ? AND state <> 'error'`
		args = []any{ev.Percent, id, ev.TaskID}
	case model.EventTaskCompleted:
		query = `UPDATE tasks SET state = ?, percent = 100 WHERE job_id = ? AND task_id = ? AND state <> 'error'`
		args = []any{string(model.TaskStateCompleted), id, ev.TaskID}
	case model.EventError:
		if ev.TaskID == "" {
			return nil
		}
		query = `UPDATE tasks SET state = ? WHERE job_id = ? AND task_id = ?`
		args = []any{string(model.TaskStateError), id, ev.TaskID}
	default:
		return nil
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if ev.Kind != model.EventTaskStarted {
		return nil
	}
	// current_task is the stage last reported as started
	_, err := tx.ExecContext(ctx,
		`UPDATE jobs SET current_task = ?, updated_at = ? WHERE id = ?`,
		ev.TaskID, ev.Time.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	return nil
}

// Finish moves a running job to a terminal phase and settles the task
// snapshot: on success unfinished tasks become completed, on failure
// they become error. ErrAlreadyFinished is returned for a job which is
// not running.
func (s *Store) Finish(ctx context.Context, id string, phase model.Phase, exitCode *int, reason string) (model.Job, error) {
	if !phase.Terminal() {
		return model.Job{}, fmt.Errorf("finish %s: phase %q is not terminal", id, phase)
	}
	now := s.clock.Now().UnixMilli()
	var job model.Job
	err := s.tx(ctx, id, func(tx *sql.Tx) error {
		prev, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if prev.Phase != model.PhaseRunning {
			return ErrAlreadyFinished
		}

		var code, errMsg any
		if exitCode != nil {
			code = *exitCode
		}
		if reason != "" {
			errMsg = reason
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET phase = ?, ended_at = ?, exit_code = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(phase), now, code, errMsg, now, id,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}

		settled := model.TaskStateCompleted
		if phase == model.PhaseFailed {
			settled = model.TaskStateError
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET state = ? WHERE job_id = ? AND state IN ('pending', 'running')`,
			string(settled), id,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	return job, err
}

// Reset removes every trace of the job. A running job is refused with
// ErrAlreadyRunning.
func (s *Store) Reset(ctx context.Context, id string) error {
	return s.tx(ctx, id, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Phase == model.PhaseRunning {
			return ErrAlreadyRunning
		}
		for _, q := range []string{
			`DELETE FROM events WHERE job_id=?`,
			`DELETE FROM tasks WHERE job_id=?`,
			`DELETE FROM jobs WHERE id=?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("executing sql delete failed: %w", err)
			}
		}
		return nil
	})
}

// Reconcile demotes every running job to unknown. It must be called
// before any job is started by this process.
func (s *Store) Reconcile(ctx context.Context) ([]string, error) {
	now := s.clock.Now().UnixMilli()
	var ids []string
	err := s.tx(ctx, "", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE phase = ? ORDER BY id`, string(model.PhaseRunning))
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET phase = ?, ended_at = ?, error = ?, updated_at = ? WHERE phase = ?`,
			string(model.PhaseUnknown), now, ReasonLost, now, string(model.PhaseRunning),
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
	return ids, err
}

func (s *Store) SetPostStatus(ctx context.Context, id, status string) error {
	return s.tx(ctx, id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET post_status = ?, updated_at = ? WHERE id = ?`,
			status, s.clock.Now().UnixMilli(), id,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fetching affected rows failed: %w", err)
		}
		if ra != 1 {
			return ErrNotFound
		}
		return nil
	})
}

// Events returns the events of the current run with a sequence number
// greater than after.
func (s *Store) Events(ctx context.Context, id string, after int64) ([]model.Event, error) {
	var events []model.Event
	err := s.tx(ctx, id, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT seq, kind, task_id, percent, message, exit_code, status, at
			FROM events WHERE job_id = ? AND run = ? AND seq > ? ORDER BY seq`,
			id, job.Run, after,
		)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				ev       model.Event
				kind     string
				exitCode sql.NullInt64
				at       int64
			)
			if err := rows.Scan(&ev.Seq, &kind, &ev.TaskID, &ev.Percent, &ev.Message, &exitCode, &ev.Status, &at); err != nil {
				return err
			}
			ev.JobID = id
			ev.Run = job.Run
			ev.Kind = model.EventKind(kind)
			if exitCode.Valid {
				code := int(exitCode.Int64)
				ev.ExitCode = &code
			}
			ev.Time = time.UnixMilli(at).UTC()
			events = append(events, ev)
		}
		return rows.Err()
	})
	return events, err
}

// Progress returns the task snapshot of the current run.
func (s *Store) Progress(ctx context.Context, id string) (model.Progress, error) {
	var p model.Progress
	err := s.tx(ctx, id, func(tx *sql.Tx) error {
		var updated int64
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+`, updated_at FROM jobs WHERE id=?`, id)
		job, err := scanJob(rowFunc(func(dest ...any) error {
			return row.Scan(append(dest, &updated)...)
		}))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		}

		p = model.Progress{
			JobID:       id,
			Calculating: job.Phase == model.PhaseRunning,
			Completed:   job.Phase == model.PhaseCompleted,
			Tasks:       make(map[string]model.TaskState),
			TaskPercent: make(map[string]int),
			ExitCode:    job.ExitCode,
		}
		ts := time.UnixMilli(updated).UTC()
		p.UpdatedAt = &ts

		rows, err := tx.QueryContext(ctx,
			`SELECT task_id, state, percent FROM tasks WHERE job_id = ? ORDER BY ordinal`, id,
		)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		defer func() { _ = rows.Close() }()
		var completed int
		for rows.Next() {
			var taskID, state string
			var percent int
			if err := rows.Scan(&taskID, &state, &percent); err != nil {
				return err
			}
			p.Tasks[taskID] = model.TaskState(state)
			p.TaskPercent[taskID] = percent
			if model.TaskState(state) == model.TaskStateCompleted {
				completed++
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(p.Tasks) > 0 {
			p.Percent = completed * 100 / len(p.Tasks)
		}
		return nil
	})
	return p, err
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error {
	return f(dest...)
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}
