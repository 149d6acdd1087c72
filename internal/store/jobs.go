package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/gaxx-rpc/internal/codec"
	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

// Task states before a task reaches one of the terminal api.TaskStatus values.
const (
	StatusNew     = "NEW"
	StatusRunning = "RUNNING"
)

// TimeoutMessage is recorded on tasks expired by ExpireTasks.
const TimeoutMessage = "Task timed out"

type Job struct {
	JobID         string    `json:"job_id"`
	Method        string    `json:"method"`
	TaskCount     int       `json:"task_count"`
	TimeCreated   time.Time `json:"time_created"`
	TimeCompleted time.Time `json:"time_completed"`
}

// Completed reports whether every task of the job has finished.
func (j Job) Completed() bool { return !j.TimeCompleted.IsZero() }

type Task struct {
	TaskID        string    `json:"task_id"`
	JobID         string    `json:"job_id"`
	MercuryID     string    `json:"mercury_id"`
	Method        string    `json:"method"`
	Status        string    `json:"status"`
	Action        string    `json:"action"`
	Progress      float64   `json:"progress"`
	Message       string    `json:"message"`
	TracebackInfo any       `json:"traceback_info"`
	Data          any       `json:"data"`
	TimeCreated   time.Time `json:"time_created"`
	TimeStarted   time.Time `json:"time_started"`
	TimeUpdated   time.Time `json:"time_updated"`
	TimeCompleted time.Time `json:"time_completed"`
}

// CreateJob inserts a job and its tasks in one transaction. Tasks start NEW.
func (s *Store) CreateJob(ctx context.Context, job Job, tasks []Task) error {
	now := s.now()
	if job.TimeCreated.IsZero() {
		job.TimeCreated = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, method, task_count, time_created) VALUES (?, ?, ?, ?)`,
		job.JobID, job.Method, len(tasks), unixSeconds(job.TimeCreated)); err != nil {
		return fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	for _, t := range tasks {
		method := t.Method
		if method == "" {
			method = job.Method
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (task_id, job_id, mercury_id, method, status, time_created) VALUES (?, ?, ?, ?, ?, ?)`,
			t.TaskID, job.JobID, t.MercuryID, method, StatusNew, unixSeconds(job.TimeCreated)); err != nil {
			return fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
	}
	return tx.Commit()
}

// UpdateTaskProgress records a progress report. The first report moves the
// task to RUNNING and stamps its start time. Reports for a finished task are
// ignored.
func (s *Store) UpdateTaskProgress(ctx context.Context, taskID string, update api.TaskUpdate) error {
	now := unixSeconds(s.now())
	var progress any
	if update.Progress != nil {
		progress = *update.Progress
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			action = ?,
			progress = COALESCE(?, progress),
			status = CASE WHEN status = ? THEN ? ELSE status END,
			time_started = COALESCE(time_started, ?),
			time_updated = ?
		WHERE task_id = ? AND time_completed IS NULL`,
		update.Action, progress, StatusNew, StatusRunning, now, now, taskID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.taskExists(ctx, taskID)
	}
	return nil
}

// CompleteTask records the terminal report of a task. When it is the last
// open task of its job the job is stamped complete in the same transaction.
func (s *Store) CompleteTask(ctx context.Context, jobID, taskID string, report api.TaskReturn) error {
	completed := s.now()
	if report.TimeCompleted > 0 {
		completed = floatTime(report.TimeCompleted)
	}
	var data any
	if report.Data != nil {
		blob, err := codec.Marshal(report.Data)
		if err != nil {
			return fmt.Errorf("encode task data: %w", err)
		}
		data = blob
	}
	traceback, err := tracebackValue(report.TracebackInfo)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			message = ?,
			traceback_info = ?,
			data = ?,
			progress = 1,
			mercury_id = CASE WHEN ? = '' THEN mercury_id ELSE ? END,
			method = CASE WHEN ? = '' THEN method ELSE ? END,
			time_started = COALESCE(?, time_started),
			time_updated = ?,
			time_completed = ?
		WHERE task_id = ? AND job_id = ?`,
		string(report.Status), report.Message, traceback, data,
		report.MercuryID, report.MercuryID,
		report.Method, report.Method,
		unixSeconds(floatTime(report.TimeStarted)),
		unixSeconds(completed), unixSeconds(completed),
		taskID, jobID)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s of job %s: %w", taskID, jobID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET time_completed = ?
		WHERE job_id = ? AND time_completed IS NULL
		AND NOT EXISTS (SELECT 1 FROM tasks WHERE tasks.job_id = jobs.job_id AND tasks.time_completed IS NULL)`,
		unixSeconds(completed), jobID); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return tx.Commit()
}

func (s *Store) taskExists(ctx context.Context, taskID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_id = ?`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	var (
		job       Job
		created   sql.NullFloat64
		completed sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, method, task_count, time_created, time_completed FROM jobs WHERE job_id = ?`, jobID).
		Scan(&job.JobID, &job.Method, &job.TaskCount, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	job.TimeCreated = fromUnixSeconds(created)
	job.TimeCompleted = fromUnixSeconds(completed)
	return job, nil
}

// tracebackValue maps a reported traceback onto its column: text stays
// text, any other value is stored as a CBOR blob.
func tracebackValue(v any) (any, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	}
	blob, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode task traceback: %w", err)
	}
	return blob, nil
}

const taskColumns = `task_id, job_id, mercury_id, method, status, action, progress, message,
	traceback_info, data, time_created, time_started, time_updated, time_completed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                                   Task
		traceback                           any
		data                                []byte
		created, started, updated, finished sql.NullFloat64
	)
	if err := row.Scan(&t.TaskID, &t.JobID, &t.MercuryID, &t.Method, &t.Status, &t.Action, &t.Progress,
		&t.Message, &traceback, &data, &created, &started, &updated, &finished); err != nil {
		return Task{}, err
	}
	switch v := traceback.(type) {
	case []byte:
		if err := codec.Unmarshal(v, &t.TracebackInfo); err != nil {
			return Task{}, fmt.Errorf("decode task traceback: %w", err)
		}
	default:
		t.TracebackInfo = v
	}
	if data != nil {
		if err := codec.Unmarshal(data, &t.Data); err != nil {
			return Task{}, fmt.Errorf("decode task data: %w", err)
		}
	}
	t.TimeCreated = fromUnixSeconds(created)
	t.TimeStarted = fromUnixSeconds(started)
	t.TimeUpdated = fromUnixSeconds(updated)
	t.TimeCompleted = fromUnixSeconds(finished)
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// ListTasks returns the tasks of a job ordered by id.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY task_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompleteFinishedJobs stamps every open job whose tasks have all finished.
func (s *Store) CompleteFinishedJobs(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET time_completed = ?
		WHERE time_completed IS NULL
		AND NOT EXISTS (SELECT 1 FROM tasks WHERE tasks.job_id = jobs.job_id AND tasks.time_completed IS NULL)`,
		unixSeconds(now))
	if err != nil {
		return 0, fmt.Errorf("complete jobs: %w", err)
	}
	return res.RowsAffected()
}

// ExpireTasks marks TIMEOUT every unfinished task that started, or was
// created if it never started, before startedBefore.
func (s *Store) ExpireTasks(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, message = ?, time_updated = ?, time_completed = ?
		WHERE time_completed IS NULL AND COALESCE(time_started, time_created) < ?`,
		string(api.TaskTimeout), TimeoutMessage, unixSeconds(now), unixSeconds(now), unixSeconds(startedBefore))
	if err != nil {
		return 0, fmt.Errorf("expire tasks: %w", err)
	}
	return res.RowsAffected()
}

// PurgeCompleted deletes jobs completed before the cutoff, with their tasks.
// It returns the number of jobs removed.
func (s *Store) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	cutoff := unixSeconds(before)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tasks WHERE job_id IN
			(SELECT job_id FROM jobs WHERE time_completed IS NOT NULL AND time_completed < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE time_completed IS NOT NULL AND time_completed < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
