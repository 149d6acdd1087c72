package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

func newTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	t.Cleanup(func() { s.Close() })
	return s
}

func clientInfo(id, addr string) map[string]any {
	return map[string]any{
		"mercury_id":   id,
		"rpc_address":  addr,
		"rpc_address6": nil,
		"rpc_port":     9001,
		"ping_port":    9003,
		"capabilities": map[string]any{},
	}
}

func TestInventoryActiveFlag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Unix(1700000000, 0))
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.UpdateOne(ctx, "a1", Patch{Active: clientInfo("a1", "10.0.0.1")}))
	require.NoError(t, s.UpdateOne(ctx, "a2", Patch{Active: clientInfo("a2", "10.0.0.2")}))

	active, err := s.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a1", active[0].MercuryID)
	assert.Equal(t, "10.0.0.1", active[0].Active["rpc_address"])
	assert.Nil(t, active[0].Active["rpc_address6"])
	assert.Equal(t, time.Unix(1700000000, 0), active[0].UpdatedAt)

	// Overwrite then clear.
	require.NoError(t, s.UpdateOne(ctx, "a1", Patch{Active: clientInfo("a1", "10.0.0.9")}))
	require.NoError(t, s.UpdateOne(ctx, "a2", Patch{}))

	active, err = s.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "10.0.0.9", active[0].Active["rpc_address"])

	all, err := s.ListInventory(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Nil(t, all[1].Active)
}

func TestQueryActiveToleratesCorruptBlob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Now())

	_, err := s.db.ExecContext(ctx, `INSERT INTO inventory (mercury_id, active, updated_at) VALUES (?, ?, ?)`,
		"junk", []byte{0xff, 0x00}, 1.0)
	require.NoError(t, err)

	active, err := s.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "junk", active[0].MercuryID)
	assert.Nil(t, active[0].Active)
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1700000000, 0)
	s := newTestStore(t, start)

	require.NoError(t, s.CreateJob(ctx, Job{JobID: "j1", Method: "echo"},
		[]Task{{TaskID: "t1", MercuryID: "a1"}, {TaskID: "t2", MercuryID: "a2"}}))

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.TaskCount)
	assert.False(t, job.Completed())

	progress := 0.5
	require.NoError(t, s.UpdateTaskProgress(ctx, "t1", api.TaskUpdate{TaskID: "t1", Action: "halfway", Progress: &progress}))
	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, "halfway", task.Action)
	assert.Equal(t, 0.5, task.Progress)
	assert.Equal(t, "echo", task.Method)
	assert.Equal(t, start, task.TimeStarted)

	// A report without progress keeps the last value.
	require.NoError(t, s.UpdateTaskProgress(ctx, "t1", api.TaskUpdate{TaskID: "t1", Action: "still going"}))
	task, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, task.Progress)

	require.NoError(t, s.CompleteTask(ctx, "j1", "t1", api.TaskReturn{
		JobID: "j1", TaskID: "t1", Status: api.TaskSuccess, Message: "done", Data: "output",
	}))
	job, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, job.Completed(), "t2 is still open")

	require.NoError(t, s.CompleteTask(ctx, "j1", "t2", api.TaskReturn{
		JobID: "j1", TaskID: "t2", Status: api.TaskException, Message: "failed", TracebackInfo: "boom",
		TimeCompleted: 1700000100,
	}))
	job, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, job.Completed())
	assert.Equal(t, time.Unix(1700000100, 0), job.TimeCompleted)

	tasks, err := s.ListTasks(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, string(api.TaskSuccess), tasks[0].Status)
	assert.Equal(t, "output", tasks[0].Data)
	assert.Nil(t, tasks[0].TracebackInfo)
	assert.Equal(t, string(api.TaskException), tasks[1].Status)
	assert.Equal(t, "boom", tasks[1].TracebackInfo)

	// Progress after completion is ignored.
	require.NoError(t, s.UpdateTaskProgress(ctx, "t1", api.TaskUpdate{TaskID: "t1", Action: "late"}))
	task, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "still going", task.Action)
}

func TestOpaqueFieldsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Unix(1700000000, 0))

	info := clientInfo("a1", "10.0.0.1")
	info["capabilities"] = []any{"gpu", "ssd"}
	require.NoError(t, s.UpdateOne(ctx, "a1", Patch{Active: info}))
	active, err := s.QueryActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, []any{"gpu", "ssd"}, active[0].Active["capabilities"])

	require.NoError(t, s.CreateJob(ctx, Job{JobID: "j1", Method: "echo"}, []Task{{TaskID: "t1", MercuryID: "a1"}}))
	traceback := map[string]any{"type": "ValueError", "frames": []any{"main.py", "task.py"}}
	require.NoError(t, s.CompleteTask(ctx, "j1", "t1", api.TaskReturn{
		JobID: "j1", TaskID: "t1", Status: api.TaskException, Message: "failed", TracebackInfo: traceback,
	}))
	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, traceback, task.TracebackInfo)
}

func TestMissingRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Now())

	_, err := s.GetJob(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetTask(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	err = s.UpdateTaskProgress(ctx, "nope", api.TaskUpdate{TaskID: "nope"})
	assert.True(t, errors.Is(err, ErrNotFound))
	err = s.CompleteTask(ctx, "j", "nope", api.TaskReturn{Status: api.TaskSuccess})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMonitorQueries(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)
	s := newTestStore(t, t0)

	require.NoError(t, s.CreateJob(ctx, Job{JobID: "old"}, []Task{{TaskID: "o1"}}))
	require.NoError(t, s.CreateJob(ctx, Job{JobID: "empty"}, nil))

	s.now = func() time.Time { return t0.Add(30 * time.Minute) }
	require.NoError(t, s.CreateJob(ctx, Job{JobID: "fresh"}, []Task{{TaskID: "f1"}}))

	now := t0.Add(time.Hour + time.Minute)
	n, err := s.ExpireTasks(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	expired, err := s.GetTask(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, string(api.TaskTimeout), expired.Status)
	assert.Equal(t, TimeoutMessage, expired.Message)

	n, err = s.CompleteFinishedJobs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "old and empty")

	fresh, err := s.GetJob(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, fresh.Completed())

	n, err = s.PurgeCompleted(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.GetJob(ctx, "old")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetTask(ctx, "o1")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetTask(ctx, "f1")
	assert.NoError(t, err)
}
