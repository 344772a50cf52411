package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunil10patil/arangodb-agency/internal/agent"
	"github.com/sunil10patil/arangodb-agency/internal/store"
)

// fakeDriver applies transactions directly against an in-memory store,
// standing in for a leading Agent's write path.
type fakeDriver struct {
	s *store.Store
}

func newFakeDriver() *fakeDriver { return &fakeDriver{s: store.New(nil)} }

func (f *fakeDriver) Write(trxs []store.Transaction, _ agent.WriteMode) (agent.WriteResult, error) {
	out := agent.WriteResult{Accepted: true, Applied: make([]bool, len(trxs)), Indexes: make([]uint64, len(trxs))}
	for i, t := range trxs {
		res, err := f.s.ApplyTransaction(t)
		if err != nil {
			return agent.WriteResult{}, err
		}
		out.Applied[i] = res.Successful
		if res.Successful {
			out.Indexes[i] = uint64(i + 1)
		}
	}
	return out, nil
}

func (f *fakeDriver) Read(queries []store.ReadQuery) []store.ReadResult {
	return f.s.Read(queries)
}

func TestJobLifecycleToDoToFinished(t *testing.T) {
	d := newFakeDriver()
	r := New(d, nil)

	j, err := r.Create(Job{Type: TypeFailedFollower, Server: "PRMR-1", Reason: "health FAILED"})
	require.NoError(t, err)

	todo, err := ToDo(d)
	require.NoError(t, err)
	require.Len(t, todo, 1)
	assert.Equal(t, j.ID, todo[0].ID)

	require.NoError(t, r.Start(j))

	pending, err := Pending(d)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	todoAfterStart, err := ToDo(d)
	require.NoError(t, err)
	assert.Len(t, todoAfterStart, 0)

	require.NoError(t, r.Finish(j))

	pendingAfterFinish, err := Pending(d)
	require.NoError(t, err)
	assert.Len(t, pendingAfterFinish, 0)

	rr := d.Read([]store.ReadQuery{{Path: store.SplitPath(pathFinished)}})
	require.Len(t, rr, 1)
	require.True(t, rr[0].Success)
}

func TestStartFailsIfJobAlreadyClaimed(t *testing.T) {
	d := newFakeDriver()
	r := New(d, nil)

	j, err := r.Create(Job{Type: TypeMoveShard, Shard: "s01"})
	require.NoError(t, err)
	require.NoError(t, r.Start(j))

	err = r.Start(j)
	assert.Error(t, err)
}

func seedShard(t *testing.T, d *fakeDriver) {
	t.Helper()
	_, err := d.s.ApplyTransaction(store.Transaction{
		Operations: map[string]store.Operation{
			"Plan/Collections/db1/c1/shards/s01":    {New: []interface{}{"PRMR-1", "PRMR-3"}},
			"Supervision/Health/PRMR-1/Status":      {New: "FAILED"},
			"Supervision/Health/PRMR-2/Status":      {New: "GOOD"},
			"Supervision/Shards/s01":                {New: true},
		},
	})
	require.NoError(t, err)
}

func failedFollowerJob(now time.Time) Job {
	return Job{
		ID: "job-1", Type: TypeFailedFollower,
		Database: "db1", Collection: "c1", Shard: "s01",
		FromServer: "PRMR-1", Timestamp: now,
	}
}

func TestStartFailedFollowerRewritesPlanAndReleasesBlock(t *testing.T) {
	d := newFakeDriver()
	seedShard(t, d)
	r := New(d, nil)

	now := time.Now()
	j, err := r.Create(failedFollowerJob(now))
	require.NoError(t, err)
	require.NoError(t, r.StartFailedFollower(j, "PRMR-2", now))

	rr := d.Read([]store.ReadQuery{{Path: store.SplitPath("Plan/Collections/db1/c1/shards/s01")}})
	require.True(t, rr[0].Success)
	assert.Equal(t, []interface{}{"PRMR-2", "PRMR-3", "PRMR-1"}, rr[0].Value)

	block := d.Read([]store.ReadQuery{{Path: store.SplitPath("Supervision/Shards/s01")}})
	assert.False(t, block[0].Success, "shard block released in the same trx")

	todo, err := ToDo(d)
	require.NoError(t, err)
	assert.Len(t, todo, 0)
}

func TestStartFailedFollowerRefusesBeforeNotBefore(t *testing.T) {
	d := newFakeDriver()
	seedShard(t, d)
	r := New(d, nil)

	now := time.Now()
	j := failedFollowerJob(now)
	j.NotBefore = now.Add(time.Hour)
	j, err := r.Create(j)
	require.NoError(t, err)

	err = r.StartFailedFollower(j, "PRMR-2", now)
	assert.ErrorIs(t, err, ErrNotBefore)
}

func TestStartFailedFollowerAbortsWhenExpired(t *testing.T) {
	d := newFakeDriver()
	seedShard(t, d)
	r := New(d, nil)

	created := time.Now().Add(-2 * time.Hour)
	j, err := r.Create(failedFollowerJob(created))
	require.NoError(t, err)

	err = r.StartFailedFollower(j, "PRMR-2", time.Now())
	assert.ErrorIs(t, err, ErrExpired)

	rr := d.Read([]store.ReadQuery{{Path: store.SplitPath(pathFailed)}})
	require.True(t, rr[0].Success)
}

func TestStartFailedFollowerRejectedWhenPreconditionsChanged(t *testing.T) {
	d := newFakeDriver()
	seedShard(t, d)
	r := New(d, nil)

	now := time.Now()
	j, err := r.Create(failedFollowerJob(now))
	require.NoError(t, err)

	// Another actor marks the replacement server unhealthy before the start.
	stale := j
	stale.FromServer = "PRMR-1"
	_, err = d.s.ApplyTransaction(store.Transaction{
		Operations: map[string]store.Operation{
			"Supervision/Health/PRMR-2/Status": {New: "BAD"},
		},
	})
	require.NoError(t, err)

	err = r.StartFailedFollower(stale, "PRMR-2", now)
	assert.Error(t, err)

	rr := d.Read([]store.ReadQuery{{Path: store.SplitPath("Plan/Collections/db1/c1/shards/s01")}})
	assert.Equal(t, []interface{}{"PRMR-1", "PRMR-3"}, rr[0].Value, "plan unchanged on rejected start")
}

func TestFailRecordsReason(t *testing.T) {
	d := newFakeDriver()
	r := New(d, nil)

	j, err := r.Create(Job{Type: TypeAddFollower, Server: "PRMR-2"})
	require.NoError(t, err)
	require.NoError(t, r.Start(j))
	require.NoError(t, r.Fail(j, "precondition no longer holds"))

	rr := d.Read([]store.ReadQuery{{Path: store.SplitPath(pathFailed)}})
	require.Len(t, rr, 1)
	require.True(t, rr[0].Success)
}
