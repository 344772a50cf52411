package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/metrics"
	"github.com/sunil10patil/arangodb-agency/internal/store"
)

// failedFollowerExpiry bounds how long a FailedFollower job may sit in ToDo
// before it is aborted instead of started.
const failedFollowerExpiry = 4620 * time.Second

var (
	// ErrNotBefore means the job's notBefore timestamp has not yet passed.
	ErrNotBefore = errors.New("job: notBefore has not passed")
	// ErrExpired means the job sat unstarted for longer than its expiry.
	ErrExpired = errors.New("job: expired before it could start")
)

// StartFailedFollower performs the FailedFollower start transition as one
// precondition-guarded transaction (spec.md §4.5): the failed server is
// replaced by replacement in the shard's Plan entry and appended at the end
// as a spare, the Plan version is incremented, the job record moves from
// ToDo straight to Finished, and the shard block is released. The
// preconditions pin the shard's server list, both servers' health, and the
// replacement not being blocked, so a concurrent Supervision pass or
// re-election cannot race the transition into an inconsistent Plan.
func (r *Runner) StartFailedFollower(j Job, replacement string, now time.Time) error {
	if !j.NotBefore.IsZero() && now.Before(j.NotBefore) {
		return ErrNotBefore
	}
	if !j.Timestamp.IsZero() && now.Sub(j.Timestamp) > failedFollowerExpiry {
		if err := r.Abort(j, "expired"); err != nil {
			return err
		}
		return ErrExpired
	}

	shardPath := fmt.Sprintf("Plan/Collections/%s/%s/shards/%s", j.Database, j.Collection, j.Shard)
	rr := r.driver.Read([]store.ReadQuery{{Path: store.SplitPath(shardPath)}})
	if len(rr) != 1 || !rr[0].Success {
		return fmt.Errorf("job: shard %s no longer in Plan", j.Shard)
	}
	oldList, ok := rr[0].Value.([]interface{})
	if !ok {
		return fmt.Errorf("job: malformed server list for shard %s", j.Shard)
	}

	newList := make([]interface{}, 0, len(oldList)+1)
	replaced := false
	for _, s := range oldList {
		if s == j.FromServer {
			newList = append(newList, replacement)
			replaced = true
			continue
		}
		newList = append(newList, s)
	}
	if !replaced {
		return fmt.Errorf("job: server %s no longer serves shard %s", j.FromServer, j.Shard)
	}
	newList = append(newList, j.FromServer)

	j.ToServer = replacement
	trx := store.Transaction{
		Operations: map[string]store.Operation{
			shardPath:    {New: newList},
			"Plan/Version": {Op: "increment"},
			fmt.Sprintf("%s/%s", pathToDo, j.ID):     {Op: "delete"},
			fmt.Sprintf("%s/%s", pathFinished, j.ID): {New: j},
			fmt.Sprintf("Supervision/Shards/%s", j.Shard): {Op: "delete"},
		},
		Precondition: map[string]store.Precondition{
			shardPath: {Value: oldList},
			fmt.Sprintf("Supervision/Health/%s/Status", replacement):  {Value: "GOOD"},
			fmt.Sprintf("Supervision/Health/%s/Status", j.FromServer): {Value: "FAILED"},
			fmt.Sprintf("Supervision/DBServers/%s", replacement):      {Op: "oldEmpty", Value: true},
		},
	}
	accepted, err := r.write(trx)
	if err != nil {
		return err
	}
	if !accepted {
		return fmt.Errorf("job: preconditions for %s no longer hold", j.ID)
	}
	r.logger.Infow("failed follower replaced",
		"job_id", j.ID, "shard", j.Shard, "from", j.FromServer, "to", replacement)
	metrics.JobTransitionsTotal.WithLabelValues(string(j.Type), string(StatusFinished)).Inc()
	return nil
}

// Abort moves a job to Failed from wherever it currently sits (ToDo or
// Pending) and releases its shard block in the same transaction, so an
// aborted job never leaves its shard serialized behind it.
func (r *Runner) Abort(j Job, reason string) error {
	j.Reason = reason
	trx := store.Transaction{
		Operations: map[string]store.Operation{
			fmt.Sprintf("%s/%s", pathToDo, j.ID):    {Op: "delete"},
			fmt.Sprintf("%s/%s", pathPending, j.ID): {Op: "delete"},
			fmt.Sprintf("%s/%s", pathFailed, j.ID):  {New: j},
			fmt.Sprintf("Supervision/Shards/%s", j.Shard): {Op: "delete"},
		},
	}
	if _, err := r.write(trx); err != nil {
		return err
	}
	r.logger.Infow("job aborted", "job_id", j.ID, "reason", reason)
	metrics.JobTransitionsTotal.WithLabelValues(string(j.Type), string(StatusFailed)).Inc()
	return nil
}
