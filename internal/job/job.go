// Package job implements the agency's cooperative job framework: jobs move
// through ToDo → Pending → {Finished, Failed} as precondition-guarded
// transactions written through the Agent, the way Supervision's
// FailedFollower (and the supplemented MoveShard/AddFollower) jobs are
// driven (spec.md §4.5).
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sunil10patil/arangodb-agency/internal/agent"
	"github.com/sunil10patil/arangodb-agency/internal/metrics"
	"github.com/sunil10patil/arangodb-agency/internal/store"
	"go.uber.org/zap"
)

// Type identifies the kind of remediation a job performs.
type Type string

const (
	TypeFailedFollower Type = "FailedFollower"
	TypeMoveShard      Type = "MoveShard"
	TypeAddFollower    Type = "AddFollower"
)

// Status is one of the four job lifecycle states (spec.md §4.5).
type Status string

const (
	StatusToDo     Status = "ToDo"
	StatusPending  Status = "Pending"
	StatusFinished Status = "Finished"
	StatusFailed   Status = "Failed"
)

// Job is one unit of Supervision-driven remediation.
type Job struct {
	ID         string    `json:"jobId"`
	Type       Type      `json:"type"`
	Creator    string    `json:"creator"`
	Database   string    `json:"database,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Shard      string    `json:"shard,omitempty"`
	Server     string    `json:"server,omitempty"`
	FromServer string    `json:"fromServer,omitempty"`
	ToServer   string    `json:"toServer,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timeCreated"`
	NotBefore  time.Time `json:"notBefore,omitempty"`
}

// Driver is the subset of Agent a job needs to advance its own state.
type Driver interface {
	Write(trxs []store.Transaction, mode agent.WriteMode) (agent.WriteResult, error)
	Read(queries []store.ReadQuery) []store.ReadResult
}

const (
	pathToDo     = "Target/ToDo"
	pathPending  = "Target/Pending"
	pathFinished = "Target/Finished"
	pathFailed   = "Target/Failed"
)

// Runner creates and advances jobs against a Driver (normally the leading
// Agent).
type Runner struct {
	driver Driver
	logger *zap.SugaredLogger
}

// New creates a Runner.
func New(driver Driver, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{driver: driver, logger: logger}
}

// Create writes a new job into Target/ToDo (spec.md §4.5, "Example
// (FailedFollower)"). The caller is expected to have already set the ID;
// Create assigns one if it is empty.
func (r *Runner) Create(j Job) (Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Timestamp.IsZero() {
		j.Timestamp = time.Now()
	}
	trx := store.Transaction{
		Operations: map[string]store.Operation{
			fmt.Sprintf("%s/%s", pathToDo, j.ID): {New: j},
		},
	}
	if _, err := r.write(trx); err != nil {
		return Job{}, err
	}
	r.logger.Infow("job created", "job_id", j.ID, "type", j.Type)
	metrics.JobTransitionsTotal.WithLabelValues(string(j.Type), string(StatusToDo)).Inc()
	return j, nil
}

// Start transitions a job from ToDo to Pending, guarded by a precondition
// that it is still present at Target/ToDo (another Supervision tick or
// agent could have already claimed it).
func (r *Runner) Start(j Job) error {
	todoPath := fmt.Sprintf("%s/%s", pathToDo, j.ID)
	pendingPath := fmt.Sprintf("%s/%s", pathPending, j.ID)
	trx := store.Transaction{
		Operations: map[string]store.Operation{
			todoPath:    {Op: "delete"},
			pendingPath: {New: j},
		},
		Precondition: map[string]store.Precondition{
			todoPath: {Value: j},
		},
	}
	result, err := r.write(trx)
	if err != nil {
		return err
	}
	if !result {
		return fmt.Errorf("job: %s already claimed or removed from ToDo", j.ID)
	}
	r.logger.Infow("job started", "job_id", j.ID)
	metrics.JobTransitionsTotal.WithLabelValues(string(j.Type), string(StatusPending)).Inc()
	return nil
}

// Finish transitions a Pending job to Finished.
func (r *Runner) Finish(j Job) error {
	return r.complete(j, pathFinished)
}

// Fail transitions a Pending job to Failed, e.g. because its precondition
// could no longer be satisfied (spec.md §4.5 failure handling).
func (r *Runner) Fail(j Job, reason string) error {
	j.Reason = reason
	return r.complete(j, pathFailed)
}

func (r *Runner) complete(j Job, terminalPath string) error {
	pendingPath := fmt.Sprintf("%s/%s", pathPending, j.ID)
	donePath := fmt.Sprintf("%s/%s", terminalPath, j.ID)
	trx := store.Transaction{
		Operations: map[string]store.Operation{
			pendingPath: {Op: "delete"},
			donePath:    {New: j},
		},
	}
	_, err := r.write(trx)
	if err != nil {
		return err
	}
	r.logger.Infow("job completed", "job_id", j.ID, "terminal", terminalPath)
	status := StatusFinished
	if terminalPath == pathFailed {
		status = StatusFailed
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(j.Type), string(status)).Inc()
	return nil
}

// write applies trx and reports whether it was accepted by its
// precondition (true) or rejected (false), distinguishing that from a
// hard error (e.g. not leading).
func (r *Runner) write(trx store.Transaction) (bool, error) {
	result, err := r.driver.Write([]store.Transaction{trx}, "")
	if err != nil {
		return false, err
	}
	if len(result.Applied) == 1 && !result.Applied[0] {
		return false, nil
	}
	return true, nil
}

// Pending lists jobs currently at Target/Pending, read from the given
// snapshot store (normally the leader's readDB).
func Pending(reader interface {
	Read([]store.ReadQuery) []store.ReadResult
}) ([]Job, error) {
	return listAt(reader, pathPending)
}

// ToDo lists jobs currently at Target/ToDo.
func ToDo(reader interface {
	Read([]store.ReadQuery) []store.ReadResult
}) ([]Job, error) {
	return listAt(reader, pathToDo)
}

func listAt(reader interface {
	Read([]store.ReadQuery) []store.ReadResult
}, path string) ([]Job, error) {
	rr := reader.Read([]store.ReadQuery{{Path: store.SplitPath(path)}})
	if len(rr) != 1 || !rr[0].Success {
		return nil, nil
	}
	bucket, ok := rr[0].Value.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	jobs := make([]Job, 0, len(bucket))
	for _, raw := range bucket {
		j, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func decodeJob(raw interface{}) (Job, error) {
	if j, ok := raw.(Job); ok {
		return j, nil
	}
	// Values that entered the store from JSON (e.g. a snapshot received over
	// HTTP and restored on a follower) arrive as plain maps; re-marshal
	// through JSON to recover the typed struct.
	b, err := json.Marshal(raw)
	if err != nil {
		return Job{}, err
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, err
	}
	return j, nil
}
