// Package supervision implements the agency's periodic Supervision loop: it
// inspects Plan/Current/Health snapshots and produces Target/ToDo jobs for
// detected problems (spec.md §4.5), such as a follower whose health has
// gone FAILED.
package supervision

import (
	"context"
	"fmt"
	"time"

	"github.com/sunil10patil/arangodb-agency/internal/agent"
	"github.com/sunil10patil/arangodb-agency/internal/job"
	"github.com/sunil10patil/arangodb-agency/internal/metrics"
	"github.com/sunil10patil/arangodb-agency/internal/store"
	"go.uber.org/zap"
)

// HealthStatus mirrors the value Supervision writes at
// Supervision/Health/<server>/Status.
type HealthStatus string

const (
	HealthGood   HealthStatus = "GOOD"
	HealthBad    HealthStatus = "BAD"
	HealthFailed HealthStatus = "FAILED"
)

const (
	pathHealth          = "Supervision/Health"
	pathShards          = "Supervision/Shards"
	pathPlanDBServers   = "Plan/DBServers"
	pathPlanCollections = "Plan/Collections"
)

// Driver is the subset of Agent Supervision needs: a replicated write path
// (to create jobs and update health) and a read path over readDB.
type Driver interface {
	Write(trxs []store.Transaction, mode agent.WriteMode) (agent.WriteResult, error)
	Read(queries []store.ReadQuery) []store.ReadResult
	IsLeading() bool
}

// Supervisor runs the periodic reconciliation loop.
type Supervisor struct {
	driver   Driver
	jobs     *job.Runner
	logger   *zap.SugaredLogger
	interval time.Duration

	// failedSince tracks, per server, how long its last heartbeat has been
	// stale, so a single missed ping does not immediately fail it over.
	failedSince map[string]time.Time
	graceTime   time.Duration
}

// Options configures a Supervisor.
type Options struct {
	Interval  time.Duration // how often the loop runs, e.g. 1s
	GraceTime time.Duration // how long a server may stay unresponsive before FAILED
	Logger    *zap.SugaredLogger
}

// New creates a Supervisor.
func New(driver Driver, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	grace := opts.GraceTime
	if grace <= 0 {
		grace = 15 * time.Second
	}
	return &Supervisor{
		driver:      driver,
		jobs:        job.New(driver, logger.Named("job")),
		logger:      logger.Named("supervision"),
		interval:    interval,
		failedSince: map[string]time.Time{},
		graceTime:   grace,
	}
}

// Run loops until ctx is cancelled, calling Tick on each interval while this
// agent is leading (spec.md §4.5: Supervision only acts on the leader).
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.driver.IsLeading() {
				continue
			}
			if err := s.Tick(time.Now()); err != nil {
				s.logger.Warnw("supervision tick failed", "error", err)
			}
		}
	}
}

// Tick performs one reconciliation pass: update health from heartbeats,
// detect newly FAILED followers, create FailedFollower jobs for shards the
// failed server participates in, and try to start jobs still sitting in
// ToDo (spec.md §4.5).
func (s *Supervisor) Tick(now time.Time) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SupervisionTickDuration)

	servers := s.readDBServers()
	heartbeats := s.readHeartbeats()

	for _, server := range servers {
		last, ok := heartbeats[server]
		if !ok {
			continue
		}
		if now.Sub(last) <= s.graceTime {
			delete(s.failedSince, server)
			s.writeHealth(server, HealthGood)
			continue
		}
		if _, already := s.failedSince[server]; !already {
			s.failedSince[server] = now
			s.writeHealth(server, HealthBad)
			continue
		}
		s.writeHealth(server, HealthFailed)
		if err := s.handleFailedFollower(server, now); err != nil {
			return err
		}
	}

	s.startCreatedJobs(now)
	return nil
}

func (s *Supervisor) handleFailedFollower(server string, now time.Time) error {
	for _, ref := range s.shardsServedBy(server) {
		blockPath := fmt.Sprintf("%s/%s", pathShards, ref.shard)
		if s.readBlocked(blockPath) {
			continue
		}
		if _, err := s.jobs.Create(job.Job{
			Type:       job.TypeFailedFollower,
			Creator:    "supervision",
			Database:   ref.database,
			Collection: ref.collection,
			Shard:      ref.shard,
			Server:     server,
			FromServer: server,
			Reason:     "server health FAILED",
			Timestamp:  now,
		}); err != nil {
			return err
		}
		s.blockShard(blockPath)
	}
	return nil
}

// startCreatedJobs attempts to advance every FailedFollower job still in
// ToDo; a job with no eligible replacement stays put and is retried on the
// next tick.
func (s *Supervisor) startCreatedJobs(now time.Time) {
	todo, err := job.ToDo(s.driver)
	if err != nil {
		s.logger.Warnw("listing ToDo jobs failed", "error", err)
		return
	}
	for _, j := range todo {
		if j.Type != job.TypeFailedFollower {
			continue
		}
		replacement := s.chooseReplacement(j)
		if replacement == "" {
			continue
		}
		if err := s.jobs.StartFailedFollower(j, replacement, now); err != nil {
			s.logger.Debugw("failed follower start deferred", "job_id", j.ID, "error", err)
		}
	}
}

// chooseReplacement picks a GOOD server that does not already serve the
// job's shard, or "" if none qualifies.
func (s *Supervisor) chooseReplacement(j job.Job) string {
	shardPath := fmt.Sprintf("%s/%s/%s/shards/%s", pathPlanCollections, j.Database, j.Collection, j.Shard)
	rr := s.driver.Read([]store.ReadQuery{{Path: store.SplitPath(shardPath)}})
	if len(rr) != 1 || !rr[0].Success {
		return ""
	}
	serving := map[string]struct{}{}
	if list, ok := rr[0].Value.([]interface{}); ok {
		for _, entry := range list {
			if id, ok := entry.(string); ok {
				serving[id] = struct{}{}
			}
		}
	}

	for _, candidate := range s.readDBServers() {
		if _, already := serving[candidate]; already {
			continue
		}
		statusPath := fmt.Sprintf("%s/%s/Status", pathHealth, candidate)
		hr := s.driver.Read([]store.ReadQuery{{Path: store.SplitPath(statusPath)}})
		if len(hr) == 1 && hr[0].Success && hr[0].Value == string(HealthGood) {
			return candidate
		}
	}
	return ""
}

// RecordHeartbeat is called by the HTTP layer's agency_priv/activate
// handler; it feeds Tick's staleness check.
func (s *Supervisor) RecordHeartbeat(server string, at time.Time) {
	trx := store.Transaction{
		Operations: map[string]store.Operation{
			fmt.Sprintf("%s/%s/LastAcked", pathHealth, server): {New: at.Format(time.RFC3339Nano)},
		},
	}
	_, _ = s.driver.Write([]store.Transaction{trx}, "")
}

func (s *Supervisor) readHeartbeats() map[string]time.Time {
	rr := s.driver.Read([]store.ReadQuery{{Path: store.SplitPath(pathHealth)}})
	out := map[string]time.Time{}
	if len(rr) != 1 || !rr[0].Success {
		return out
	}
	bucket, ok := rr[0].Value.(map[string]interface{})
	if !ok {
		return out
	}
	for server, entry := range bucket {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		raw, ok := m["LastAcked"].(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			out[server] = t
		}
	}
	return out
}

func (s *Supervisor) writeHealth(server string, status HealthStatus) {
	trx := store.Transaction{
		Operations: map[string]store.Operation{
			fmt.Sprintf("%s/%s/Status", pathHealth, server): {New: string(status)},
		},
	}
	_, _ = s.driver.Write([]store.Transaction{trx}, "")
}

func (s *Supervisor) readDBServers() []string {
	rr := s.driver.Read([]store.ReadQuery{{Path: store.SplitPath(pathPlanDBServers)}})
	if len(rr) != 1 || !rr[0].Success {
		return nil
	}
	bucket, ok := rr[0].Value.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(bucket))
	for id := range bucket {
		out = append(out, id)
	}
	return out
}

// shardRef locates one shard inside the Plan/Collections/<db>/<coll> tree.
type shardRef struct {
	database   string
	collection string
	shard      string
}

// shardsServedBy returns every shard whose Plan server list contains
// server, walking Plan/Collections/<db>/<coll>/shards/<shard>.
func (s *Supervisor) shardsServedBy(server string) []shardRef {
	rr := s.driver.Read([]store.ReadQuery{{Path: store.SplitPath(pathPlanCollections)}})
	if len(rr) != 1 || !rr[0].Success {
		return nil
	}
	databases, ok := rr[0].Value.(map[string]interface{})
	if !ok {
		return nil
	}
	var refs []shardRef
	for dbName, dbRaw := range databases {
		collections, ok := dbRaw.(map[string]interface{})
		if !ok {
			continue
		}
		for collName, collRaw := range collections {
			coll, ok := collRaw.(map[string]interface{})
			if !ok {
				continue
			}
			shardsMap, ok := coll["shards"].(map[string]interface{})
			if !ok {
				continue
			}
			for shardID, serversRaw := range shardsMap {
				list, ok := serversRaw.([]interface{})
				if !ok {
					continue
				}
				for _, entry := range list {
					if entry == server {
						refs = append(refs, shardRef{database: dbName, collection: collName, shard: shardID})
						break
					}
				}
			}
		}
	}
	return refs
}

func (s *Supervisor) readBlocked(path string) bool {
	rr := s.driver.Read([]store.ReadQuery{{Path: store.SplitPath(path)}})
	return len(rr) == 1 && rr[0].Success && rr[0].Value != nil
}

func (s *Supervisor) blockShard(path string) {
	trx := store.Transaction{
		Operations: map[string]store.Operation{
			path: {New: true, TTL: 60},
		},
	}
	_, _ = s.driver.Write([]store.Transaction{trx}, "")
}
