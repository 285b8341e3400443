// Package supervisor implements the cluster control loop: health tracking,
// the job state machine that repairs under-replicated shards, and the
// shrink/replication drivers that keep the Plan in line with policy. Only
// the process holding agency leadership does any of this; everyone else
// just observes.
package supervisor

import "time"

// HealthStatus is a server's derived liveness state.
type HealthStatus string

const (
	StatusGood   HealthStatus = "GOOD"
	StatusBad    HealthStatus = "BAD"
	StatusFailed HealthStatus = "FAILED"
)

// Role distinguishes data nodes from coordinators for health-record purposes.
type Role string

const (
	RoleDBServer    Role = "DBServer"
	RoleCoordinator Role = "Coordinator"
)

// HealthRecord is the derived per-server health state persisted under
// Supervision/Health/<srv>.
type HealthRecord struct {
	Status              HealthStatus `json:"Status"`
	Role                Role         `json:"Role"`
	ShortName           string       `json:"ShortName"`
	Endpoint            string       `json:"Endpoint"`
	LastHeartbeatSent   time.Time    `json:"LastHeartbeatSent"`
	LastHeartbeatStatus string       `json:"LastHeartbeatStatus"`
	LastHeartbeatAcked  time.Time    `json:"LastHeartbeatAcked"`
}

// JobKind names one of the eight job types the framework understands.
type JobKind string

const (
	KindFailedServer   JobKind = "failedServer"
	KindFailedLeader   JobKind = "failedLeader"
	KindFailedFollower JobKind = "failedFollower"
	KindAddFollower    JobKind = "addFollower"
	KindRemoveFollower JobKind = "removeFollower"
	KindCleanOutServer JobKind = "cleanOutServer"
	KindRemoveServer   JobKind = "removeServer"
	KindMoveShard      JobKind = "moveShard"

	// KindUnassumedLeadership is a supplemental job kind (not in the
	// original eight) for the edge case where a shard is left with no live
	// holders at all: it records the condition and lets the next
	// enforceReplication pass repopulate the shard from scratch.
	KindUnassumedLeadership JobKind = "unassumedLeadership"
)

// JobBucket is one of the four Target/<bucket> trees a job record lives in.
type JobBucket string

const (
	BucketToDo     JobBucket = "ToDo"
	BucketPending  JobBucket = "Pending"
	BucketFinished JobBucket = "Finished"
	BucketFailed   JobBucket = "Failed"
)

// Record is the persisted job payload. Immutable fields are set at Create
// time; TimeStarted and Result are filled in as the job progresses.
type Record struct {
	ID          string    `json:"jobId"`
	Kind        JobKind   `json:"type"`
	Creator     string    `json:"creator"`
	TimeCreated time.Time `json:"timeCreated"`
	TimeStarted time.Time `json:"timeStarted,omitempty"`
	Result      string    `json:"result,omitempty"`

	Server      string `json:"server,omitempty"`
	Database    string `json:"database,omitempty"`
	Collection  string `json:"collection,omitempty"`
	Shard       string `json:"shard,omitempty"`
	FromServer  string `json:"fromServer,omitempty"`
	ToServer    string `json:"toServer,omitempty"`
	NewFollower string `json:"newFollower,omitempty"`

	ParentID         string   `json:"parentId,omitempty"`
	CloneCollections []string `json:"cloneCollections,omitempty"` // collections riding along via distributeShardsLike
	ScheduledShards  []string `json:"scheduledShards,omitempty"`  // shards a failedServer/cleanOutServer job has already spawned children for
}

// CollectionPlan is the subset of /Plan/Collections/<db>/<col> the
// supervisor and job framework need.
type CollectionPlan struct {
	ReplicationFactor    int                 `json:"replicationFactor"`
	Shards               map[string][]string `json:"shards"` // shard -> [servers], leader first
	DistributeShardsLike string              `json:"distributeShardsLike,omitempty"`
}

// planKey identifies a collection by (database, name).
type planKey struct {
	database   string
	collection string
}
