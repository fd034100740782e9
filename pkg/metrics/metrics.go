package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// result label values shared by the lock operation counters
const (
	ResultAcquired = "acquired"
	ResultRenewed  = "renewed"
	ResultReleased = "released"
	ResultHeld     = "held"     // held by someone else, nothing written
	ResultNotOwner = "not_owner"
	ResultNotFound = "not_found"
	ResultLostRace = "lost_race" // committed but failed verification
	ResultFault    = "fault"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// lock operation latency - histogram to track p50/p90/p99
	// covers the whole operation including verification and repair
	// labels: operation (obtain/renew/release), task_kind
	LockOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasklock_lock_operation_duration_seconds",
			Help:    "time taken by a lock operation",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"operation", "task_kind"},
	)

	// lock operation outcomes
	// acquired / (acquired + held) is the contention rate for a task kind
	LockOperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklock_lock_operation_total",
			Help: "total number of lock operations by outcome",
		},
		[]string{"operation", "task_kind", "result"},
	)

	// post-commit verification failures
	// anything above zero means two workers raced on the same lock
	IntegrityViolationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklock_integrity_violation_total",
			Help: "total number of post-commit verification failures",
		},
		[]string{"operation", "task_kind"},
	)

	// repair transactions run after a lost race
	// labels: result (success/failure), failures leave stale records behind
	RepairTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklock_repair_total",
			Help: "total number of lock repair transactions",
		},
		[]string{"task_kind", "result"},
	)

	// records deleted by repair
	RepairDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tasklock_repair_deleted_records_total",
			Help: "total number of lock records removed by repair",
		},
	)

	// classified faults
	// labels: operation, kind (transaction_not_active, multiple_records_found, ...)
	FaultTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklock_fault_total",
			Help: "total number of classified store faults",
		},
		[]string{"operation", "kind"},
	)

	// store commit outcomes per backend
	// conflicts show up as failures here and as concurrent_modification faults
	StoreCommitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklock_store_commit_total",
			Help: "total number of store transaction commits",
		},
		[]string{"backend", "result"},
	)

	StoreCommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasklock_store_commit_duration_seconds",
			Help:    "time taken to commit a store transaction",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"backend"},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	// exactly one node in cluster should have this = 1
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasklock_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// raft log index - last index applied to FSM
	// lag between leader and follower = replication delay
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasklock_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasklock_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}
