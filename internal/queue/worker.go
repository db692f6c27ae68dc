package queue

import (
	"encoding/json"
	"time"
)

// Worker is a registered execution agent identified by a unique string.
// Rows are created by the first heartbeat/registration, refreshed on every
// subsequent heartbeat, and removed by explicit unregister or by
// monitor-driven stale cleanup.
type Worker struct {
	WorkerID      string
	Capabilities  json.RawMessage
	HeartbeatUTC  time.Time
	ActiveTasks   int // populated only by read queries that join task_queue
	SecondsSince  float64
}
