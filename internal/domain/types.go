package domain

import "time"

// Priority orders tasks for dequeue; lower value is served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

type Task struct {
	ID           int64
	PartitionKey string
	Payload      []string
	Priority     Priority
	Status       string
	RetryCount   int
	MaxRetries   int
	OwnerID      string
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	ProcessedAt  *time.Time
}

// QueueStats is the read-only aggregate served to the controller and
// to operational dashboards.
type QueueStats struct {
	QueueDepth          int              `json:"queue_depth"`
	ActiveWorkers       int              `json:"active_workers"`
	ProcessedLast24h    int              `json:"processed_last_24h"`
	AvgProcessingTimeMs float64          `json:"avg_processing_time_ms"`
	ErrorCountLast24h   int              `json:"error_count_last_24h"`
	PendingByPriority   map[Priority]int `json:"pending_by_priority"`
}

type PoolStats struct {
	TotalWorkers   int `json:"total_workers"`
	Idle           int `json:"idle"`
	Busy           int `json:"busy"`
	Error          int `json:"error"`
	TotalProcessed int `json:"total_processed"`
	TotalErrors    int `json:"total_errors"`
}

// Metrics is one controller observation; a short rolling history of
// these is kept so error rate can be derived from deltas between
// samples rather than a cumulative average.
type Metrics struct {
	QueueDepth         int       `json:"queue_depth"`
	CurrentWorkers     int       `json:"current_workers"`
	RecommendedWorkers int       `json:"recommended_workers"`
	ErrorRate          float64   `json:"error_rate"`
	IsBackpressure     bool      `json:"is_backpressure"`
	ObservedAt         time.Time `json:"observed_at"`
}

type LockRow struct {
	Resource  string
	OwnerID   string
	LockedAt  time.Time
	ExpiresAt time.Time
}
