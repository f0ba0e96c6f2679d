package types

// Phase identifies where in its lifecycle a processing job is when a
// progress event is emitted
type Phase string

const (
	PhaseStarted      Phase = "started"
	PhaseTileDone     Phase = "tile-done"
	PhaseRetrying     Phase = "retrying"
	PhaseModeSwitched Phase = "mode-switched"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// Event is a single progress report emitted while a job runs. Events are
// fire-and-forget: they go to a bounded stream and the oldest is dropped
// when no listener keeps up.
type Event struct {
	JobIndex   int    `json:"job_index"`
	JobID      string `json:"job_id"`
	TileIndex  int    `json:"tile_index"`
	TilesTotal int    `json:"tiles_total"`
	Phase      Phase  `json:"phase"`
	TileSize   int    `json:"tile_size,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Err        error  `json:"-"`
}

// JobStatus is the state of one job in a batch
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status will no longer change
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Summary aggregates the outcome of a batch run
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
