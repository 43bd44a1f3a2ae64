package types

import "time"

// ErrorBudgetBurn is one hot operation reported in a ProactiveSnapshot.
type ErrorBudgetBurn struct {
	Operation string  `json:"operation"`
	BurnRate  float64 `json:"burn_rate"`
}

// ProactiveSnapshot is the external observation of system state that
// triggers task harvesting. The core treats most of it as opaque.
type ProactiveSnapshot struct {
	TakenAt             time.Time         `json:"taken_at"`
	RecentErrorEvents   []string          `json:"recent_error_events,omitempty"`
	ErrorBudgetBurnHot  []ErrorBudgetBurn `json:"error_budget_burn_hot,omitempty"`
	MemoryBackendStatus string            `json:"memory_backend_status,omitempty"`
	SnapshotKey         string            `json:"snapshot_key,omitempty"`
}

// Recommendation is one deep-analysis output derived from a snapshot.
type Recommendation struct {
	Action  string `json:"action"`
	Finding string `json:"finding"`
}

// FeedbackRating is the user's post-hoc verdict on a completed task.
type FeedbackRating string

const (
	FeedbackGood    FeedbackRating = "good"
	FeedbackNeutral FeedbackRating = "neutral"
	FeedbackBad     FeedbackRating = "bad"
)

// FeedbackRecord persists a user rating for a completed task.
type FeedbackRecord struct {
	TaskID     string         `json:"task_id"`
	UserRating FeedbackRating `json:"user_rating"`
	Correction string         `json:"correction,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
