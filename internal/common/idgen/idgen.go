// Package idgen generates unique, category-prefixed identifiers.
package idgen

import "github.com/google/uuid"

// Category prefixes used across the orchestration core (C1 in the design).
const (
	CategoryTask    = "task"
	CategoryMessage = "msg"
	CategorySession = "sess"
	CategoryAgent   = "agent"
)

// New returns a unique id of the form "<category>_<uuid>".
func New(category string) string {
	return category + "_" + uuid.NewString()
}
