// Package archive defines core types shared across subsystems.
package archive

import (
	"encoding/json"
	"time"
)

// QueueEntry is one unit of downloadable content waiting in the queue.
type QueueEntry struct {
	// Name is the display name of the area; failures are keyed by it.
	Name string `json:"name"`
	// ID is the canonical area identifier, unique among pending entries.
	ID string `json:"id"`
	// Key is the access credential for protected areas; empty for public ones.
	Key string `json:"key,omitempty"`
	// IsSubItem marks entries discovered as children of another area.
	IsSubItem bool `json:"is_sub_item"`
	// ParentID references the owning area's ID for sub-items.
	ParentID *string `json:"parent_id,omitempty"`
	// Payload is opaque discovery metadata, passed through to the archiver
	// unchanged.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Status is the outcome of one archive attempt.
type Status struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

// DiscoveredArea is a single search hit before identifier resolution.
type DiscoveredArea struct {
	Name string `json:"name"`
	// RawID is the identifier as returned by search; it may differ from the
	// canonical ID until the resolver has been consulted.
	RawID string `json:"id"`
}

// Resolution carries the canonical identifiers for a discovered area.
type Resolution struct {
	ID      string
	Key     string
	Payload json.RawMessage
}

// SuccessRecord is written to the durable archive log after each completed
// download.
type SuccessRecord struct {
	Name       string    `json:"name"`
	ID         string    `json:"id"`
	Key        string    `json:"key,omitempty"`
	IsSubItem  bool      `json:"is_sub_item"`
	ParentID   *string   `json:"parent_id,omitempty"`
	ArchivedAt time.Time `json:"archived_at"`
}

// FailureRecord is written to the durable failed-download log.
type FailureRecord struct {
	Name     string    `json:"name"`
	ID       string    `json:"id"`
	Key      string    `json:"key,omitempty"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}
