// Package presence maintains a local cache of user presence, reconciled
// from streamed events and periodic bulk pulls over the HTTP API.
package presence

import (
	"strings"
	"time"
)

// Status is a user's presence state as carried on the wire.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// ParseStatus normalizes a wire status string. Unrecognized values map to
// StatusOffline, the safe default.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline
	case StatusAway:
		return StatusAway
	case StatusBusy:
		return StatusBusy
	default:
		return StatusOffline
	}
}

// Record is one user's cached presence. Records are owned by the
// Synchronizer and mutated only through its reconciliation paths; callers
// always receive copies.
type Record struct {
	UserID           int64     `json:"userId"`
	DisplayName      string    `json:"displayName"`
	Username         string    `json:"username"`
	Status           Status    `json:"status"`
	StatusMessage    string    `json:"statusMessage,omitempty"`
	AvailableForChat bool      `json:"isAvailableForChat"`
	Department       string    `json:"department,omitempty"`
	LastActivity     time.Time `json:"lastActivity,omitempty"`
}

// Page is one page of a bulk presence pull.
type Page struct {
	Records    []Record `json:"records"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	TotalCount int      `json:"totalCount"`
}
