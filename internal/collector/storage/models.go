// Package storage provides the PostgreSQL-backed persistence layer for the
// warden collector. It exposes typed model structs for the hosts and
// transitions tables and a Store that wraps a pgxpool connection pool with a
// batched transition-insert path.
package storage

import "time"

// HostStatus represents the liveness state of a reporting warden instance as
// seen by the collector.
type HostStatus string

const (
	HostStatusOnline  HostStatus = "ONLINE"
	HostStatusOffline HostStatus = "OFFLINE"
)

// Host maps to the `hosts` table: one row per warden instance that has ever
// registered with the collector.
type Host struct {
	HostID   string     `json:"host_id"`
	Hostname string     `json:"hostname"`
	Platform string     `json:"platform,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	Status   HostStatus `json:"status"`
}

// Transition maps to the `transitions` table: one row per accepted
// set_state call reported by a warden instance.
type Transition struct {
	TransitionID string    `json:"transition_id"`
	HostID       string    `json:"host_id"`
	WatchName    string    `json:"watch_name"`
	PID          int       `json:"pid"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	OccurredAt   time.Time `json:"occurred_at"`
	ReceivedAt   time.Time `json:"received_at"`
}

// TransitionQuery carries the filter and pagination parameters for
// QueryTransitions.
//
// From and To are mandatory and bracket the received_at column. Limit
// defaults to 100 when <= 0. An empty WatchName matches every watch.
type TransitionQuery struct {
	HostID    string
	WatchName string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}
