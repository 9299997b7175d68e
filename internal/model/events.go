package model

import "encoding/json"

// Event types carried over the push channel.
const (
	EventJoinGroup           = "join_group"
	EventGroupLocationUpdate = "group_location_update"
	EventLocationUpdate      = "location_update"
	EventMemberApproved      = "member_approved"
	EventGeofenceViolation   = "geofence_violation"
	EventGroupDeleted        = "group_deleted"
)

// Event is the envelope for every message on the push channel.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LocationUpdate is broadcast by the relay whenever a member's position
// changes. The channel is not group-scoped at the transport level, so
// consumers must check GroupID before applying it.
type LocationUpdate struct {
	GroupID  string         `json:"groupId"`
	UserID   string         `json:"userId"`
	Location LocationSample `json:"location"`
}

// MemberApproved announces a membership request accepted by an admin.
type MemberApproved struct {
	GroupID     string `json:"groupId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// GeofenceViolation is a transient push-only event. It is presented once
// and discarded; nothing is persisted.
type GeofenceViolation struct {
	GroupID  string     `json:"groupId"`
	UserID   string     `json:"userId"`
	Distance float64    `json:"distance"`
	Radius   float64    `json:"radius"`
	Center   Coordinate `json:"center"`
	At       int64      `json:"at"`
}

// GroupDeleted is the terminal event for a group. Receiving it tears down
// the reporter and purges persisted state for that group.
type GroupDeleted struct {
	GroupID string `json:"groupId"`
}

// Coordinate is a plain lat/lng pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
