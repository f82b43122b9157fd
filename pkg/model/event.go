package model

import "time"

// PeerEventType names a change to a server's peer set.
type PeerEventType string

const (
	PeerAdded   PeerEventType = "peer_added"
	PeerRemoved PeerEventType = "peer_removed"
)

// PeerEvent is pushed to edge agents when an assignment on their server changes.
type PeerEvent struct {
	Type         PeerEventType `json:"type"`
	ServerID     string        `json:"serverId"`
	AssignmentID string        `json:"assignmentId"`
	PublicKey    string        `json:"publicKey,omitempty"`
	Address      string        `json:"address,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// EventFor builds the event describing a created or removed assignment.
func EventFor(t PeerEventType, a Assignment, now time.Time) PeerEvent {
	return PeerEvent{
		Type:         t,
		ServerID:     a.ServerID,
		AssignmentID: a.ID,
		PublicKey:    a.PublicKey,
		Address:      a.Address,
		Timestamp:    now,
	}
}
