package models

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies which side of a consultation a participant is on.
// Keep values stable because they are part of the public API.
type Role string

const (
	RoleDoctor  Role = "DOCTOR"
	RolePatient Role = "PATIENT"
)

// ParseRole accepts the wire form case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleDoctor:
		return RoleDoctor, nil
	case RolePatient:
		return RolePatient, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// Opposite returns the role of the remote party.
func (r Role) Opposite() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

type PresenceAction string

const (
	PresenceJoin  PresenceAction = "join"
	PresenceLeave PresenceAction = "leave"
)

// IncomingCall is an outstanding invitation from a caller to a callee.
type IncomingCall struct {
	CallID        string    `json:"callId"`
	CallerID      string    `json:"callerId"`
	CallerName    string    `json:"callerName"`
	CalleeID      string    `json:"calleeId"`
	CalleeName    string    `json:"calleeName"`
	ChannelID     string    `json:"channelName"`
	AppointmentID string    `json:"appointmentId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ChannelParticipant is one roster entry. A channel holds at most one entry
// per numeric id.
type ChannelParticipant struct {
	ChannelID string    `json:"-"`
	UID       uint32    `json:"uid"`
	Role      Role      `json:"role"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// PresenceUpdate is a join or leave notification for a channel roster.
type PresenceUpdate struct {
	ChannelID string         `json:"channel"`
	UID       uint32         `json:"uid"`
	Role      Role           `json:"role,omitempty"`
	Action    PresenceAction `json:"action"`
}

// HasRole reports whether any roster entry carries the given role.
func HasRole(roster []ChannelParticipant, role Role) bool {
	for _, p := range roster {
		if p.Role == role {
			return true
		}
	}
	return false
}
