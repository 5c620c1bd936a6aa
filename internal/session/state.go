package session

import (
	"sort"

	"github.com/tariel-x/medcall/internal/models"
)

type Phase string

const (
	PhaseUninitialized  Phase = "uninitialized"
	PhaseAcquiringMedia Phase = "acquiring_media"
	PhaseJoining        Phase = "joining"
	PhaseJoined         Phase = "joined"
	PhaseAwaitingPeer   Phase = "awaiting_peer"
	PhasePeerPresent    Phase = "peer_present"
	PhaseConnected      Phase = "connected"
	PhaseLeaving        Phase = "leaving"
	PhaseTerminated     Phase = "terminated"
	PhaseFailed         Phase = "failed"
)

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseTerminated || p == PhaseFailed
}

// RemoteParticipant is what the session knows about one remote uid.
// Synthetic entries come from the roster rather than from transport events
// and carry no verified media.
type RemoteParticipant struct {
	UID       uint32 `json:"uid"`
	HasAudio  bool   `json:"hasAudio"`
	HasVideo  bool   `json:"hasVideo"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

// State is a snapshot for the UI shell.
type State struct {
	Phase   Phase       `json:"phase"`
	Reason  string      `json:"reason,omitempty"`
	Err     error       `json:"-"`
	Channel string      `json:"channel"`
	UID     uint32      `json:"uid"`
	Role    models.Role `json:"role"`

	HasAudio   bool `json:"hasAudio"`
	HasVideo   bool `json:"hasVideo"`
	AudioMuted bool `json:"audioMuted"`
	VideoMuted bool `json:"videoMuted"`

	PeerPresent bool                `json:"peerPresent"`
	Remote      []RemoteParticipant `json:"remote"`
}

// HasRemote reports whether uid is among the remote participants.
func (s State) HasRemote(uid uint32) bool {
	for _, p := range s.Remote {
		if p.UID == uid {
			return true
		}
	}
	return false
}

func sortedRemote(m map[uint32]*RemoteParticipant) []RemoteParticipant {
	out := make([]RemoteParticipant, 0, len(m))
	for _, p := range m {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}
