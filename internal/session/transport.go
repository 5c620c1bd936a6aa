package session

import "context"

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Event is a remote membership change delivered by the transport. The
// concrete types are Published, Unpublished and Left.
type Event interface {
	remoteUID() uint32
}

// Published reports that a remote participant made a track available.
type Published struct {
	UID  uint32
	Kind MediaKind
}

// Unpublished reports that a remote participant withdrew a track.
type Unpublished struct {
	UID  uint32
	Kind MediaKind
}

// Left reports that a remote participant left the channel.
type Left struct {
	UID uint32
}

func (e Published) remoteUID() uint32   { return e.UID }
func (e Unpublished) remoteUID() uint32 { return e.UID }
func (e Left) remoteUID() uint32        { return e.UID }

// LocalTrack is a capture track owned by exactly one session.
type LocalTrack interface {
	Kind() MediaKind
	SetMuted(muted bool) error
	// Close releases the capture device.
	Close() error
}

// RemoteTrack is a subscribed remote media stream.
type RemoteTrack interface {
	Kind() MediaKind
	UID() uint32
}

// Devices creates local capture tracks.
type Devices interface {
	CreateMicrophoneTrack(ctx context.Context) (LocalTrack, error)
	CreateCameraTrack(ctx context.Context) (LocalTrack, error)
}

// Transport is the real-time channel the session publishes to and
// subscribes from. Handlers passed to On may be called from any goroutine,
// including from inside Join.
type Transport interface {
	On(handler func(Event))
	// Join enters channel. An empty token joins anonymously.
	Join(ctx context.Context, appID, channel, token string, uid uint32) error
	Publish(ctx context.Context, tracks ...LocalTrack) error
	Subscribe(ctx context.Context, uid uint32, kind MediaKind) (RemoteTrack, error)
	Leave(ctx context.Context) error
}

// Sink renders subscribed remote media.
type Sink interface {
	AttachVideo(track RemoteTrack)
	PlayAudio(track RemoteTrack)
}

type discardSink struct{}

func (discardSink) AttachVideo(RemoteTrack) {}
func (discardSink) PlayAudio(RemoteTrack)   {}
