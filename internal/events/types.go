package events

// Event type constants for kelindar/event.
const (
	TypeSessionStateChanged uint32 = iota + 1
	TypePacketEmitted
	TypeEncoderFault
	TypeFramesDropped
	TypeBitrateChanged
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// SessionStateChangedEvent is published on every encoder session state
// transition.
type SessionStateChangedEvent struct {
	Device    string `json:"device" example:"/dev/video11"`
	From      string `json:"from" example:"initializing"`
	To        string `json:"to" example:"streaming"`
	Format    string `json:"format,omitempty" example:"1920x1080 yuv420"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z"`
}

// Type returns the event type identifier for SessionStateChangedEvent.
func (e SessionStateChangedEvent) Type() uint32 { return TypeSessionStateChanged }

// PacketEmittedEvent is published after a packet was handed to the
// session's handler.
type PacketEmittedEvent struct {
	Device   string `json:"device"`
	Sequence uint64 `json:"sequence"`
	Bytes    int    `json:"bytes"`
	Keyframe bool   `json:"keyframe"`
}

// Type returns the event type identifier for PacketEmittedEvent.
func (e PacketEmittedEvent) Type() uint32 { return TypePacketEmitted }

// EncoderFaultEvent is published when the device reports an I/O fault and
// the session starts shutting down.
type EncoderFaultEvent struct {
	Device    string `json:"device"`
	Code      string `json:"code" example:"DEVICE_IO"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for EncoderFaultEvent.
func (e EncoderFaultEvent) Type() uint32 { return TypeEncoderFault }

// FramesDroppedEvent is published when pending frames are reported as
// dropped instead of encoded.
type FramesDroppedEvent struct {
	Device string `json:"device"`
	Count  int    `json:"count"`
	Reason string `json:"reason" example:"DRAIN_TIMEOUT"`
}

// Type returns the event type identifier for FramesDroppedEvent.
func (e FramesDroppedEvent) Type() uint32 { return TypeFramesDropped }

// BitrateChangedEvent is published when a running session accepts a new
// target bitrate.
type BitrateChangedEvent struct {
	Device  string `json:"device"`
	Bitrate int    `json:"bitrate"`
}

// Type returns the event type identifier for BitrateChangedEvent.
func (e BitrateChangedEvent) Type() uint32 { return TypeBitrateChanged }
