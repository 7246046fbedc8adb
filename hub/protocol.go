package hub

import "pixelwar/canvas"

// Message types on the wire.
const (
	TypeInit          = "init"
	TypeUpdate        = "update"
	TypeAck           = "ack"
	TypeError         = "error"
	TypeWarning       = "warning"
	TypeSyncSession   = "sync_session"
	TypeSessionSynced = "session_synced"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeHeartbeat     = "heartbeat"
)

// Pixel is the {x, y, color} payload of update and ack messages.
type Pixel struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Color int `json:"color"`
}

func PixelOf(d canvas.Delta) *Pixel {
	return &Pixel{X: d.X, Y: d.Y, Color: d.Color}
}

// Inbound is anything a client sends.
type Inbound struct {
	Type       string `json:"type"`
	Data       *Pixel `json:"data,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// Outbound is anything the server sends. Unused fields are omitted.
type Outbound struct {
	Type       string   `json:"type"`
	Data       any      `json:"data,omitempty"`
	SessionKey string   `json:"sessionKey,omitempty"`
	Remaining  *uint64  `json:"remaining,omitempty"`
	Width      int      `json:"width,omitempty"`
	Height     int      `json:"height,omitempty"`
	Palette    []string `json:"palette,omitempty"`
	Message    string   `json:"message,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}
