// Package transport defines the media transport adapter contract (C10):
// the single interface every telephony carrier or browser WebRTC backend
// implements, per spec.md §4.9.
package transport

import (
	"context"
	"errors"
	"net/http"
)

// ErrNotSupported is returned by Transfer on adapters that don't implement
// mid-call transfer.
var ErrNotSupported = errors.New("transport: operation not supported by this adapter")

// Adapter is the contract every media transport backend conforms to.
type Adapter interface {
	// InitiateCall places an outbound call via the carrier's control plane
	// and returns a carrier call identifier.
	InitiateCall(ctx context.Context, to, callbackURL string) (callID string, err error)

	// OnIncoming produces the carrier-specific control document (TwiML,
	// WebRTC SDP answer, ...) instructing the carrier/peer to open a media
	// connection to this server.
	OnIncoming(r *http.Request) (controlDocument []byte, contentType string, err error)

	// HandleMedia reads media frames off raw (the adapter's own connection
	// type, passed through as any since carriers differ: a *websocket.Conn
	// for telephony, a *webrtc.PeerConnection for WebRTC), decodes to
	// PCM16/16kHz mono, and delivers it via onAudioIn. It pulls outbound
	// audio from getAudioOut, encodes to the carrier's codec, and sends it,
	// until ctx is cancelled or the connection closes.
	HandleMedia(ctx context.Context, raw any, onAudioIn func([]byte), getAudioOut func() ([]byte, bool)) error

	// Hangup closes the call via the carrier's control plane.
	Hangup(ctx context.Context, callID string) error

	// Transfer re-points an active call. Optional: adapters that don't
	// support it return ErrNotSupported.
	Transfer(ctx context.Context, callID, to string) error

	// Name identifies the adapter (e.g. "twilio", "webrtc").
	Name() string
}
