// Package webrtc implements the browser WebRTC transport.Adapter, grounded
// on github.com/pion/webrtc/v3, the same major dependency the
// voicerobot-webrtc-gemini example repo in the retrieval pack uses for its
// browser media path.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/transport"
)

// SignalMessage is the browser-facing JSON signaling envelope, per
// spec.md §6: `{type: offer|answer|ice, ...}`.
type SignalMessage struct {
	Type      string                     `json:"type"`
	SDP       string                     `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Adapter is the browser WebRTC transport.Adapter. Unlike the telephony
// adapters, calls originate from the browser (no carrier control plane to
// place an outbound call through), so InitiateCall and Transfer are
// unsupported.
type Adapter struct {
	api *webrtc.API
}

// New creates a webrtc Adapter using Pion's default codec/interceptor
// registry.
func New() *Adapter {
	return &Adapter{api: webrtc.NewAPI()}
}

func (a *Adapter) Name() string { return "webrtc" }

func (a *Adapter) InitiateCall(ctx context.Context, to, callbackURL string) (string, error) {
	return "", transport.ErrNotSupported
}

func (a *Adapter) Transfer(ctx context.Context, callID, to string) error {
	return transport.ErrNotSupported
}

// Hangup is a no-op for WebRTC: the peer connection is closed by
// HandleMedia's caller when the session tears down.
func (a *Adapter) Hangup(ctx context.Context, callID string) error { return nil }

// OnIncoming reads a browser SDP offer from the request body and returns
// the JSON-encoded answer the session supervisor forwards back over the
// signaling channel.
func (a *Adapter) OnIncoming(r *http.Request) ([]byte, string, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", fmt.Errorf("webrtc: read offer: %w", err)
	}

	var offer SignalMessage
	if err := json.Unmarshal(body, &offer); err != nil {
		return nil, "", fmt.Errorf("webrtc: decode offer: %w", err)
	}

	pc, err := a.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, "", fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return nil, "", fmt.Errorf("webrtc: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, "", fmt.Errorf("webrtc: set local description: %w", err)
	}

	resp, err := json.Marshal(SignalMessage{Type: "answer", SDP: answer.SDP})
	if err != nil {
		return nil, "", err
	}
	return resp, "application/json", nil
}

// HandleMedia reads RTP packets off the remote audio track, forwarding
// payload bytes to onAudioIn, and writes samples pulled from getAudioOut to
// the local outbound track, until ctx is cancelled or the connection
// closes.
//
// Payload bytes are passed through as-is: decoding the negotiated RTP
// codec (commonly Opus) to PCM is out of scope here, since no audio codec
// library appears anywhere in the retrieved example pack (see DESIGN.md);
// a production deployment would insert an Opus decode/encode stage around
// these two loops.
func (a *Adapter) HandleMedia(ctx context.Context, raw any, onAudioIn func([]byte), getAudioOut func() ([]byte, bool)) error {
	pc, ok := raw.(*webrtc.PeerConnection)
	if !ok {
		return fmt.Errorf("webrtc: HandleMedia requires a *webrtc.PeerConnection, got %T", raw)
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voiceagent",
	)
	if err != nil {
		return fmt.Errorf("webrtc: new outbound track: %w", err)
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		return fmt.Errorf("webrtc: add outbound track: %w", err)
	}

	done := make(chan error, 2)

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go func() {
			for {
				pkt, _, err := remote.ReadRTP()
				if err != nil {
					done <- err
					return
				}
				onAudioIn(pkt.Payload)
			}
		}()
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			default:
			}
			payload, ok := getAudioOut()
			if !ok {
				continue
			}
			if err := outTrack.WriteSample(media.Sample{Data: payload, Duration: 20 * time.Millisecond}); err != nil {
				done <- err
				return
			}
		}
	}()

	return <-done
}

var _ transport.Adapter = (*Adapter)(nil)
