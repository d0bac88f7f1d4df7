// Package twilio implements the PSTN-carrier transport.Adapter over
// Twilio's Programmable Voice, grounded on
// lookatitude-beluga-ai/pkg/messaging/providers/twilio's use of
// github.com/twilio/twilio-go for REST client construction, generalized
// here from its Conversations API usage to the Voice Calls API this
// spec's telephony transport needs.
package twilio

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/audio"
	"github.com/lokutor-ai/voiceagent-orchestrator/pkg/transport"
)

// Frame is the Twilio Media Streams JSON envelope, per spec.md §6.
type Frame struct {
	Event    string `json:"event"`
	StreamID string `json:"streamSid,omitempty"`
	Media    *Media `json:"media,omitempty"`
}

// Media carries base64-encoded carrier-codec audio.
type Media struct {
	Payload string `json:"payload"`
}

// Adapter is the Twilio Programmable Voice transport.Adapter.
type Adapter struct {
	client     *twilio.RestClient
	fromNumber string
	mediaHost  string // host clients should connect back to, e.g. "voice.example.com"
}

// New creates a Twilio Adapter. accountSID/authToken authenticate the REST
// client; fromNumber is the caller ID used for outbound calls; mediaHost is
// the host TwiML points the carrier's media WebSocket at.
func New(accountSID, authToken, fromNumber, mediaHost string) *Adapter {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Adapter{client: client, fromNumber: fromNumber, mediaHost: mediaHost}
}

func (a *Adapter) Name() string { return "twilio" }

// InitiateCall places an outbound call whose answer webhook is callbackURL.
func (a *Adapter) InitiateCall(ctx context.Context, to, callbackURL string) (string, error) {
	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(a.fromNumber)
	params.SetUrl(callbackURL)

	resp, err := a.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio: create call: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio: create call: no call sid in response")
	}
	return *resp.Sid, nil
}

// OnIncoming returns the TwiML that connects the call's media to our
// WebSocket endpoint for the given agent.
//
// The twiml helper package's exact surface couldn't be verified offline, so
// this document is hand-built XML (see DESIGN.md) rather than constructed
// via github.com/twilio/twilio-go/twiml.
func (a *Adapter) OnIncoming(r *http.Request) ([]byte, string, error) {
	agentID := r.URL.Query().Get("agent_id")
	streamURL := fmt.Sprintf("wss://%s/media/%s", a.mediaHost, agentID)

	doc := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="%s"/></Connect></Response>`,
		streamURL,
	)
	return []byte(doc), "text/xml", nil
}

// HandleMedia pumps Twilio Media Streams frames over raw (a
// *websocket.Conn), decoding inbound µ-law/8kHz audio to PCM16/16kHz for
// onAudioIn, and encoding outbound PCM16/16kHz audio from getAudioOut back
// to µ-law/8kHz frames.
func (a *Adapter) HandleMedia(ctx context.Context, raw any, onAudioIn func([]byte), getAudioOut func() ([]byte, bool)) error {
	conn, ok := raw.(*websocket.Conn)
	if !ok {
		return fmt.Errorf("twilio: HandleMedia requires a *websocket.Conn, got %T", raw)
	}

	var streamID string
	done := make(chan error, 2)

	go func() {
		for {
			var frame Frame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				done <- err
				return
			}
			switch frame.Event {
			case "start":
				streamID = frame.StreamID
			case "media":
				if frame.Media == nil {
					continue
				}
				ulaw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
				if err != nil {
					continue
				}
				pcm8k := audio.MuLawDecode(ulaw)
				pcm16k := audio.ResamplePCM16(pcm8k, 8000, 16000)
				onAudioIn(pcm16k)
			case "stop":
				done <- nil
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			default:
			}

			pcm16k, ok := getAudioOut()
			if !ok {
				continue
			}
			pcm8k := audio.ResamplePCM16(pcm16k, 16000, 8000)
			ulaw := audio.MuLawEncode(pcm8k)

			frame := Frame{
				Event:    "media",
				StreamID: streamID,
				Media:    &Media{Payload: base64.StdEncoding.EncodeToString(ulaw)},
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				done <- err
				return
			}
		}
	}()

	return <-done
}

// Hangup ends the call via the REST API.
func (a *Adapter) Hangup(ctx context.Context, callID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := a.client.Api.UpdateCall(callID, params)
	return err
}

// Transfer re-points the call to a new TwiML URL that dials `to`.
func (a *Adapter) Transfer(ctx context.Context, callID, to string) error {
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Response><Dial>%s</Dial></Response>`, to)
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(doc)
	_, err := a.client.Api.UpdateCall(callID, params)
	return err
}

var _ transport.Adapter = (*Adapter)(nil)
