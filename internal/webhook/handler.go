// Package webhook provides the HTTP handler for Zoom webhook events.
//
// URL Validation:
//
//	During webhook registration Zoom POSTs an endpoint.url_validation event
//	carrying a plainToken. The handler must reply with the token and its
//	HMAC-SHA256 (hex, keyed with the webhook secret). This event fires
//	before the subscription is live, so it carries no usable signature.
//
// Event Notification:
//
//	Every other event is signed: Zoom computes HMAC-SHA256 over
//	"v0:{X-Zoom-Request-Timestamp}:{raw body}" with the webhook secret and
//	sends "v0=<hex>" in X-Zoom-Signature. The handler validates the
//	signature, then dispatches meeting.rtms_started and
//	meeting.rtms_stopped to the session coordinator. Unknown events are
//	acknowledged so new Zoom event types never cause redelivery storms.
//
// Reference: https://developers.zoom.us/docs/api/webhooks/
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// maxBodySize is the maximum allowed request body size (1 MB). Zoom event
// payloads are small; anything near this limit is not a webhook.
const maxBodySize = 1 << 20 // 1 MB

// Sessions is the coordinator surface the webhook drives: start analysis
// when a meeting's RTMS stream comes up, stop it when the stream ends.
type Sessions interface {
	StartSession(ctx context.Context, meetingUUID, streamID string, serverURLs []string) error
	StopSession(ctx context.Context, meetingUUID string) error
}

// Handler validates and dispatches Zoom webhook notifications.
type Handler struct {
	secret   string
	sessions Sessions
}

// NewHandler creates a webhook handler.
//
// secret is the Zoom webhook secret token from the Zoom App Marketplace,
// used both to answer the URL validation challenge and to verify
// X-Zoom-Signature on event notifications.
func NewHandler(secret string, sessions Sessions) *Handler {
	return &Handler{
		secret:   secret,
		sessions: sessions,
	}
}

// event is the outer Zoom webhook envelope. Only the fields the handler
// routes on are decoded; the raw body is what gets signature-checked.
type event struct {
	Event   string `json:"event"`
	Payload struct {
		PlainToken string      `json:"plainToken"`
		Object     eventObject `json:"object"`
	} `json:"payload"`
}

type eventObject struct {
	MeetingUUID  string     `json:"meeting_uuid"`
	RTMSStreamID string     `json:"rtms_stream_id"`
	ServerURLs   serverURLs `json:"server_urls"`
}

// serverURLs tolerates both wire shapes Zoom has used for the signaling
// endpoint list: a single URL string or a JSON array of URLs.
type serverURLs []string

func (s *serverURLs) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = serverURLs{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = serverURLs(many)
	return nil
}

// ServeHTTP validates the Zoom signature and routes the event. The raw body
// is read first and kept as bytes so the HMAC is computed over exactly what
// Zoom signed; JSON decoding happens after that read.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Msg("Webhook: failed to read body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Warn().Err(err).Msg("Webhook: invalid JSON body")
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	// URL validation fires before the subscription is registered and
	// carries no usable signature, so it is answered before the check.
	if ev.Event == "endpoint.url_validation" {
		h.handleURLValidation(w, ev.Payload.PlainToken)
		return
	}

	timestamp := r.Header.Get("X-Zoom-Request-Timestamp")
	signature := r.Header.Get("X-Zoom-Signature")
	if !h.verifySignature(body, timestamp, signature) {
		log.Warn().Str("event", ev.Event).Msg("Webhook: rejected invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	switch ev.Event {
	case "meeting.rtms_started":
		h.handleRTMSStarted(r.Context(), ev.Payload.Object)
	case "meeting.rtms_stopped":
		h.handleRTMSStopped(r.Context(), ev.Payload.Object)
	default:
		// Forward-compatible: acknowledge events we don't handle yet.
		log.Debug().Str("event", ev.Event).Msg("Webhook: unhandled event")
	}

	writeOK(w)
}

// handleURLValidation answers Zoom's one-time endpoint ownership challenge
// with the plain token and its keyed hash.
func (h *Handler) handleURLValidation(w http.ResponseWriter, plainToken string) {
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte(plainToken))

	log.Info().Msg("Webhook: answered URL validation challenge")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"plainToken":     plainToken,
		"encryptedToken": hex.EncodeToString(mac.Sum(nil)),
	})
}

// handleRTMSStarted starts analysis for the meeting. Zoom expects a fast
// 200 and retries on anything else, so start failures are logged rather
// than surfaced; the session-status record carries the real outcome.
func (h *Handler) handleRTMSStarted(ctx context.Context, obj eventObject) {
	log.Info().
		Str("meeting", obj.MeetingUUID).
		Str("stream", obj.RTMSStreamID).
		Msg("Webhook: RTMS stream started")

	if err := h.sessions.StartSession(ctx, obj.MeetingUUID, obj.RTMSStreamID, obj.ServerURLs); err != nil {
		log.Error().
			Str("meeting", obj.MeetingUUID).
			Err(err).
			Msg("Webhook: cannot start session")
	}
}

// handleRTMSStopped stops the meeting's session. Stopping an unknown
// meeting is a no-op, which also absorbs Zoom's redeliveries.
func (h *Handler) handleRTMSStopped(ctx context.Context, obj eventObject) {
	log.Info().Str("meeting", obj.MeetingUUID).Msg("Webhook: RTMS stream stopped")

	if err := h.sessions.StopSession(ctx, obj.MeetingUUID); err != nil {
		log.Error().
			Str("meeting", obj.MeetingUUID).
			Err(err).
			Msg("Webhook: cannot stop session")
	}
}

// verifySignature validates the X-Zoom-Signature header against the
// HMAC-SHA256 of "v0:{timestamp}:{body}" keyed with the webhook secret.
//
// The header format is: "v0=<hex-encoded hash>"
//
// Uses hmac.Equal for constant-time comparison to prevent timing attacks.
func (h *Handler) verifySignature(body []byte, timestamp, header string) bool {
	const prefix = "v0="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}

	receivedBytes, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)

	return hmac.Equal(receivedBytes, mac.Sum(nil))
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
