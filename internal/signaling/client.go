// Package signaling implements the Zoom RTMS signaling WebSocket client.
// It authenticates with HMAC-SHA256, negotiates the media stream URL, and
// maintains the keepalive loop for the lifetime of a meeting session.
//
// Protocol reference: https://developers.zoom.us/docs/rtms/signal-connection/
// Message types (msg_type integers):
//
//	1  SIG_HANDSHAKE_REQ  — sent by us on connect
//	2  SIG_HANDSHAKE_RESP — Zoom replies; contains media server URL list
//	12 KEEP_ALIVE_REQ     — Zoom sends every ~30s; we must echo back as 13
//	13 KEEP_ALIVE_RESP    — our echo
package signaling

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Message type constants for the signaling wire protocol.
const (
	msgHandshakeReq  = 1
	msgHandshakeResp = 2
	msgKeepAliveReq  = 12
	msgKeepAliveResp = 13
)

const (
	connectTimeout   = 5 * time.Second  // per URL attempt
	handshakeTimeout = 10 * time.Second // wait for SIG_HANDSHAKE_RESP
)

// ErrExhausted is returned by Connect once every candidate signaling URL has
// failed. The last underlying failure is wrapped for inspection.
var ErrExhausted = errors.New("signaling: all server URLs exhausted")

// handshakeRequest is SIG_HANDSHAKE_REQ (msg_type 1).
type handshakeRequest struct {
	MsgType         int    `json:"msg_type"`
	ProtocolVersion int    `json:"protocol_version"`
	MeetingUUID     string `json:"meeting_uuid"`
	RTMSStreamID    string `json:"rtms_stream_id"`
	Sequence        uint32 `json:"sequence"`
	Signature       string `json:"signature"`
}

// serverMessage covers every inbound signaling message we care about.
// StatusCode is a pointer so an absent field is distinguishable from an
// explicit zero (0 means accepted).
type serverMessage struct {
	MsgType     int    `json:"msg_type"`
	StatusCode  *int   `json:"status_code"`
	Timestamp   *int64 `json:"timestamp"`
	MediaServer *struct {
		ServerURLs []string `json:"server_urls"`
	} `json:"media_server"`
}

// keepAliveResponse is KEEP_ALIVE_RESP (msg_type 13). The timestamp must
// echo the request's value exactly.
type keepAliveResponse struct {
	MsgType   int    `json:"msg_type"`
	Timestamp *int64 `json:"timestamp"`
}

// Client connects to the Zoom RTMS signaling WebSocket, authenticates, and
// maintains the keepalive loop until Close is called.
type Client struct {
	clientID     string
	clientSecret string
	meetingUUID  string
	streamID     string
	serverURLs   []string
	dialer       *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	loopDone  chan struct{}
	closeOnce sync.Once
}

// NewClient creates a signaling client for one meeting's RTMS stream.
// serverURLs are attempted in order; each URL gets exactly one attempt.
func NewClient(clientID, clientSecret, meetingUUID, streamID string, serverURLs []string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		meetingUUID:  meetingUUID,
		streamID:     streamID,
		serverURLs:   serverURLs,
		dialer:       &websocket.Dialer{HandshakeTimeout: connectTimeout},
	}
}

// Connect attempts each signaling URL in order and returns the media
// WebSocket URL from the first successful handshake. Connect failures,
// handshake timeouts, and authentication rejections all fall through to the
// next URL; only exhausting the list is terminal.
func (c *Client) Connect(ctx context.Context) (string, error) {
	lastErr := errors.New("server URL list is empty")

	for _, u := range c.serverURLs {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, _, err := c.dialer.DialContext(dialCtx, u, nil)
		cancel()
		if err != nil {
			log.Warn().Str("url", u).Err(err).Msg("Signaling: cannot connect")
			lastErr = err
			continue
		}

		mediaURL, err := c.handshake(conn)
		if err != nil {
			log.Warn().Str("url", u).Err(err).Msg("Signaling: handshake failed")
			lastErr = err
			_ = conn.Close()
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.loopDone = make(chan struct{})
		c.mu.Unlock()
		go c.keepAliveLoop(conn)

		log.Info().
			Str("meeting", c.meetingUUID).
			Str("media", mediaURL).
			Msg("Signaling connected")
		return mediaURL, nil
	}

	return "", fmt.Errorf("%w for meeting %s: %v", ErrExhausted, c.meetingUUID, lastErr)
}

// Close cancels the keepalive loop and closes the connection. Safe to call
// multiple times and after a failed Connect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn, done := c.conn, c.loopDone
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if done != nil {
			<-done
		}
		log.Info().Str("meeting", c.meetingUUID).Msg("Signaling closed")
	})
	return nil
}

// signature computes hex(HMAC-SHA256(secret, "{client_id},{meeting_uuid},{stream_id}")).
func (c *Client) signature() string {
	mac := hmac.New(sha256.New, []byte(c.clientSecret))
	fmt.Fprintf(mac, "%s,%s,%s", c.clientID, c.meetingUUID, c.streamID)
	return hex.EncodeToString(mac.Sum(nil))
}

// handshake sends SIG_HANDSHAKE_REQ and validates SIG_HANDSHAKE_RESP,
// returning the first media server URL.
func (c *Client) handshake(conn *websocket.Conn) (string, error) {
	req := handshakeRequest{
		MsgType:         msgHandshakeReq,
		ProtocolVersion: 1,
		MeetingUUID:     c.meetingUUID,
		RTMSStreamID:    c.streamID,
		Sequence:        rand.Uint32(),
		Signature:       c.signature(),
	}
	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("send handshake: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", fmt.Errorf("set handshake deadline: %w", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("await handshake response: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("clear read deadline: %w", err)
	}

	var resp serverMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("parse handshake response: %w", err)
	}
	if resp.MsgType != msgHandshakeResp {
		return "", fmt.Errorf("expected msg_type %d (SIG_HANDSHAKE_RESP), got %d",
			msgHandshakeResp, resp.MsgType)
	}
	if resp.StatusCode == nil || *resp.StatusCode != 0 {
		code := -1
		if resp.StatusCode != nil {
			code = *resp.StatusCode
		}
		return "", fmt.Errorf("auth rejected: status_code=%d", code)
	}
	if resp.MediaServer == nil || len(resp.MediaServer.ServerURLs) == 0 {
		return "", errors.New("handshake response has no media server URLs")
	}
	return resp.MediaServer.ServerURLs[0], nil
}

// keepAliveLoop echoes KEEP_ALIVE_REQ back as KEEP_ALIVE_RESP carrying the
// identical timestamp. The server drives the cadence; every other message
// type is ignored for forward compatibility. Runs until the connection
// closes.
func (c *Client) keepAliveLoop(conn *websocket.Conn) {
	defer close(c.loopDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Str("meeting", c.meetingUUID).Err(err).
				Msg("Signaling: read loop ended")
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Str("meeting", c.meetingUUID).
				Msg("Signaling: non-JSON message received, ignoring")
			continue
		}

		if msg.MsgType != msgKeepAliveReq {
			log.Debug().Int("msgType", msg.MsgType).
				Msg("Signaling: unhandled message type")
			continue
		}

		resp := keepAliveResponse{MsgType: msgKeepAliveResp, Timestamp: msg.Timestamp}
		if err := conn.WriteJSON(resp); err != nil {
			log.Warn().Str("meeting", c.meetingUUID).Err(err).
				Msg("Signaling: keepalive echo failed")
			return
		}
	}
}
