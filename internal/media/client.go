// Package media bridges the RTMS media WebSocket into the decode pipeline.
//
// The media channel delivers JSON envelopes carrying base64 video payloads
// tagged with the active participant's identity. Payload bytes are fed to
// the H.264 decoder; because the decoder strips identity, each accepted
// payload's participant id is queued in arrival order and paired back with
// the decoded frames, so a frame is attributed to the participant whose
// bytes produced it rather than whoever sent the latest envelope. This is
// the only place where the externally-driven media connection is marshalled
// into the session's world: both the WebSocket read loop and the decoder
// pump run here and everything downstream sees plain callbacks.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/moveris/rtms-liveness/internal/decoder"
)

// msgMediaVideo is the envelope type carrying a video payload.
const msgMediaVideo = 14

const dialTimeout = 5 * time.Second

// maxPendingIDs bounds the payload-to-frame pairing queue. The decoder's
// own queues are far smaller, so hitting this means the subprocess stalled;
// the oldest pairing is discarded to stay bounded.
const maxPendingIDs = 1024

// FrameFunc receives each decoded frame with the participant it belongs to.
// participantID is "" when the envelope carried no usable identity.
type FrameFunc func(frame *decoder.Frame, participantID string)

// videoEnvelope is one inbound media message. Data is base64 in the JSON
// and decoded by encoding/json into raw bytes.
type videoEnvelope struct {
	MsgType int `json:"msg_type"`
	Content struct {
		UserID    int64  `json:"user_id"`
		UserName  string `json:"user_name"`
		Timestamp int64  `json:"timestamp"`
		Data      []byte `json:"data"`
	} `json:"content"`
}

// Client owns the media WebSocket connection and the decoder pump for one
// meeting session.
type Client struct {
	url         string
	meetingUUID string
	dec         *decoder.Decoder
	onFrame     FrameFunc

	conn *websocket.Conn

	// pending pairs accepted payloads with their participant, FIFO.
	mu      sync.Mutex
	pending []string

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient creates a media client that feeds dec and delivers decoded
// frames through onFrame.
func NewClient(url, meetingUUID string, dec *decoder.Decoder, onFrame FrameFunc) *Client {
	return &Client{
		url:         url,
		meetingUUID: meetingUUID,
		dec:         dec,
		onFrame:     onFrame,
	}
}

// Start connects to the media URL and begins streaming. The decoder must
// already be started.
func (c *Client) Start(ctx context.Context) error {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("connect media channel %s: %w", c.url, err)
	}
	c.conn = conn

	c.wg.Add(2)
	go c.readLoop()
	go c.pumpFrames()

	log.Info().Str("meeting", c.meetingUUID).Str("url", c.url).
		Msg("Media channel connected")
	return nil
}

// Close tears down the connection and waits for both loops to finish.
// Safe to call multiple times and before a successful Start.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// The pump ends when the decoder's frame stream is closed by the
		// session tearing down the decoder.
		c.wg.Wait()
		log.Info().Str("meeting", c.meetingUUID).Msg("Media channel closed")
	})
	return nil
}

// readLoop consumes media envelopes until the connection closes, feeding
// video payloads to the decoder. The participant id is queued before the
// payload is fed so the pairing is visible before any decoded frame can
// surface; a rejected payload's pairing is unwound.
func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Str("meeting", c.meetingUUID).Err(err).
				Msg("Media: read loop ended")
			return
		}

		var env videoEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn().Str("meeting", c.meetingUUID).
				Msg("Media: non-JSON envelope, ignoring")
			continue
		}
		if env.MsgType != msgMediaVideo || len(env.Content.Data) == 0 {
			continue
		}

		participantID := ""
		if env.Content.UserID != 0 {
			participantID = strconv.FormatInt(env.Content.UserID, 10)
		}

		c.pushID(participantID)
		if !c.dec.Feed(env.Content.Data) {
			c.unpushID()
		}
	}
}

// pumpFrames forwards decoded frames to the session, each attributed to the
// participant whose payload produced it. When the decoder flushes more
// frames than payloads remain queued (B-frame reordering), the surplus
// frames stay with the most recent participant.
func (c *Client) pumpFrames() {
	defer c.wg.Done()
	last := ""
	for frame := range c.dec.Frames() {
		if id, ok := c.popID(); ok {
			last = id
		}
		c.onFrame(frame, last)
	}
}

func (c *Client) pushID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= maxPendingIDs {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, id)
}

// unpushID removes the most recently pushed pairing, for payloads the
// decoder rejected.
func (c *Client) unpushID() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.pending); n > 0 {
		c.pending = c.pending[:n-1]
	}
}

func (c *Client) popID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return "", false
	}
	id := c.pending[0]
	c.pending = c.pending[1:]
	return id, true
}
