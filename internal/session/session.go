// Package session coordinates the RTMS -> decode -> face-extraction ->
// liveness-verification pipeline. One Orchestrator manages all active
// meeting sessions. For each meeting a Session connects the signaling
// client, negotiates the media channel, routes decoded video frames to
// per-participant queues, and runs one pipeline goroutine per participant
// that collects quality face crops and submits them to the Moveris API.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moveris/rtms-liveness/internal/decoder"
	"github.com/moveris/rtms-liveness/internal/media"
	"github.com/moveris/rtms-liveness/internal/moveris"
	"github.com/moveris/rtms-liveness/internal/results"
	"github.com/moveris/rtms-liveness/internal/signaling"
	"github.com/moveris/rtms-liveness/internal/vision"
)

// Config holds the session-layer tuning shared by the orchestrator and
// every session it creates.
type Config struct {
	ClientID     string
	ClientSecret string

	MaxSessions        int
	FrameQueueSize     int
	DecoderQueueSize   int
	FrameWait          time.Duration
	SharpnessThreshold float64
}

// Deps bundles the collaborators injected into sessions.
type Deps struct {
	Store      results.Store
	Verifier   *moveris.Client
	Extractors vision.Factory
}

// Session owns one meeting's signaling connection, decoder, media channel,
// and participant pipelines.
type Session struct {
	meetingUUID string
	streamID    string
	traceID     string
	cfg         Config
	deps        Deps

	sig   *signaling.Client
	dec   *decoder.Decoder
	media *media.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queues    map[string]chan *decoder.Frame
	pipelines sync.WaitGroup
	closeOnce sync.Once
}

// newSession wires a Session for one meeting. Nothing connects until Start.
func newSession(meetingUUID, streamID string, serverURLs []string, cfg Config, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		meetingUUID: meetingUUID,
		streamID:    streamID,
		traceID:     uuid.NewString(),
		cfg:         cfg,
		deps:        deps,
		sig:         signaling.NewClient(cfg.ClientID, cfg.ClientSecret, meetingUUID, streamID, serverURLs),
		dec:         decoder.New(decoder.WithQueueSize(cfg.DecoderQueueSize)),
		ctx:         ctx,
		cancel:      cancel,
		queues:      make(map[string]chan *decoder.Frame),
	}
}

// Start launches the decoder, performs the signaling handshake, and opens
// the media channel. On any failure everything already started is torn
// down and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	if err := s.dec.Start(); err != nil {
		return fmt.Errorf("session %s: %w", s.meetingUUID, err)
	}

	mediaURL, err := s.sig.Connect(ctx)
	if err != nil {
		_ = s.dec.Close()
		return fmt.Errorf("session %s: %w", s.meetingUUID, err)
	}

	s.media = media.NewClient(mediaURL, s.meetingUUID, s.dec, s.handleFrame)
	if err := s.media.Start(ctx); err != nil {
		_ = s.sig.Close()
		_ = s.dec.Close()
		return fmt.Errorf("session %s: %w", s.meetingUUID, err)
	}

	log.Info().
		Str("meeting", s.meetingUUID).
		Str("trace", s.traceID).
		Msg("Session started")
	return nil
}

// Close cancels every participant pipeline and tears down the media
// channel, decoder, and signaling connection. Blocks until all pipelines
// have released their resources. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.sig.Close()
		// Decoder before media: the media frame pump drains the decoder's
		// output stream and exits when it closes.
		_ = s.dec.Close()
		if s.media != nil {
			_ = s.media.Close()
		}
		s.pipelines.Wait()

		s.mu.Lock()
		s.queues = make(map[string]chan *decoder.Frame)
		s.mu.Unlock()

		log.Info().Str("meeting", s.meetingUUID).Msg("Session closed")
	})
	return nil
}

// handleFrame routes one decoded frame to its participant's queue,
// spawning the queue and pipeline on first sight of the participant.
// Frames without a usable identity are dropped: the stream occasionally
// carries payloads before metadata resolves, and those frames cannot be
// attributed to anyone.
func (s *Session) handleFrame(frame *decoder.Frame, participantID string) {
	if participantID == "" || participantID == "0" {
		return
	}

	s.mu.Lock()
	queue, ok := s.queues[participantID]
	if !ok {
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		queue = make(chan *decoder.Frame, s.cfg.FrameQueueSize)
		s.queues[participantID] = queue
		s.pipelines.Add(1)
		go s.runPipeline(participantID, queue)
		log.Info().
			Str("meeting", s.meetingUUID).
			Str("participant", participantID).
			Msg("Spawned participant pipeline")
	}
	s.mu.Unlock()

	select {
	case queue <- frame:
	default:
		log.Debug().
			Str("meeting", s.meetingUUID).
			Str("participant", participantID).
			Msg("Frame queue full, dropping frame")
	}
}
