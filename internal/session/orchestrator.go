package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/moveris/rtms-liveness/internal/metrics"
	"github.com/moveris/rtms-liveness/internal/results"
)

// ErrCapacityExceeded is returned by StartSession when the configured
// maximum number of concurrent sessions is already active.
var ErrCapacityExceeded = errors.New("session: max concurrent sessions reached")

// meetingSession is the orchestrator's view of one running session.
type meetingSession interface {
	Start(ctx context.Context) error
	Close() error
}

// Orchestrator is the top-level coordinator for all active RTMS sessions.
// The session map is mutated only under its mutex; the potentially slow
// connection start happens outside the lock so one slow connect cannot
// block other starts.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]meetingSession

	// newSession is swapped out in tests.
	newSession func(meetingUUID, streamID string, serverURLs []string) meetingSession
}

// NewOrchestrator creates an orchestrator with no active sessions.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]meetingSession),
	}
	o.newSession = func(meetingUUID, streamID string, serverURLs []string) meetingSession {
		return newSession(meetingUUID, streamID, serverURLs, cfg, deps)
	}
	return o
}

// StartSession begins streaming and liveness analysis for a meeting.
// Returns ErrCapacityExceeded when the session limit is reached. A
// duplicate start for an already-active meeting is ignored. The status
// record is created and moved to processing before the session's
// connection starts asynchronously; a failed connection moves the record
// to the error state.
func (o *Orchestrator) StartSession(ctx context.Context, meetingUUID, streamID string, serverURLs []string) error {
	o.mu.Lock()
	if len(o.sessions) >= o.cfg.MaxSessions {
		o.mu.Unlock()
		return fmt.Errorf("%w: cannot start %s, %d active", ErrCapacityExceeded, meetingUUID, o.cfg.MaxSessions)
	}
	if _, ok := o.sessions[meetingUUID]; ok {
		o.mu.Unlock()
		log.Warn().Str("meeting", meetingUUID).Msg("Session already active, ignoring duplicate start")
		return nil
	}

	if err := o.deps.Store.CreateSession(ctx, meetingUUID); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("create status record for %s: %w", meetingUUID, err)
	}
	if err := o.deps.Store.SetState(ctx, meetingUUID, results.StateProcessing); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("mark %s processing: %w", meetingUUID, err)
	}

	sess := o.newSession(meetingUUID, streamID, serverURLs)
	o.sessions[meetingUUID] = sess
	o.mu.Unlock()

	go func() {
		if err := sess.Start(context.Background()); err != nil {
			log.Error().Str("meeting", meetingUUID).Err(err).Msg("Session failed to start")
			o.mu.Lock()
			delete(o.sessions, meetingUUID)
			o.mu.Unlock()
			_ = sess.Close()
			_ = o.deps.Store.SetState(context.Background(), meetingUUID, results.StateError)
			return
		}
		log.Info().Str("meeting", meetingUUID).Msg("Session started")
		metrics.New().
			Count("SessionsStarted").
			Metric("ActiveSessions", float64(o.ActiveSessions()), metrics.UnitCount).
			Property("meetingUuid", meetingUUID).
			Flush()
	}()
	return nil
}

// StopSession gracefully stops an active session and marks its status
// record complete. Stopping an unknown meeting is a no-op.
func (o *Orchestrator) StopSession(ctx context.Context, meetingUUID string) error {
	o.mu.Lock()
	sess, ok := o.sessions[meetingUUID]
	delete(o.sessions, meetingUUID)
	o.mu.Unlock()

	if !ok {
		log.Debug().Str("meeting", meetingUUID).Msg("Stop requested for unknown meeting")
		return nil
	}

	_ = sess.Close()
	if err := o.deps.Store.SetState(ctx, meetingUUID, results.StateComplete); err != nil {
		return fmt.Errorf("mark %s complete: %w", meetingUUID, err)
	}
	log.Info().Str("meeting", meetingUUID).Msg("Session stopped")
	return nil
}

// Shutdown stops every active session concurrently. Safe to call with no
// active sessions and safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	drained := o.sessions
	o.sessions = make(map[string]meetingSession)
	o.mu.Unlock()

	if len(drained) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for meetingUUID, sess := range drained {
		g.Go(func() error {
			_ = sess.Close()
			return o.deps.Store.SetState(ctx, meetingUUID, results.StateComplete)
		})
	}
	err := g.Wait()
	log.Info().Int("sessions", len(drained)).Msg("Orchestrator shut down")
	return err
}

// ActiveSessions reports the number of currently registered sessions, for
// health reporting.
func (o *Orchestrator) ActiveSessions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}
