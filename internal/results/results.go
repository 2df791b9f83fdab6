// Package results provides per-meeting liveness session state storage.
// A session status record is created when a meeting's RTMS stream starts,
// carries the lifecycle state of the analysis, and accumulates one
// LivenessResult per participant as pipelines complete.
//
// Two implementations are provided: MemoryStore for single-process
// deployments and tests, and DynamoStore for durable multi-instance
// deployments (single-table design, mirroring the rest of our DynamoDB
// usage).
package results

import (
	"context"
	"sync"
	"time"
)

// Session lifecycle states. Transitions are monotone: once a session
// reaches StateComplete or StateError it never returns to an earlier state.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateComplete   = "complete"
	StateError      = "error"
)

// terminal reports whether a state admits no further transitions.
func terminal(state string) bool {
	return state == StateComplete || state == StateError
}

// LivenessResult is the outcome of one participant's liveness check in one
// meeting. Immutable once constructed.
type LivenessResult struct {
	MeetingUUID   string    `json:"meeting_uuid" dynamodbav:"-"`
	ParticipantID string    `json:"participant_id" dynamodbav:"-"`
	Verdict       string    `json:"verdict"` // "live" | "fake" | "error"
	Score         float64   `json:"score"`   // 0-100 display score
	RealScore     float64   `json:"real_score"`
	FakeScore     float64   `json:"fake_score"`
	Confidence    float64   `json:"confidence"`
	ProcessingMS  int64     `json:"processing_ms"`
	FramesSeen    int       `json:"frames_processed"`
	Error         string    `json:"error,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Passed reports whether the participant passed the liveness check.
func (r *LivenessResult) Passed() bool {
	return r.Verdict == "live"
}

// SessionStatus is the queryable state of one meeting's analysis session.
type SessionStatus struct {
	MeetingUUID  string                     `json:"meeting_uuid"`
	State        string                     `json:"state"`
	Participants map[string]*LivenessResult `json:"participants"`
	StartedAt    time.Time                  `json:"started_at"`
	CompletedAt  *time.Time                 `json:"completed_at,omitempty"`
}

// Store is the persistence interface for session status records.
// Each method is safe for concurrent use and honors context cancellation.
//
// GetSession returns (nil, nil) when the meeting is unknown.
// SetResult and SetState on an unknown meeting are no-ops.
type Store interface {
	// CreateSession creates a status record in StatePending.
	// Creating an existing session is a no-op.
	CreateSession(ctx context.Context, meetingUUID string) error

	// SetState transitions the session's lifecycle state. Transitions out
	// of a terminal state are ignored.
	SetState(ctx context.Context, meetingUUID, state string) error

	// SetResult attaches one participant's result to the session.
	SetResult(ctx context.Context, meetingUUID, participantID string, result *LivenessResult) error

	// GetSession retrieves the current status. Returns nil, nil if not found.
	GetSession(ctx context.Context, meetingUUID string) (*SessionStatus, error)

	// CleanupSession removes the session record entirely.
	CleanupSession(ctx context.Context, meetingUUID string) error
}

// MemoryStore implements Store with an in-process map. State does not
// survive process restart, which matches the lifetime of the sessions it
// describes.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionStatus
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SessionStatus)}
}

func (s *MemoryStore) CreateSession(_ context.Context, meetingUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[meetingUUID]; ok {
		return nil
	}
	s.sessions[meetingUUID] = &SessionStatus{
		MeetingUUID:  meetingUUID,
		State:        StatePending,
		Participants: make(map[string]*LivenessResult),
		StartedAt:    time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) SetState(_ context.Context, meetingUUID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.sessions[meetingUUID]
	if !ok || terminal(status.State) {
		return nil
	}
	status.State = state
	if terminal(state) {
		now := time.Now().UTC()
		status.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) SetResult(_ context.Context, meetingUUID, participantID string, result *LivenessResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.sessions[meetingUUID]; ok {
		status.Participants[participantID] = result
	}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, meetingUUID string) (*SessionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.sessions[meetingUUID]
	if !ok {
		return nil, nil
	}
	// Shallow-copy so callers never observe a concurrent mutation.
	out := &SessionStatus{
		MeetingUUID:  status.MeetingUUID,
		State:        status.State,
		Participants: make(map[string]*LivenessResult, len(status.Participants)),
		StartedAt:    status.StartedAt,
		CompletedAt:  status.CompletedAt,
	}
	for id, r := range status.Participants {
		out.Participants[id] = r
	}
	return out, nil
}

func (s *MemoryStore) CleanupSession(_ context.Context, meetingUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, meetingUUID)
	return nil
}
