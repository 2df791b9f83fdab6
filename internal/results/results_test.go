package results

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateSession(ctx, "meeting-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	status, err := s.GetSession(ctx, "meeting-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if status == nil {
		t.Fatal("expected session, got nil")
	}
	if status.State != StatePending {
		t.Errorf("expected state %q, got %q", StatePending, status.State)
	}
	if len(status.Participants) != 0 {
		t.Errorf("expected no participants, got %d", len(status.Participants))
	}
	if status.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()
	status, err := s.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if status != nil {
		t.Errorf("expected nil for unknown meeting, got %+v", status)
	}
}

func TestMemoryStore_CreateIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateSession(ctx, "meeting-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.SetState(ctx, "meeting-1", StateProcessing); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	// A second create must not reset the state.
	if err := s.CreateSession(ctx, "meeting-1"); err != nil {
		t.Fatalf("CreateSession (second): %v", err)
	}

	status, _ := s.GetSession(ctx, "meeting-1")
	if status.State != StateProcessing {
		t.Errorf("expected state preserved as %q, got %q", StateProcessing, status.State)
	}
}

func TestMemoryStore_StateTransitionsMonotone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateSession(ctx, "meeting-1")

	_ = s.SetState(ctx, "meeting-1", StateProcessing)
	_ = s.SetState(ctx, "meeting-1", StateComplete)

	status, _ := s.GetSession(ctx, "meeting-1")
	if status.State != StateComplete {
		t.Fatalf("expected %q, got %q", StateComplete, status.State)
	}
	if status.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set on terminal state")
	}
	completed := *status.CompletedAt

	// A terminal session must not regress.
	_ = s.SetState(ctx, "meeting-1", StateProcessing)
	status, _ = s.GetSession(ctx, "meeting-1")
	if status.State != StateComplete {
		t.Errorf("terminal state regressed to %q", status.State)
	}
	if !status.CompletedAt.Equal(completed) {
		t.Error("CompletedAt changed after terminal state")
	}
}

func TestMemoryStore_SetResult(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateSession(ctx, "meeting-1")

	result := &LivenessResult{
		MeetingUUID:   "meeting-1",
		ParticipantID: "42",
		Verdict:       "live",
		Score:         87.5,
		RealScore:     0.91,
		FakeScore:     0.09,
		Confidence:    0.88,
		FramesSeen:    14,
		CompletedAt:   time.Now().UTC(),
	}
	if err := s.SetResult(ctx, "meeting-1", "42", result); err != nil {
		t.Fatalf("SetResult: %v", err)
	}

	status, _ := s.GetSession(ctx, "meeting-1")
	got, ok := status.Participants["42"]
	if !ok {
		t.Fatal("expected participant 42 in status")
	}
	if got.Verdict != "live" || got.Score != 87.5 {
		t.Errorf("unexpected result: %+v", got)
	}
	if !got.Passed() {
		t.Error("expected Passed() for live verdict")
	}
}

func TestMemoryStore_SetResultUnknownMeeting(t *testing.T) {
	s := NewMemoryStore()
	err := s.SetResult(context.Background(), "nope", "1", &LivenessResult{Verdict: "live"})
	if err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateSession(ctx, "meeting-1")
	if err := s.CleanupSession(ctx, "meeting-1"); err != nil {
		t.Fatalf("CleanupSession: %v", err)
	}
	status, _ := s.GetSession(ctx, "meeting-1")
	if status != nil {
		t.Error("expected session removed")
	}
}
