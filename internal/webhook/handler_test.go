package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
)

const testSecret = "my_test_webhook_secret"

// recordingSessions captures the dispatch calls the handler makes.
type recordingSessions struct {
	mu       sync.Mutex
	startErr error
	starts   []startCall
	stops    []string
}

type startCall struct {
	meetingUUID string
	streamID    string
	serverURLs  []string
}

func (r *recordingSessions) StartSession(ctx context.Context, meetingUUID, streamID string, serverURLs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, startCall{meetingUUID, streamID, serverURLs})
	return r.startErr
}

func (r *recordingSessions) StopSession(ctx context.Context, meetingUUID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, meetingUUID)
	return nil
}

func newTestHandler() (*Handler, *recordingSessions) {
	sessions := &recordingSessions{}
	return NewHandler(testSecret, sessions), sessions
}

func signPayload(secret, timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":" + payload))
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(payload string) *http.Request {
	const timestamp = "1720000000"
	req := httptest.NewRequest(http.MethodPost, "/zoom/webhook", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Zoom-Request-Timestamp", timestamp)
	req.Header.Set("X-Zoom-Signature", signPayload(testSecret, timestamp, payload))
	return req
}

func TestURLValidation(t *testing.T) {
	h, _ := newTestHandler()
	payload := `{"event":"endpoint.url_validation","payload":{"plainToken":"qgg8vlvZRS6UYooatFL8Aw"}}`
	req := httptest.NewRequest(http.MethodPost, "/zoom/webhook", strings.NewReader(payload))
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["plainToken"] != "qgg8vlvZRS6UYooatFL8Aw" {
		t.Errorf("plainToken = %q", resp["plainToken"])
	}
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte("qgg8vlvZRS6UYooatFL8Aw"))
	if want := hex.EncodeToString(mac.Sum(nil)); resp["encryptedToken"] != want {
		t.Errorf("encryptedToken = %q, want %q", resp["encryptedToken"], want)
	}
}

func TestRTMSStartedDispatch(t *testing.T) {
	h, sessions := newTestHandler()
	payload := `{"event":"meeting.rtms_started","payload":{"object":{` +
		`"meeting_uuid":"mtg-abc","rtms_stream_id":"stream-1",` +
		`"server_urls":["wss://rtms1.zoom.us","wss://rtms2.zoom.us"]}}}`
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, signedRequest(payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(sessions.starts) != 1 {
		t.Fatalf("starts = %d, want 1", len(sessions.starts))
	}
	got := sessions.starts[0]
	if got.meetingUUID != "mtg-abc" || got.streamID != "stream-1" {
		t.Errorf("dispatched %+v", got)
	}
	want := []string{"wss://rtms1.zoom.us", "wss://rtms2.zoom.us"}
	if !reflect.DeepEqual(got.serverURLs, want) {
		t.Errorf("serverURLs = %v, want %v", got.serverURLs, want)
	}
}

func TestRTMSStartedSingleURLString(t *testing.T) {
	h, sessions := newTestHandler()
	payload := `{"event":"meeting.rtms_started","payload":{"object":{` +
		`"meeting_uuid":"mtg-abc","rtms_stream_id":"stream-1",` +
		`"server_urls":"wss://rtms1.zoom.us"}}}`
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, signedRequest(payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(sessions.starts) != 1 {
		t.Fatalf("starts = %d, want 1", len(sessions.starts))
	}
	want := []string{"wss://rtms1.zoom.us"}
	if !reflect.DeepEqual(sessions.starts[0].serverURLs, want) {
		t.Errorf("serverURLs = %v, want %v", sessions.starts[0].serverURLs, want)
	}
}

func TestRTMSStoppedDispatch(t *testing.T) {
	h, sessions := newTestHandler()
	payload := `{"event":"meeting.rtms_stopped","payload":{"object":{"meeting_uuid":"mtg-abc"}}}`
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, signedRequest(payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(sessions.stops) != 1 || sessions.stops[0] != "mtg-abc" {
		t.Fatalf("stops = %v, want [mtg-abc]", sessions.stops)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	h, sessions := newTestHandler()
	payload := `{"event":"meeting.rtms_started","payload":{"object":{"meeting_uuid":"mtg-abc"}}}`
	req := httptest.NewRequest(http.MethodPost, "/zoom/webhook", strings.NewReader(payload))
	req.Header.Set("X-Zoom-Request-Timestamp", "1720000000")
	req.Header.Set("X-Zoom-Signature", "v0=deadbeef")
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if len(sessions.starts) != 0 {
		t.Fatal("invalid signature must not dispatch")
	}
}

func TestMissingSignatureRejected(t *testing.T) {
	h, _ := newTestHandler()
	payload := `{"event":"meeting.rtms_stopped","payload":{"object":{"meeting_uuid":"mtg-abc"}}}`
	req := httptest.NewRequest(http.MethodPost, "/zoom/webhook", strings.NewReader(payload))
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestSignatureTamperedBody(t *testing.T) {
	h, sessions := newTestHandler()
	signed := signedRequest(`{"event":"meeting.rtms_stopped","payload":{"object":{"meeting_uuid":"mtg-abc"}}}`)
	tampered := `{"event":"meeting.rtms_stopped","payload":{"object":{"meeting_uuid":"mtg-evil"}}}`
	req := httptest.NewRequest(http.MethodPost, "/zoom/webhook", strings.NewReader(tampered))
	req.Header.Set("X-Zoom-Request-Timestamp", signed.Header.Get("X-Zoom-Request-Timestamp"))
	req.Header.Set("X-Zoom-Signature", signed.Header.Get("X-Zoom-Signature"))
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if len(sessions.stops) != 0 {
		t.Fatal("tampered body must not dispatch")
	}
}

func TestUnknownEventAcknowledged(t *testing.T) {
	h, sessions := newTestHandler()
	payload := `{"event":"meeting.participant_joined","payload":{"object":{"meeting_uuid":"mtg-abc"}}}`
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, signedRequest(payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(sessions.starts)+len(sessions.stops) != 0 {
		t.Fatal("unknown event must not dispatch")
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/zoom/webhook", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/zoom/webhook", nil)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
}

func TestStartFailureStillAcknowledged(t *testing.T) {
	sessions := &recordingSessions{startErr: context.DeadlineExceeded}
	h := NewHandler(testSecret, sessions)
	payload := `{"event":"meeting.rtms_started","payload":{"object":{` +
		`"meeting_uuid":"mtg-abc","rtms_stream_id":"s","server_urls":"wss://a"}}}`
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, signedRequest(payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 even when start fails, got %d", rr.Code)
	}
}
