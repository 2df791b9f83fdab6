package signaling

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	testClientID = "client-abc"
	testSecret   = "shh-secret"
	testMeeting  = "meeting-uuid-1"
	testStream   = "stream-id-1"
)

var upgrader = websocket.Upgrader{}

// wsServer starts a test WebSocket server whose connection handler runs in
// its own goroutine per client. Returns the ws:// URL.
func wsServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// acceptHandshake reads the handshake request, verifies its signature, and
// replies with an accepting SIG_HANDSHAKE_RESP advertising mediaURL.
func acceptHandshake(t *testing.T, conn *websocket.Conn, mediaURL string) handshakeRequest {
	t.Helper()
	var req handshakeRequest
	if err := conn.ReadJSON(&req); err != nil {
		t.Errorf("read handshake: %v", err)
		return req
	}
	zero := 0
	resp := map[string]any{
		"msg_type":     msgHandshakeResp,
		"status_code":  zero,
		"media_server": map[string]any{"server_urls": []string{mediaURL}},
	}
	if err := conn.WriteJSON(resp); err != nil {
		t.Errorf("write handshake response: %v", err)
	}
	return req
}

func TestSignature(t *testing.T) {
	c := NewClient(testClientID, testSecret, testMeeting, testStream, nil)

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(testClientID + "," + testMeeting + "," + testStream))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := c.signature(); got != want {
		t.Errorf("signature mismatch:\n got  %s\n want %s", got, want)
	}
}

func TestConnect_Success(t *testing.T) {
	gotReq := make(chan handshakeRequest, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		gotReq <- acceptHandshake(t, conn, "wss://media.example/stream")
		// Hold the connection open until the client closes it.
		_, _, _ = conn.ReadMessage()
	})

	c := NewClient(testClientID, testSecret, testMeeting, testStream, []string{url})
	mediaURL, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if mediaURL != "wss://media.example/stream" {
		t.Errorf("unexpected media URL %q", mediaURL)
	}

	req := <-gotReq
	if req.MsgType != msgHandshakeReq {
		t.Errorf("expected msg_type %d, got %d", msgHandshakeReq, req.MsgType)
	}
	if req.MeetingUUID != testMeeting || req.RTMSStreamID != testStream {
		t.Errorf("unexpected identifiers in handshake: %+v", req)
	}
	c2 := NewClient(testClientID, testSecret, testMeeting, testStream, nil)
	if req.Signature != c2.signature() {
		t.Errorf("handshake carried wrong signature %q", req.Signature)
	}
}

func TestConnect_FallsBackToSecondURL(t *testing.T) {
	good := wsServer(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn, "wss://media.example/second")
		_, _, _ = conn.ReadMessage()
	})

	// First URL points at a closed listener.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	c := NewClient(testClientID, testSecret, testMeeting, testStream, []string{deadURL, good})
	mediaURL, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if mediaURL != "wss://media.example/second" {
		t.Errorf("expected media URL from second server, got %q", mediaURL)
	}
}

func TestConnect_AuthRejectionFallsBack(t *testing.T) {
	rejecting := wsServer(t, func(conn *websocket.Conn) {
		var req handshakeRequest
		_ = conn.ReadJSON(&req)
		_ = conn.WriteJSON(map[string]any{"msg_type": msgHandshakeResp, "status_code": 5})
	})
	accepting := wsServer(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn, "wss://media.example/ok")
		_, _, _ = conn.ReadMessage()
	})

	c := NewClient(testClientID, testSecret, testMeeting, testStream, []string{rejecting, accepting})
	mediaURL, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if mediaURL != "wss://media.example/ok" {
		t.Errorf("expected fallback past auth rejection, got %q", mediaURL)
	}
}

func TestConnect_Exhausted(t *testing.T) {
	rejecting := wsServer(t, func(conn *websocket.Conn) {
		var req handshakeRequest
		_ = conn.ReadJSON(&req)
		_ = conn.WriteJSON(map[string]any{"msg_type": msgHandshakeResp, "status_code": 1})
	})

	c := NewClient(testClientID, testSecret, testMeeting, testStream, []string{rejecting})
	_, err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting URLs")
	}
	if !strings.Contains(err.Error(), "exhausted") {
		t.Errorf("expected exhausted error, got %v", err)
	}
	// Close after a failed connect must be safe.
	if err := c.Close(); err != nil {
		t.Errorf("Close after failed Connect: %v", err)
	}
}

func TestConnect_EmptyURLList(t *testing.T) {
	c := NewClient(testClientID, testSecret, testMeeting, testStream, nil)
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error for empty URL list")
	}
}

func TestConnect_NonHandshakeReplyFallsBack(t *testing.T) {
	wrong := wsServer(t, func(conn *websocket.Conn) {
		var req handshakeRequest
		_ = conn.ReadJSON(&req)
		_ = conn.WriteJSON(map[string]any{"msg_type": 99})
	})
	accepting := wsServer(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn, "wss://media.example/ok")
		_, _, _ = conn.ReadMessage()
	})

	c := NewClient(testClientID, testSecret, testMeeting, testStream, []string{wrong, accepting})
	mediaURL, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	if mediaURL != "wss://media.example/ok" {
		t.Errorf("expected fallback past bad msg_type, got %q", mediaURL)
	}
}

func TestKeepAlive_EchoesTimestamps(t *testing.T) {
	echoes := make(chan keepAliveResponse, 3)
	url := wsServer(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn, "wss://media.example/ka")
		for _, ts := range []int64{1111, 2222, 3333} {
			if err := conn.WriteJSON(map[string]any{"msg_type": msgKeepAliveReq, "timestamp": ts}); err != nil {
				t.Errorf("send keepalive: %v", err)
				return
			}
			var resp keepAliveResponse
			if err := conn.ReadJSON(&resp); err != nil {
				t.Errorf("read keepalive echo: %v", err)
				return
			}
			echoes <- resp
		}
		_, _, _ = conn.ReadMessage()
	})

	c := NewClient(testClientID, testSecret, testMeeting, testStream, []string{url})
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	for _, want := range []int64{1111, 2222, 3333} {
		select {
		case resp := <-echoes:
			if resp.MsgType != msgKeepAliveResp {
				t.Errorf("expected msg_type %d, got %d", msgKeepAliveResp, resp.MsgType)
			}
			if resp.Timestamp == nil || *resp.Timestamp != want {
				t.Errorf("expected echoed timestamp %d, got %v", want, resp.Timestamp)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for keepalive echo")
		}
	}
}

func TestKeepAlive_IgnoresOtherMessageTypes(t *testing.T) {
	echoed := make(chan keepAliveResponse, 1)
	url := wsServer(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn, "wss://media.example/ignore")
		// An unrelated message type must produce no reply; a keepalive after
		// it still must.
		_ = conn.WriteJSON(map[string]any{"msg_type": 7, "timestamp": int64(1)})
		_ = conn.WriteJSON(map[string]any{"msg_type": msgKeepAliveReq, "timestamp": int64(42)})
		var resp keepAliveResponse
		if err := conn.ReadJSON(&resp); err == nil {
			echoed <- resp
		}
		_, _, _ = conn.ReadMessage()
	})

	c := NewClient(testClientID, testSecret, testMeeting, testStream, []string{url})
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case resp := <-echoed:
		if resp.Timestamp == nil || *resp.Timestamp != 42 {
			t.Errorf("expected echo of the keepalive (ts=42), got %v", resp.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for keepalive echo")
	}
}

func TestClose_Idempotent(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn, "wss://media.example/close")
		_, _, _ = conn.ReadMessage()
	})

	c := NewClient(testClientID, testSecret, testMeeting, testStream, []string{url})
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
