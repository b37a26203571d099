package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stagewire/internal/core/domain"
	"stagewire/internal/infrastructure/middleware"
	"stagewire/pkg/auth"
	apperrors "stagewire/pkg/errors"
	"stagewire/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type relayFixture struct {
	server *Server
	http   *httptest.Server
	tokens *auth.TokenService

	mu      sync.Mutex
	relayed map[domain.SignalEvent]int
	failed  map[domain.SignalEvent]int
}

func newRelayFixture(t *testing.T, cfg ServerConfig) *relayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &relayFixture{
		server:  NewServer(cfg, zaptest.NewLogger(t).Sugar()),
		tokens:  auth.NewTokenService("relay-secret", "stagewire", time.Hour),
		relayed: make(map[domain.SignalEvent]int),
		failed:  make(map[domain.SignalEvent]int),
	}
	f.server.SetRelayObserver(func(event domain.SignalEvent, err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if err != nil {
			f.failed[event]++
			return
		}
		f.relayed[event]++
	})

	router := gin.New()
	f.server.RegisterRoutes(router, middleware.AuthMiddleware(f.tokens))
	f.http = httptest.NewServer(router)
	t.Cleanup(f.http.Close)
	return f
}

func (f *relayFixture) url() string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
}

func (f *relayFixture) token(t *testing.T, id string) string {
	t.Helper()
	token, err := f.tokens.Issue(id, strings.ToUpper(id))
	require.NoError(t, err)
	return token
}

func (f *relayFixture) client(t *testing.T, id string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		URL:            f.url(),
		Token:          f.token(t, id),
		PingInterval:   time.Second,
		RequestTimeout: time.Second,
		Dial:           retry.Config{Enabled: false},
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	f.waitConnected(t, id)
	return c
}

// raw dials without the Client so tests can read error events directly.
func (f *relayFixture) raw(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url()+"?token="+f.token(t, id), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	f.waitConnected(t, id)
	return conn
}

func (f *relayFixture) waitConnected(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.server.IsConnected(domain.ParticipantID(id))
	}, waitFor, 5*time.Millisecond)
}

func (f *relayFixture) count(event domain.SignalEvent, failed bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed {
		return f.failed[event]
	}
	return f.relayed[event]
}

func sendEvent(t *testing.T, conn *websocket.Conn, event domain.SignalEvent, payload interface{}) {
	t.Helper()
	env, err := newEnvelope(KindEvent, "", string(event), payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func expectError(t *testing.T, conn *websocket.Conn, code apperrors.ErrorCode) {
	t.Helper()
	env := readEnvelope(t, conn)
	assert.Equal(t, KindEvent, env.Kind)
	assert.Equal(t, errorEvent, env.Type)
	require.NotNil(t, env.Error)
	assert.Equal(t, code, env.Error.Code)
}

func TestRelay_ForwardsNegotiationEvents(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{PingInterval: time.Second})
	a := f.client(t, "a")
	b := f.client(t, "b")

	received := make(chan domain.P2PMessage, 3)
	names := make(chan domain.SignalEvent, 3)
	for _, event := range []domain.SignalEvent{domain.EventOfferMade, domain.EventAnswerMade, domain.EventCandidateSent} {
		event := event
		require.NoError(t, b.On(event, func(payload json.RawMessage) {
			var msg domain.P2PMessage
			if err := json.Unmarshal(payload, &msg); err == nil {
				names <- event
				received <- msg
			}
		}))
	}

	ctx := context.Background()
	sdp := &domain.SessionDescription{Type: "offer", SDP: testSDP}
	mid := "0"
	candidate := &domain.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMid: &mid}

	require.NoError(t, a.Emit(ctx, domain.EventMakeOffer, domain.P2PMessage{TargetID: "b", SDP: sdp}))
	require.NoError(t, a.Emit(ctx, domain.EventMakeAnswer, domain.P2PMessage{TargetID: "b", SDP: sdp}))
	require.NoError(t, a.Emit(ctx, domain.EventSendCandidate, domain.P2PMessage{TargetID: "b", Candidate: candidate}))

	want := []domain.SignalEvent{domain.EventOfferMade, domain.EventAnswerMade, domain.EventCandidateSent}
	for i, event := range want {
		select {
		case name := <-names:
			msg := <-received
			assert.Equal(t, event, name, "event %d", i)
			assert.Equal(t, domain.ParticipantID("a"), msg.FromID)
			assert.Equal(t, domain.ParticipantID("b"), msg.TargetID)
		case <-time.After(waitFor):
			t.Fatalf("event %s was not relayed", event)
		}
	}
	assert.Equal(t, 1, f.count(domain.EventMakeOffer, false))
	assert.Equal(t, 1, f.count(domain.EventSendCandidate, false))
}

func TestRelay_RejectsBadEvents(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{PingInterval: time.Second})
	conn := f.raw(t, "a")
	f.raw(t, "b")

	sdp := &domain.SessionDescription{Type: "offer", SDP: testSDP}

	tests := []struct {
		name    string
		event   domain.SignalEvent
		payload interface{}
		code    apperrors.ErrorCode
	}{
		{"unknown target", domain.EventMakeOffer, domain.P2PMessage{TargetID: "zed", SDP: sdp}, apperrors.ErrCodeNotFound},
		{"missing sdp", domain.EventMakeOffer, domain.P2PMessage{TargetID: "b"}, apperrors.ErrCodeInvalidInput},
		{"malformed sdp", domain.EventMakeAnswer, domain.P2PMessage{TargetID: "b", SDP: &domain.SessionDescription{Type: "answer", SDP: "hello"}}, apperrors.ErrCodeInvalidInput},
		{"bad candidate", domain.EventSendCandidate, domain.P2PMessage{TargetID: "b", Candidate: &domain.ICECandidateInit{Candidate: "nope"}}, apperrors.ErrCodeInvalidInput},
		{"self target", domain.EventMakeOffer, domain.P2PMessage{TargetID: "a", SDP: sdp}, apperrors.ErrCodeInvalidInput},
		{"not relayable", domain.EventOfferMade, domain.P2PMessage{TargetID: "b", SDP: sdp}, apperrors.ErrCodeUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendEvent(t, conn, tt.event, tt.payload)
			expectError(t, conn, tt.code)
		})
	}
	assert.Equal(t, 0, f.count(domain.EventMakeOffer, false))
	assert.Equal(t, 3, f.count(domain.EventMakeOffer, true))
}

func TestRelay_MalformedFrame(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{PingInterval: time.Second})
	conn := f.raw(t, "a")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	expectError(t, conn, apperrors.ErrCodeInvalidInput)
}

func TestServer_RequestsAreUnsupported(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{PingInterval: time.Second})
	c := f.client(t, "a")

	err := c.Request(context.Background(), domain.MethodGetRTPCapabilities, nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnsupported))
}

func TestServer_RequiresToken(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{PingInterval: time.Second})

	_, resp, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c := NewClient(ClientConfig{
		URL:   f.url(),
		Token: "forged",
		Dial:  retry.Config{Enabled: true, MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrUnauthorized)
	assert.Equal(t, 0, f.server.ConnectionCount())
}

func TestServer_RateLimitsMessages(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{PingInterval: time.Second, MessagesPerSecond: 0.001, Burst: 1})
	conn := f.raw(t, "a")
	target := f.raw(t, "b")

	msg := domain.P2PMessage{TargetID: "b", Candidate: &domain.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}
	sendEvent(t, conn, domain.EventSendCandidate, msg)
	sendEvent(t, conn, domain.EventSendCandidate, msg)

	relayed := readEnvelope(t, target)
	assert.Equal(t, string(domain.EventCandidateSent), relayed.Type)
	expectError(t, conn, apperrors.ErrCodeRateLimit)
}

func TestServer_ReconnectReplacesConnection(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{PingInterval: time.Second})
	first := f.raw(t, "a")
	f.raw(t, "a")

	first.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "the older connection is closed")
	assert.Equal(t, 1, f.server.ConnectionCount())
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{PingInterval: time.Second})
	c := f.client(t, "a")

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return f.server.ConnectionCount() == 0
	}, waitFor, 5*time.Millisecond)
}

func TestServer_Shutdown(t *testing.T) {
	f := newRelayFixture(t, ServerConfig{PingInterval: time.Second})
	c := f.client(t, "a")

	ready, err := f.server.Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client was not disconnected")
	}

	resp, err := http.Get(f.http.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready, _ = f.server.Ready(context.Background())
	assert.False(t, ready)
}
