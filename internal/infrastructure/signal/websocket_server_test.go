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

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/internal/core/services"
	"chathub/internal/infrastructure/repositories/memory"
	"chathub/pkg/codec"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

type fakeBus struct {
	mu        sync.Mutex
	published []*domain.RelayEvent
	handler   func(*domain.RelayEvent)
}

func (b *fakeBus) Publish(ctx context.Context, event *domain.RelayEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, event)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, handler func(*domain.RelayEvent)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) events() []*domain.RelayEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*domain.RelayEvent(nil), b.published...)
}

type relayHarness struct {
	srv      *httptest.Server
	server   *WebSocketServer
	auth     services.AuthService
	presence ports.PresenceRepository
}

func testServerConfig() Config {
	return Config{
		InstanceID:     "node-a",
		PingInterval:   time.Second,
		PongTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		SendBufferSize: 16,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

func newRelayHarness(t *testing.T, cfg Config, bus *fakeBus) *relayHarness {
	t.Helper()
	auth := services.NewAuthService("test-secret", time.Minute, time.Hour)
	presence := memory.NewMemoryPresenceRepository()

	h := &relayHarness{auth: auth, presence: presence}
	if bus != nil {
		h.server = NewWebSocketServer(cfg, auth, presence, bus, nil, zap.NewNop().Sugar())
		require.NoError(t, h.server.Start(context.Background()))
	} else {
		h.server = NewWebSocketServer(cfg, auth, presence, nil, nil, zap.NewNop().Sugar())
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.server.HandleWebSocket))
	t.Cleanup(func() {
		h.server.Close()
		h.srv.Close()
	})
	return h
}

func (h *relayHarness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *relayHarness) connect(t *testing.T, user domain.UserID) *websocket.Conn {
	t.Helper()
	token, err := h.auth.GenerateToken(user, string(user))
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(h.url(), header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	require.Eventually(t, func() bool { return h.server.IsUserConnected(user) }, time.Second, 5*time.Millisecond)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType domain.SignalType, payload any) {
	t.Helper()
	data, err := codec.EncodeEnvelope(string(msgType), payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func receive(t *testing.T, ws *websocket.Conn) (domain.SignalType, json.RawMessage) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msgType, payload, err := codec.DecodeEnvelope(data)
	require.NoError(t, err)
	return domain.SignalType(msgType), payload
}

func receiveError(t *testing.T, ws *websocket.Conn) domain.SignalErrorPayload {
	t.Helper()
	msgType, payload := receive(t, ws)
	require.Equal(t, domain.SignalError, msgType)
	var sigErr domain.SignalErrorPayload
	require.NoError(t, json.Unmarshal(payload, &sigErr))
	return sigErr
}

func offer(callID domain.CallID, target domain.UserID) domain.SignalingMessage {
	return domain.SignalingMessage{
		CallID:   callID,
		TargetID: target,
		CallType: domain.CallTypeAudio,
		SDP:      &domain.SessionDescription{Type: "offer", SDP: testSDP},
	}
}

func TestWebSocketServer_RejectsMissingToken(t *testing.T) {
	h := newRelayHarness(t, testServerConfig(), nil)

	_, resp, err := websocket.DefaultDialer.Dial(h.url(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(h.url()+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketServer_AcceptsQueryToken(t *testing.T) {
	h := newRelayHarness(t, testServerConfig(), nil)
	token, err := h.auth.GenerateToken("alice", "alice")
	require.NoError(t, err)

	ws, _, err := websocket.DefaultDialer.Dial(h.url()+"?token="+token, nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Eventually(t, func() bool { return h.server.IsUserConnected("alice") }, time.Second, 5*time.Millisecond)
	p, err := h.presence.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, p.Online)
	assert.Equal(t, "node-a", p.InstanceID)
}

func TestWebSocketServer_RoutesOfferWithServerSenderID(t *testing.T) {
	h := newRelayHarness(t, testServerConfig(), nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	msg := offer("call-1", "bob")
	msg.SenderID = "mallory"
	send(t, alice, domain.SignalOffer, msg)

	msgType, payload := receive(t, bob)
	assert.Equal(t, domain.SignalOffer, msgType)
	var got domain.SignalingMessage
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, domain.UserID("alice"), got.SenderID)
	assert.Equal(t, domain.CallID("call-1"), got.CallID)
	assert.Equal(t, testSDP, got.SDP.SDP)

	candidateMid := "0"
	send(t, bob, domain.SignalICECandidate, domain.SignalingMessage{
		CallID:   "call-1",
		TargetID: "alice",
		Candidate: &domain.ICECandidate{
			Candidate: "candidate:1 1 UDP 2122252543 192.168.1.2 50000 typ host",
			SDPMid:    &candidateMid,
		},
	})
	msgType, payload = receive(t, alice)
	assert.Equal(t, domain.SignalICECandidate, msgType)
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, domain.UserID("bob"), got.SenderID)
	require.NotNil(t, got.Candidate.SDPMid)
	assert.Equal(t, "0", *got.Candidate.SDPMid)
}

func TestWebSocketServer_UnavailableTarget(t *testing.T) {
	h := newRelayHarness(t, testServerConfig(), nil)
	alice := h.connect(t, "alice")

	send(t, alice, domain.SignalOffer, offer("call-2", "carol"))

	sigErr := receiveError(t, alice)
	assert.Equal(t, domain.SignalErrorPeerUnavailable, sigErr.Code)
	assert.Equal(t, domain.CallID("call-2"), sigErr.CallID)
	assert.Equal(t, domain.UserID("carol"), sigErr.TargetID)

	msgType, payload := receive(t, alice)
	require.Equal(t, domain.SignalHangup, msgType)
	var hangup domain.SignalingMessage
	require.NoError(t, json.Unmarshal(payload, &hangup))
	assert.Equal(t, domain.EndReasonUnavailable, hangup.Reason)
	assert.Equal(t, domain.UserID("carol"), hangup.SenderID)
	assert.Equal(t, domain.UserID("alice"), hangup.TargetID)

	// Hangups for absent users only produce the error.
	send(t, alice, domain.SignalHangup, domain.SignalingMessage{CallID: "call-2", TargetID: "carol"})
	assert.Equal(t, domain.SignalErrorPeerUnavailable, receiveError(t, alice).Code)
	send(t, alice, domain.SignalPing, nil)
	msgType, _ = receive(t, alice)
	assert.Equal(t, domain.SignalPong, msgType)
}

func TestWebSocketServer_RejectsInvalidEnvelopes(t *testing.T) {
	h := newRelayHarness(t, testServerConfig(), nil)
	alice := h.connect(t, "alice")
	h.connect(t, "bob")

	bad := offer("call-3", "bob")
	bad.SDP.SDP = "not sdp"
	send(t, alice, domain.SignalOffer, bad)
	assert.Equal(t, domain.SignalErrorInvalidMessage, receiveError(t, alice).Code)

	mismatched := offer("call-3", "bob")
	mismatched.SDP.Type = "answer"
	send(t, alice, domain.SignalOffer, mismatched)
	assert.Equal(t, domain.SignalErrorInvalidMessage, receiveError(t, alice).Code)

	send(t, alice, domain.SignalICECandidate, domain.SignalingMessage{CallID: "call-3", TargetID: "bob"})
	assert.Equal(t, domain.SignalErrorInvalidMessage, receiveError(t, alice).Code)

	send(t, alice, domain.SignalOffer, offer("call-3", "alice"))
	assert.Equal(t, domain.SignalErrorInvalidMessage, receiveError(t, alice).Code)

	send(t, alice, "presence-update", map[string]string{"status": "away"})
	assert.Equal(t, domain.SignalErrorUnknownType, receiveError(t, alice).Code)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, domain.SignalErrorInvalidMessage, receiveError(t, alice).Code)
}

func TestWebSocketServer_FansOutChatMessages(t *testing.T) {
	h := newRelayHarness(t, testServerConfig(), nil)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")
	carol := h.connect(t, "carol")

	send(t, alice, domain.SignalMessage, domain.ChatEvent{
		Message: domain.Message{
			ID:        "m1",
			ChannelID: "general",
			SenderID:  "mallory",
			Body:      "hi",
			CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Recipients: []domain.UserID{"bob", "alice", "bob", "carol", "dave"},
	})

	for _, ws := range []*websocket.Conn{bob, carol} {
		msgType, payload := receive(t, ws)
		require.Equal(t, domain.SignalMessage, msgType)
		assert.NotContains(t, string(payload), "recipients")
		var event domain.ChatEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, domain.MessageID("m1"), event.Message.ID)
		assert.Equal(t, domain.UserID("alice"), event.Message.SenderID)
	}

	// bob got exactly one copy and alice none: the next frames are pongs.
	send(t, bob, domain.SignalPing, nil)
	msgType, _ := receive(t, bob)
	assert.Equal(t, domain.SignalPong, msgType)
	send(t, alice, domain.SignalPing, nil)
	msgType, _ = receive(t, alice)
	assert.Equal(t, domain.SignalPong, msgType)

	send(t, alice, domain.SignalMessage, domain.ChatEvent{Recipients: []domain.UserID{"bob"}})
	assert.Equal(t, domain.SignalErrorInvalidMessage, receiveError(t, alice).Code)
}

func TestWebSocketServer_ReconnectReplacesConnection(t *testing.T) {
	h := newRelayHarness(t, testServerConfig(), nil)
	first := h.connect(t, "alice")
	second := h.connect(t, "alice")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// The old connection's teardown must not mark alice offline.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.server.IsUserConnected("alice"))
	p, err := h.presence.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, p.Online)
	assert.Equal(t, 1, h.server.ConnectionCount())

	send(t, second, domain.SignalPing, nil)
	msgType, _ := receive(t, second)
	assert.Equal(t, domain.SignalPong, msgType)

	require.NoError(t, second.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool {
		p, err := h.presence.Get(context.Background(), "alice")
		return err == nil && !p.Online && !h.server.IsUserConnected("alice")
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocketServer_RateLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	h := newRelayHarness(t, cfg, nil)
	alice := h.connect(t, "alice")

	send(t, alice, domain.SignalPing, nil)
	msgType, _ := receive(t, alice)
	assert.Equal(t, domain.SignalPong, msgType)

	send(t, alice, domain.SignalPing, nil)
	assert.Equal(t, domain.SignalErrorRateLimited, receiveError(t, alice).Code)
}

func TestWebSocketServer_MessageSizeLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxMessageSize = 256
	h := newRelayHarness(t, cfg, nil)
	alice := h.connect(t, "alice")

	send(t, alice, domain.SignalOffer, offer("call-4", domain.UserID(strings.Repeat("b", 300))))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
}

func TestWebSocketServer_CrossInstanceDelivery(t *testing.T) {
	bus := &fakeBus{}
	h := newRelayHarness(t, testServerConfig(), bus)
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	require.NoError(t, h.presence.SetOnline(context.Background(), "carol", "node-b"))
	send(t, alice, domain.SignalOffer, offer("call-5", "carol"))

	require.Eventually(t, func() bool { return len(bus.events()) == 1 }, time.Second, 5*time.Millisecond)
	event := bus.events()[0]
	assert.Equal(t, domain.UserID("carol"), event.TargetID)
	assert.Equal(t, "node-b", event.InstanceID)
	msgType, payload, err := codec.DecodeEnvelope(event.Data)
	require.NoError(t, err)
	assert.Equal(t, "offer", msgType)
	assert.Contains(t, string(payload), `"senderId":"alice"`)

	// An event routed here from another instance reaches the local user.
	data, err := codec.EncodeEnvelope(string(domain.SignalAnswer), domain.SignalingMessage{
		CallID:   "call-6",
		SenderID: "carol",
		TargetID: "bob",
		SDP:      &domain.SessionDescription{Type: "answer", SDP: testSDP},
	})
	require.NoError(t, err)
	bus.mu.Lock()
	handler := bus.handler
	bus.mu.Unlock()
	require.NotNil(t, handler)
	handler(&domain.RelayEvent{TargetID: "bob", InstanceID: "node-a", Data: data})

	gotType, _ := receive(t, bob)
	assert.Equal(t, domain.SignalAnswer, gotType)
}

func TestWebSocketServer_CloseSendsGoingAway(t *testing.T) {
	h := newRelayHarness(t, testServerConfig(), nil)
	alice := h.connect(t, "alice")

	require.NoError(t, h.server.Close())

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWebSocketServer_CheckOrigin(t *testing.T) {
	cfg := testServerConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	s := NewWebSocketServer(cfg, nil, nil, nil, nil, zap.NewNop().Sugar())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, s.checkOrigin(req))
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, s.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, s.checkOrigin(req))
}
