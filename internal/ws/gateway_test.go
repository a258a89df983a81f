package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banana-clicker/backend/internal/registry"
	"github.com/banana-clicker/backend/internal/store"
)

// fakeBackend doubles as the registry's counter store and the gateway's
// user source.
type fakeBackend struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*store.User
	totals map[uuid.UUID]int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		users:  make(map[uuid.UUID]*store.User),
		totals: make(map[uuid.UUID]int64),
	}
}

func (f *fakeBackend) addUser(blocked bool) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.users[id] = &store.User{ID: id, Email: id.String() + "@example.com", Blocked: blocked}
	return id
}

func (f *fakeBackend) GetByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeBackend) BananaCount(_ context.Context, id uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals[id], nil
}

func (f *fakeBackend) SetBananaCount(_ context.Context, id uuid.UUID, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals[id] = total
	return nil
}

func (f *fakeBackend) total(id uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals[id]
}

// fakeVerifier maps tokens straight to user ids.
type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (uuid.UUID, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return uuid.Nil, errors.New("bad token")
	}
	return id, nil
}

type gatewayFixture struct {
	backend *fakeBackend
	relay   *Relay
	srv     *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	backend := newFakeBackend()
	relay := NewRelay(64, nil)
	reg := registry.New(backend, relay, time.Hour, time.Second, nil)
	gw := NewGateway(reg, relay, fakeVerifier{}, backend, nil)

	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(srv.Close)

	return &gatewayFixture{backend: backend, relay: relay, srv: srv}
}

func (fx *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(fx.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType MessageType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(Message{Type: msgType, Payload: raw}); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func decodePayload(t *testing.T, env Envelope, dst any) {
	t.Helper()
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}

func expectError(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Type != MsgError {
		t.Fatalf("got %s event, want error", env.Type)
	}
	var p ErrorPayload
	decodePayload(t, env, &p)
	if p.Code != code {
		t.Fatalf("error code = %q, want %q", p.Code, code)
	}
}

func TestClickBeforeAuthRejected(t *testing.T) {
	fx := newGatewayFixture(t)
	conn := fx.dial(t)

	send(t, conn, MsgClick, ClickPayload{Count: 1})
	expectError(t, conn, CodeNotAuthenticated)

	send(t, conn, MsgQueryCount, struct{}{})
	expectError(t, conn, CodeNotAuthenticated)
}

func TestAuthenticateBadToken(t *testing.T) {
	fx := newGatewayFixture(t)
	conn := fx.dial(t)

	send(t, conn, MsgAuthenticate, AuthenticatePayload{Token: "garbage"})
	expectError(t, conn, CodeInvalidIdentity)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	fx := newGatewayFixture(t)
	conn := fx.dial(t)

	send(t, conn, MsgAuthenticate, AuthenticatePayload{Token: uuid.NewString()})
	expectError(t, conn, CodeInvalidIdentity)
}

func TestAuthenticateBlockedUser(t *testing.T) {
	fx := newGatewayFixture(t)
	userID := fx.backend.addUser(true)
	conn := fx.dial(t)

	send(t, conn, MsgAuthenticate, AuthenticatePayload{Token: userID.String()})
	expectError(t, conn, CodeBlocked)
}

func TestInvalidClickPayload(t *testing.T) {
	fx := newGatewayFixture(t)
	userID := fx.backend.addUser(false)
	conn := fx.dial(t)

	send(t, conn, MsgAuthenticate, AuthenticatePayload{Token: userID.String()})

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"click","payload":{"count":"abc"}}`)); err != nil {
		t.Fatal(err)
	}
	expectError(t, conn, CodeInvalidInput)

	// The rejected click must not have mutated anything.
	send(t, conn, MsgQueryCount, struct{}{})
	env := readEnvelope(t, conn)
	if env.Type != MsgAnswerCount {
		t.Fatalf("got %s, want answerCount", env.Type)
	}
	var p AnswerCountPayload
	decodePayload(t, env, &p)
	if p.Count != 0 {
		t.Errorf("count after rejected click = %d, want 0", p.Count)
	}
}

func TestClickFlow(t *testing.T) {
	fx := newGatewayFixture(t)
	userID := fx.backend.addUser(false)
	conn := fx.dial(t)

	send(t, conn, MsgAuthenticate, AuthenticatePayload{Token: userID.String()})
	send(t, conn, MsgClick, ClickPayload{Count: 3})

	// The click is broadcast to every connection, including the clicker.
	env := readEnvelope(t, conn)
	if env.Type != MsgCounterUpdated {
		t.Fatalf("got %s, want counterUpdated", env.Type)
	}
	var upd CounterUpdatedPayload
	decodePayload(t, env, &upd)
	if upd.UserID != userID || upd.Count != 3 {
		t.Errorf("counterUpdated = {%s %d}, want {%s 3}", upd.UserID, upd.Count, userID)
	}

	send(t, conn, MsgQueryCount, struct{}{})
	env = readEnvelope(t, conn)
	if env.Type != MsgAnswerCount {
		t.Fatalf("got %s, want answerCount", env.Type)
	}
	var ans AnswerCountPayload
	decodePayload(t, env, &ans)
	if ans.Count != 3 {
		t.Errorf("answerCount = %d, want 3", ans.Count)
	}

	// Disconnect must flush the pending clicks to the store.
	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.backend.total(userID) == 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("disconnect flush never arrived; total = %d", fx.backend.total(userID))
}

func TestBroadcastReachesOtherConnections(t *testing.T) {
	fx := newGatewayFixture(t)
	userID := fx.backend.addUser(false)

	clicker := fx.dial(t)
	watcher := fx.dial(t) // stays unauthenticated; broadcasts still arrive

	send(t, clicker, MsgAuthenticate, AuthenticatePayload{Token: userID.String()})
	send(t, clicker, MsgClick, ClickPayload{Count: 2})

	env := readEnvelope(t, watcher)
	if env.Type != MsgCounterUpdated {
		t.Fatalf("watcher got %s, want counterUpdated", env.Type)
	}
	var upd CounterUpdatedPayload
	decodePayload(t, env, &upd)
	if upd.UserID != userID || upd.Count != 2 {
		t.Errorf("counterUpdated = {%s %d}, want {%s 2}", upd.UserID, upd.Count, userID)
	}
}

func TestSecondSessionSameUserRejected(t *testing.T) {
	fx := newGatewayFixture(t)
	userID := fx.backend.addUser(false)

	first := fx.dial(t)
	send(t, first, MsgAuthenticate, AuthenticatePayload{Token: userID.String()})
	send(t, first, MsgClick, ClickPayload{Count: 1})
	readEnvelope(t, first) // counterUpdated confirms the first auth landed

	second := fx.dial(t)
	send(t, second, MsgAuthenticate, AuthenticatePayload{Token: userID.String()})
	expectError(t, second, CodeUserConnected)
}
