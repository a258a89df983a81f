package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newRelayConn spins up a test server whose handler registers the upgraded
// connection with the relay, dials it, and returns the client-side conn.
func newRelayConn(t *testing.T, r *Relay) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		r.Add(conn)
	}))

	before := r.ClientCount()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	// Wait for the server side to finish registering.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.ClientCount() == before {
		time.Sleep(5 * time.Millisecond)
	}
	return srv, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestPublishReachesAllClients(t *testing.T) {
	r := NewRelay(64, nil)
	srv1, conn1 := newRelayConn(t, r)
	defer srv1.Close()
	defer conn1.Close()
	srv2, conn2 := newRelayConn(t, r)
	defer srv2.Close()
	defer conn2.Close()

	if got := r.ClientCount(); got != 2 {
		t.Fatalf("ClientCount = %d, want 2", got)
	}

	r.Publish(MsgAnswerCount, AnswerCountPayload{Count: 7})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		env := readEnvelope(t, conn)
		if env.Type != MsgAnswerCount {
			t.Errorf("client %d got type %q, want %q", i, env.Type, MsgAnswerCount)
		}
	}
}

func TestPublishOrdering(t *testing.T) {
	r := NewRelay(64, nil)
	srv, conn := newRelayConn(t, r)
	defer srv.Close()
	defer conn.Close()

	const n = 20
	for i := 0; i < n; i++ {
		r.Publish(MsgAnswerCount, AnswerCountPayload{Count: int64(i)})
	}

	// Every message must arrive, in publish order.
	for i := 0; i < n; i++ {
		env := readEnvelope(t, conn)
		raw, _ := json.Marshal(env.Payload)
		var p AnswerCountPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Count != int64(i) {
			t.Fatalf("message %d arrived with count %d", i, p.Count)
		}
	}
}

func TestSlowClientEvicted(t *testing.T) {
	// A client whose send buffer is full and never drains (no writePump
	// running): the second publish cannot be queued, so the relay must
	// drop the client rather than block.
	r := NewRelay(1, nil)
	c := &client{relay: r, send: make(chan []byte, 1)}
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()

	r.Publish(MsgAnswerCount, AnswerCountPayload{Count: 1}) // fills the buffer
	r.Publish(MsgAnswerCount, AnswerCountPayload{Count: 2}) // must evict

	if got := r.ClientCount(); got != 0 {
		t.Fatalf("slow client not evicted; ClientCount = %d", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRelay(64, nil)
	srv, conn := newRelayConn(t, r)
	defer srv.Close()
	defer conn.Close()

	r.mu.RLock()
	var c *client
	for cl := range r.clients {
		c = cl
	}
	r.mu.RUnlock()
	if c == nil {
		t.Fatal("no registered client")
	}

	r.Remove(c)
	r.Remove(c) // second call must not panic on the closed channel

	if got := r.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0", got)
	}
}

func TestWritePumpRemovesClientOnWriteError(t *testing.T) {
	r := NewRelay(64, nil)

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- conn
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	clientConn.Close()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
	}

	// Build the client directly so we control when writePump starts.
	c := &client{conn: serverConn, relay: r, send: make(chan []byte, 64)}
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(fmt.Sprintf(`{"type":%q}`, MsgAnswerCount))
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", r.ClientCount())
}
