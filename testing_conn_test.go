package resclient

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"
)

// mockConn is a connection test double. Frames written by the client are
// exposed on sent; tests feed inbound frames through recv, which runs the
// whole pipeline synchronously on the calling goroutine.
type mockConn struct {
	sent    chan []byte
	closeC  chan struct{}
	onFrame func([]byte)
	onClose func(error)
	reason  error
}

func newMockConn() *mockConn {
	return &mockConn{
		sent:   make(chan []byte, 64),
		closeC: make(chan struct{}),
	}
}

func (m *mockConn) start(onFrame func([]byte), onClose func(error)) {
	m.onFrame = onFrame
	m.onClose = onClose
}

func (m *mockConn) send(frame []byte) error {
	select {
	case <-m.closeC:
		return ErrConnectionError
	default:
	}
	m.sent <- frame
	return nil
}

func (m *mockConn) close() {
	select {
	case <-m.closeC:
		return
	default:
	}
	close(m.closeC)
	if m.onClose != nil {
		m.onClose(m.reason)
	}
}

func (m *mockConn) closeErr() error { return m.reason }

// recv delivers an inbound frame to the client.
func (m *mockConn) recv(frame string) {
	m.onFrame([]byte(frame))
}

// lose simulates the transport dying for the given reason.
func (m *mockConn) lose(reason error) {
	m.reason = reason
	m.close()
}

// expectSent waits for the next outbound frame and decodes it.
func (m *mockConn) expectSent(t *testing.T) requestMsg {
	t.Helper()
	select {
	case frame := <-m.sent:
		var req requestMsg
		var raw struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(frame, &raw); err != nil {
			t.Fatalf("malformed outbound frame %s: %s", frame, err)
		}
		req.ID = raw.ID
		req.Method = raw.Method
		req.Params = raw.Params
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an outbound frame")
		return requestMsg{}
	}
}

func (m *mockConn) expectNoneSent(t *testing.T) {
	t.Helper()
	select {
	case frame := <-m.sent:
		t.Fatalf("unexpected outbound frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

// reply sends a result response for the given request id.
func (m *mockConn) reply(id uint64, result string) {
	m.recv(`{"id":` + strconv.FormatUint(id, 10) + `,"result":` + result + `}`)
}

// replyError sends an error response for the given request id.
func (m *mockConn) replyError(id uint64, code, message string) {
	m.recv(`{"id":` + strconv.FormatUint(id, 10) + `,"error":{"code":"` + code + `","message":"` + message + `"}}`)
}

// newTestClient builds a client wired to mock connections. Every dial
// produces a fresh mockConn delivered on the conns channel.
func newTestClient(opts ...Option) (*Client, chan *mockConn) {
	conns := make(chan *mockConn, 4)
	c := New("test.example", opts...)
	c.bus = NewEventEmitter()
	c.dialFn = func(ctx context.Context) (connection, error) {
		mc := newMockConn()
		conns <- mc
		return mc, nil
	}
	return c, conns
}

// connectTestClient runs the connect dance: dial, version handshake.
func connectTestClient(t *testing.T, c *Client, conns chan *mockConn) *mockConn {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- c.Connect(context.Background())
	}()
	mc := <-conns
	ver := mc.expectSent(t)
	if ver.Method != "version" {
		t.Fatalf("expected version handshake, got %s", ver.Method)
	}
	mc.reply(ver.ID, `{"protocol":"1.2.2"}`)
	if err := <-done; err != nil {
		t.Fatalf("connect failed: %s", err)
	}
	return mc
}
