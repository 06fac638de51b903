package resclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectHandshake(t *testing.T) {
	c, conns := newTestClient()
	mc := connectTestClient(t, c, conns)

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 10202, c.protocol)
	mc.expectNoneSent(t)
}

func TestConnectLegacyGateway(t *testing.T) {
	c, conns := newTestClient()

	done := make(chan error, 1)
	go func() {
		done <- c.Connect(context.Background())
	}()
	mc := <-conns
	ver := mc.expectSent(t)
	require.Equal(t, "version", ver.Method)
	mc.replyError(ver.ID, "system.invalidRequest", "unknown method")

	require.NoError(t, <-done)
	assert.Equal(t, legacyProtocol, c.protocol)
}

func TestConnectEmitsConnectEvent(t *testing.T) {
	c, conns := newTestClient()

	connected := make(chan struct{}, 1)
	c.On("connect", func(any) { connected <- struct{}{} })

	connectTestClient(t, c, conns)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connect event never emitted")
	}
}

func TestDisconnectRejectsPendingConnect(t *testing.T) {
	c, conns := newTestClient()

	done := make(chan error, 1)
	go func() {
		done <- c.Connect(context.Background())
	}()
	mc := <-conns
	mc.expectSent(t) // version request left unanswered

	c.Disconnect()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisconnect)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestOnConnectHookAuthenticates(t *testing.T) {
	hookDone := make(chan error, 1)
	c, conns := newTestClient(WithOnConnect(func(c *Client) error {
		_, err := c.Authenticate(context.Background(), "auth.service", "login", map[string]any{"token": "t"})
		hookDone <- err
		return err
	}))

	done := make(chan error, 1)
	go func() {
		done <- c.Connect(context.Background())
	}()
	mc := <-conns
	ver := mc.expectSent(t)
	mc.reply(ver.ID, `{"protocol":"1.2.2"}`)

	// The hook's call is sent directly, before the connect resolves.
	auth := mc.expectSent(t)
	require.Equal(t, "auth.auth.service.login", auth.Method)
	mc.reply(auth.ID, `null`)

	require.NoError(t, <-hookDone)
	require.NoError(t, <-done)
}

func TestOnConnectFailureClosesTransport(t *testing.T) {
	c, conns := newTestClient(WithOnConnect(func(*Client) error {
		return errors.New("no access")
	}))

	done := make(chan error, 1)
	go func() {
		done <- c.Connect(context.Background())
	}()
	mc := <-conns
	ver := mc.expectSent(t)
	mc.reply(ver.ID, `{"protocol":"1.2.2"}`)

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionError)
}

func TestCallResolvesResult(t *testing.T) {
	c, conns := newTestClient()
	mc := connectTestClient(t, c, conns)

	done := make(chan json.RawMessage, 1)
	go func() {
		res, err := c.Call(context.Background(), "example.service", "echo", map[string]any{"v": 1})
		require.NoError(t, err)
		done <- res
	}()

	call := mc.expectSent(t)
	require.Equal(t, "call.example.service.echo", call.Method)
	mc.reply(call.ID, `{"v":1}`)

	assert.JSONEq(t, `{"v":1}`, string(<-done))
}

func TestCallRejectsWithServerError(t *testing.T) {
	c, conns := newTestClient()
	mc := connectTestClient(t, c, conns)

	var emitted any
	c.On("error", func(data any) { emitted = data })

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "example.service", "boom", nil)
		done <- err
	}()

	call := mc.expectSent(t)
	mc.replyError(call.ID, "custom.failure", "it broke")

	err := <-done
	var rerr *ResError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "custom.failure", rerr.Code)
	assert.Equal(t, "it broke", rerr.Message)

	require.NotNil(t, emitted)
	assert.Equal(t, rerr, emitted)
}

func TestCallValidation(t *testing.T) {
	c, _ := newTestClient()

	_, err := c.Call(context.Background(), "example.service", "", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Call(context.Background(), "", "method", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Authenticate(context.Background(), "example.service", "", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCallWhileDisconnectedQueuesUntilConnected(t *testing.T) {
	c, conns := newTestClient()

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "example.service", "foo", nil)
		done <- err
	}()

	// The call triggers the connect; its frame must wait for the handshake.
	mc := <-conns
	ver := mc.expectSent(t)
	require.Equal(t, "version", ver.Method)
	mc.reply(ver.ID, `{"protocol":"1.2.2"}`)

	call := mc.expectSent(t)
	require.Equal(t, "call.example.service.foo", call.Method)
	mc.reply(call.ID, `null`)

	require.NoError(t, <-done)
}

func TestConnectFailureRejectsQueuedCall(t *testing.T) {
	c, _ := newTestClient()
	c.dialFn = func(ctx context.Context) (connection, error) {
		return nil, errors.New("refused")
	}

	_, err := c.Call(context.Background(), "example.service", "foo", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionError)
}

func TestCreateMaterializesSubscribedResource(t *testing.T) {
	c, conns := newTestClient()
	mc := connectTestClient(t, c, conns)

	done := make(chan Resource, 1)
	go func() {
		res, err := c.Create(context.Background(), "example.things", map[string]any{"v": 5})
		require.NoError(t, err)
		done <- res
	}()

	req := mc.expectSent(t)
	require.Equal(t, "new.example.things", req.Method)
	mc.reply(req.ID, `{"rid":"example.things.42","models":{"example.things.42":{"v":5}}}`)

	res := <-done
	assert.Equal(t, "example.things.42", res.ResourceID())

	ci := item(c, "example.things.42")
	require.NotNil(t, ci)
	assert.True(t, ci.subscribed)
}

func TestSetModelRewritesDeleteSentinel(t *testing.T) {
	c, conns := newTestClient()
	mc := connectTestClient(t, c, conns)

	done := make(chan error, 1)
	go func() {
		done <- c.SetModel(context.Background(), "example.model", map[string]any{
			"msg":  "x",
			"gone": DeleteValue,
		})
	}()

	call := mc.expectSent(t)
	require.Equal(t, "call.example.model.set", call.Method)

	var params map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(call.Params.(json.RawMessage), &params))
	assert.JSONEq(t, `"x"`, string(params["msg"]))
	assert.JSONEq(t, `{"action":"delete"}`, string(params["gone"]))

	mc.reply(call.ID, `null`)
	require.NoError(t, <-done)
}

func TestUnknownResponseIDIsIgnored(t *testing.T) {
	c, conns := newTestClient()
	mc := connectTestClient(t, c, conns)

	// A response nothing asked for must not break the pipeline.
	mc.reply(999, `null`)

	getResource(t, c, mc, "example.model", `{"models":{"example.model":{"msg":"hi"}}}`)
}

func TestStaleOnDisconnectAndRecoveredOnReconnect(t *testing.T) {
	c, conns := newTestClient(WithReconnectDelay(10 * time.Millisecond))
	mc := connectTestClient(t, c, conns)

	getResource(t, c, mc, "example.model", `{"models":{"example.model":{"msg":"hi"}}}`)
	require.NoError(t, c.ResourceOn("example.model", "change", func(any) {
		t.Error("no change event expected across an unchanged reconnect")
	}))

	closed := make(chan struct{}, 1)
	c.On("close", func(any) { closed <- struct{}{} })

	mc.lose(errors.New("broken pipe"))
	<-closed

	ci := item(c, "example.model")
	require.NotNil(t, ci, "a resource with listeners survives the disconnect")
	assert.False(t, ci.subscribed)
	c.mu.Lock()
	_, stale := c.stale["example.model"]
	c.mu.Unlock()
	assert.True(t, stale)

	// Reconnect fires after the delay; the stale resource is resubscribed
	// from the connect path.
	mc2 := <-conns
	ver := mc2.expectSent(t)
	require.Equal(t, "version", ver.Method)
	mc2.reply(ver.ID, `{"protocol":"1.2.2"}`)

	sub := mc2.expectSent(t)
	require.Equal(t, "subscribe.example.model", sub.Method)
	mc2.reply(sub.ID, `{"models":{"example.model":{"msg":"hi"}}}`)

	waitFor(t, func() bool {
		ci := item(c, "example.model")
		return ci != nil && ci.subscribed
	})
	c.mu.Lock()
	staleLen := len(c.stale)
	c.mu.Unlock()
	assert.Zero(t, staleLen)
}

func TestDisconnectEvictsUnanchoredResources(t *testing.T) {
	c, conns := newTestClient()
	mc := connectTestClient(t, c, conns)

	getResource(t, c, mc, "example.model", `{"models":{"example.model":{"msg":"hi"}}}`)

	mc.lose(errors.New("gone"))

	// Nothing anchors the resource, so the disconnect sweep evicts it and
	// no reconnect is scheduled for an empty cache.
	assert.Nil(t, item(c, "example.model"))
	assert.Zero(t, cacheLen(c))
}

func TestStaleResubscribeAfterServerUnsubscribe(t *testing.T) {
	c, conns := newTestClient(WithSubscribeStaleDelay(10 * time.Millisecond))
	mc := connectTestClient(t, c, conns)

	getResource(t, c, mc, "example.model", `{"models":{"example.model":{"msg":"hi"}}}`)
	require.NoError(t, c.ResourceOn("example.model", "change", func(any) {}))

	// The gateway drops the subscription; the listener keeps the resource
	// cached as stale, and the delayed resubscribe restores it.
	mc.recv(`{"event":"example.model.unsubscribe","data":null}`)

	ci := item(c, "example.model")
	require.NotNil(t, ci)
	assert.False(t, ci.subscribed)

	sub := mc.expectSent(t)
	require.Equal(t, "subscribe.example.model", sub.Method)
	mc.reply(sub.ID, `{"models":{"example.model":{"msg":"hi"}}}`)

	waitFor(t, func() bool { return item(c, "example.model").subscribed })
}

func TestCollectionSyncAfterReconnect(t *testing.T) {
	c, conns := newTestClient(WithReconnectDelay(10 * time.Millisecond))
	mc := connectTestClient(t, c, conns)

	res := getResource(t, c, mc, "example.list", `{"collections":{"example.list":[1,2,3,4,5]}}`)
	col := res.(*Collection)

	var events []string
	require.NoError(t, c.ResourceOn("example.list", "add remove", func(data any) {
		switch ev := data.(type) {
		case AddEvent:
			events = append(events, "add")
			assert.Equal(t, 3, ev.Idx)
			assert.Equal(t, float64(6), ev.Value)
		case RemoveEvent:
			events = append(events, "remove")
			assert.Equal(t, 1, ev.Idx)
		}
	}))

	mc.lose(errors.New("gone"))

	mc2 := <-conns
	ver := mc2.expectSent(t)
	mc2.reply(ver.ID, `{"protocol":"1.2.2"}`)

	sub := mc2.expectSent(t)
	require.Equal(t, "subscribe.example.list", sub.Method)
	mc2.reply(sub.ID, `{"collections":{"example.list":[1,3,4,6,5]}}`)

	waitFor(t, func() bool { return item(c, "example.list").subscribed })

	assert.Equal(t, []string{"remove", "add"}, events)
	assert.Equal(t, []any{float64(1), float64(3), float64(4), float64(6), float64(5)}, col.Values())
}

func TestResolveWsURL(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"ws://host/ws", "ws://host/ws"},
		{"wss://host/ws", "wss://host/ws"},
		{"http://host/ws", "ws://host/ws"},
		{"https://host/ws", "wss://host/ws"},
		{"host:8080/ws", "ws://host:8080/ws"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.out, resolveWsURL(tc.in), tc.in)
	}
}
