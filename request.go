package resclient

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// pendingRequest is an outstanding outbound request, correlated by id. The
// original method and params are recorded alongside it.
type pendingRequest struct {
	id     uint64
	method string
	params any

	// onResult runs in the response handling turn, while the client mutex is
	// held, before the caller is woken. Subscribe responses use it to
	// materialize the resource bundle so that events arriving right after
	// the response observe the materialized state.
	onResult func(result json.RawMessage) (any, error)

	// isSubscribe suppresses the client level error event on rejection;
	// subscription failures only reject the triggering Get.
	isSubscribe bool

	ch chan requestResult
}

type requestResult struct {
	value any
	err   error
}

type queuedFrame struct {
	id    uint64
	frame []byte
}

// newRequestLocked registers a pending request and builds its frame.
func (c *Client) newRequestLocked(method string, params any, opts *pendingRequest) (*pendingRequest, []byte, error) {
	c.nextID++
	req := &pendingRequest{
		id:     c.nextID,
		method: method,
		params: params,
		ch:     make(chan requestResult, 1),
	}
	if opts != nil {
		req.onResult = opts.onResult
		req.isSubscribe = opts.isSubscribe
	}

	frame, err := json.Marshal(requestMsg{ID: req.id, Method: method, Params: params})
	if err != nil {
		return nil, nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}

	c.pending[req.id] = req
	return req, frame, nil
}

// request sends a method call to the gateway and waits for its response. If
// the transport is not ready the frame is queued and a connect is initiated;
// the frame is flushed in queue order once the connect resolves, or rejected
// with a connection error if it does not.
func (c *Client) request(ctx context.Context, method string, params any, opts *pendingRequest) (any, error) {
	c.mu.Lock()
	req, frame, err := c.newRequestLocked(method, params, opts)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	if c.ready && c.conn != nil {
		conn := c.conn
		c.unlockAndFlush()
		if err := conn.send(frame); err != nil {
			c.logger.Errorf("send failed for %s: %s", method, err)
		}
	} else {
		c.connectLocked()
		c.sendq.Add(&queuedFrame{id: req.id, frame: frame})
		c.unlockAndFlush()
	}

	return c.await(ctx, req)
}

// requestOn writes directly on the given connection, bypassing the send
// queue. Used for the version handshake, before the transport is marked
// ready; calls issued from within the OnConnect hook go through request.
func (c *Client) requestOn(ctx context.Context, conn connection, method string, params any) (any, error) {
	c.mu.Lock()
	req, frame, err := c.newRequestLocked(method, params, nil)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.unlockAndFlush()

	if err := conn.send(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, req.id)
		c.unlockAndFlush()
		return nil, err
	}
	return c.await(ctx, req)
}

// await parks the caller until the request settles. There is no caller
// driven cancellation of an in-flight call: a done context abandons the
// wait, but the request stays pending until a response or disconnect
// settles it.
func (c *Client) await(ctx context.Context, req *pendingRequest) (any, error) {
	select {
	case rr := <-req.ch:
		return rr.value, rr.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleResponseLocked correlates an inbound response with its pending
// request and settles it exactly once.
func (c *Client) handleResponseLocked(msg *inboundMsg) {
	req, ok := c.pending[*msg.ID]
	if !ok {
		c.logger.Errorf("response with unknown id %d", *msg.ID)
		return
	}
	delete(c.pending, *msg.ID)

	if msg.Error != nil {
		if !req.isSubscribe {
			c.emit(c.eventName("error"), msg.Error)
		}
		req.ch <- requestResult{err: msg.Error}
		return
	}

	if req.onResult != nil {
		v, err := req.onResult(msg.Result)
		req.ch <- requestResult{value: v, err: err}
		return
	}
	req.ch <- requestResult{value: msg.Result}
}

// rejectPendingLocked settles every outstanding request and queued frame
// with err. Called on disconnect so that no caller is left parked forever.
func (c *Client) rejectPendingLocked(err error) {
	for id, req := range c.pending {
		delete(c.pending, id)
		req.ch <- requestResult{err: err}
	}
	for c.sendq.Length() > 0 {
		c.sendq.Remove()
	}
}

// flushQueueLocked returns the queued frames in order, leaving the queue
// empty. The caller writes them after releasing the mutex.
func (c *Client) flushQueueLocked() [][]byte {
	if c.sendq.Length() == 0 {
		return nil
	}
	frames := make([][]byte, 0, c.sendq.Length())
	for c.sendq.Length() > 0 {
		qf := c.sendq.Remove().(*queuedFrame)
		if _, ok := c.pending[qf.id]; !ok {
			// Settled while queued; do not send a frame the server would
			// answer into the void.
			continue
		}
		frames = append(frames, qf.frame)
	}
	return frames
}
