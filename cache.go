package resclient

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Get returns the resource addressed by rid, subscribing to it when it is
// not yet cached. Concurrent Gets for the same RID share the in-flight
// subscription. The context only bounds this caller's wait; the
// subscription itself runs to completion.
func (c *Client) Get(ctx context.Context, rid string) (Resource, error) {
	if rid == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "empty resource id")
	}

	c.mu.Lock()
	ci, ok := c.cache[rid]
	if ok {
		if ci.inflight != nil {
			inf := ci.inflight
			c.unlockAndFlush()
			return awaitInflight(ctx, inf)
		}
		if ci.item != nil {
			item := ci.item
			c.unlockAndFlush()
			return item, nil
		}
	} else {
		ci = newCacheItem(rid, c.handleUnsubscribe)
		c.cache[rid] = ci
	}

	inf := ci.startInflight()
	c.subscribeLocked(ci)
	c.unlockAndFlush()

	return awaitInflight(ctx, inf)
}

func awaitInflight(ctx context.Context, inf *inflightSub) (Resource, error) {
	select {
	case <-inf.done:
		return inf.item, inf.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call invokes a method on the resource and returns the raw result.
func (c *Client) Call(ctx context.Context, rid, method string, params any) (json.RawMessage, error) {
	return c.methodCall(ctx, "call", rid, method, params)
}

// Authenticate invokes an auth method on the resource.
func (c *Client) Authenticate(ctx context.Context, rid, method string, params any) (json.RawMessage, error) {
	return c.methodCall(ctx, "auth", rid, method, params)
}

func (c *Client) methodCall(ctx context.Context, action, rid, method string, params any) (json.RawMessage, error) {
	m, err := methodName(action, rid, method)
	if err != nil {
		return nil, err
	}
	v, err := c.request(ctx, m, params, nil)
	if err != nil {
		return nil, err
	}
	raw, _ := v.(json.RawMessage)
	return raw, nil
}

// Create asks the service to create a new resource and returns it cached
// and subscribed.
func (c *Client) Create(ctx context.Context, rid string, params any) (Resource, error) {
	m, err := methodName("new", rid, "")
	if err != nil {
		return nil, err
	}
	v, err := c.request(ctx, m, params, &pendingRequest{
		onResult: c.handleNewResponse,
	})
	if err != nil {
		return nil, err
	}
	return v.(Resource), nil
}

// handleNewResponse materializes the rid addressed response of a new call
// into a subscribed cache item. Runs in the response turn under the mutex.
func (c *Client) handleNewResponse(result json.RawMessage) (any, error) {
	var r newResult
	if err := json.Unmarshal(result, &r); err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	c.cacheResourcesLocked(&r.resultBundle)
	ci, ok := c.cache[r.RID]
	if !ok || ci.item == nil {
		return nil, errors.Wrap(ErrProtocol, "new response missing resource: "+r.RID)
	}
	ci.subscribed = true
	delete(c.stale, r.RID)
	return ci.item, nil
}

// SetModel updates model properties through the conventional set method.
// A property set to DeleteValue is sent as the delete action.
func (c *Client) SetModel(ctx context.Context, rid string, props map[string]any) error {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if _, del := v.(deleteValue); del {
			out[k] = deleteActionJSON
		} else {
			out[k] = v
		}
	}
	_, err := c.Call(ctx, rid, "set", out)
	return err
}

func methodName(action, rid, method string) (string, error) {
	if rid == "" {
		return "", errors.Wrap(ErrInvalidArgument, "empty resource id")
	}
	if method == "" {
		if action != "new" {
			return "", errors.Wrap(ErrInvalidArgument, "empty method name")
		}
		return action + "." + rid, nil
	}
	return action + "." + rid + "." + method, nil
}

// ResourceOn registers a handler for one or more space separated resource
// events. The registration counts as a direct reference anchoring the
// resource in the cache.
func (c *Client) ResourceOn(rid, events string, h EventHandler) error {
	evs := strings.Fields(events)
	if len(evs) == 0 {
		return errors.Wrap(ErrInvalidArgument, "no events given")
	}

	c.mu.Lock()
	ci, ok := c.cache[rid]
	if !ok {
		c.mu.Unlock()
		return errors.Wrap(ErrNotFound, rid)
	}
	ci.addDirect()
	c.unlockAndFlush()

	for _, ev := range evs {
		c.bus.On(c.resourceEventName(rid, ev), h)
	}
	return nil
}

// ResourceOff removes a handler registered with ResourceOn and drops the
// direct reference. When the last direct reference goes, the resource is
// unsubscribed and may be evicted.
func (c *Client) ResourceOff(rid, events string, h EventHandler) error {
	evs := strings.Fields(events)
	if len(evs) == 0 {
		return errors.Wrap(ErrInvalidArgument, "no events given")
	}

	c.mu.Lock()
	ci, ok := c.cache[rid]
	if !ok {
		c.mu.Unlock()
		return errors.Wrap(ErrNotFound, rid)
	}
	for _, ev := range evs {
		c.bus.Off(c.resourceEventName(rid, ev), h)
	}
	ci.removeDirect()
	c.unlockAndFlush()
	return nil
}

// On registers a handler for client level events: connect, close, error.
func (c *Client) On(events string, h EventHandler) {
	for _, ev := range strings.Fields(events) {
		c.bus.On(c.eventName(ev), h)
	}
}

// Off removes a handler registered with On.
func (c *Client) Off(events string, h EventHandler) {
	for _, ev := range strings.Fields(events) {
		c.bus.Off(c.eventName(ev), h)
	}
}

// subscribeLocked marks the item subscribed, removes it from the stale set
// and issues the subscribe request. The response is materialized in the
// response handling turn; failures funnel into handleFailedSubscribe.
func (c *Client) subscribeLocked(ci *cacheItem) {
	ci.subscribed = true
	delete(c.stale, ci.rid)

	rid := ci.rid
	go func() {
		_, err := c.request(context.Background(), "subscribe."+rid, nil, &pendingRequest{
			isSubscribe: true,
			onResult: func(result json.RawMessage) (any, error) {
				return nil, c.handleSubscribeResponse(ci, result)
			},
		})
		if err != nil {
			c.mu.Lock()
			c.handleFailedSubscribe(ci, err)
			c.unlockAndFlush()
		}
	}()
}

// handleSubscribeResponse materializes the response bundle and resolves the
// shared in-flight subscription. Runs under the mutex in the response turn,
// so events for the same RID arriving after the response observe the
// materialized state.
func (c *Client) handleSubscribeResponse(ci *cacheItem, result json.RawMessage) error {
	var b resultBundle
	if len(result) > 0 {
		if err := json.Unmarshal(result, &b); err != nil {
			return errors.Wrap(ErrProtocol, err.Error())
		}
	}
	c.cacheResourcesLocked(&b)

	if ci.item == nil {
		return errors.Wrap(ErrProtocol, "subscribe response missing resource: "+ci.rid)
	}
	ci.settleInflight(ci.item, nil)
	return nil
}

// handleFailedSubscribe rejects the waiting Gets and lets the reference
// state engine decide the item's fate. A freshly created item is evicted; a
// stale resubscription failure leaves the item stale with its listeners
// told it is no longer subscribed.
func (c *Client) handleFailedSubscribe(ci *cacheItem, err error) {
	ci.subscribed = false
	ci.settleInflight(nil, err)
	if ci.direct > 0 {
		c.emit(c.resourceEventName(ci.rid, "unsubscribe"), ci.item)
	}
	c.tryDelete(ci)
}

// cacheResourcesLocked materializes a resource bundle in three phases:
// create every missing cache item, then initialize the fresh ones, then
// reconcile the pre-existing ones. The order guarantees that reference
// resolution in phase two always finds a cache item, even for cyclic
// graphs, and that no user visible event fires during phase one.
func (c *Client) cacheResourcesLocked(b *resultBundle) {
	if b.empty() {
		return
	}

	fresh := make([]*cacheItem, 0, len(b.Models)+len(b.Collections)+len(b.Errors))
	syncModels := make(map[string]map[string]json.RawMessage)
	syncCollections := make(map[string][]json.RawMessage)

	// Create phase.
	for rid := range b.Models {
		if ci := c.createItemLocked(rid, typeModel); ci != nil {
			if ci.item != nil {
				syncModels[rid] = b.Models[rid]
			} else {
				ci.setItem(c.modelTypes.getFactory(rid)(rid), typeModel)
				fresh = append(fresh, ci)
			}
		}
	}
	for rid := range b.Collections {
		if ci := c.createItemLocked(rid, typeCollection); ci != nil {
			if ci.item != nil {
				syncCollections[rid] = b.Collections[rid]
			} else {
				ci.setItem(c.collectionTypes.getFactory(rid)(rid), typeCollection)
				fresh = append(fresh, ci)
			}
		}
	}
	for rid, rerr := range b.Errors {
		if ci := c.createItemLocked(rid, typeError); ci != nil && ci.item == nil {
			ci.setItem(&resErrorResource{rid: rid, err: rerr}, typeError)
			fresh = append(fresh, ci)
		}
	}

	// Init phase.
	for _, ci := range fresh {
		switch ci.typ {
		case typeModel:
			ci.item.(modelInternal).initModel(c.prepareProps(b.Models[ci.rid]))
		case typeCollection:
			ci.item.(collectionInternal).initCollection(c.prepareSlice(b.Collections[ci.rid]))
		}
	}

	// Sync phase.
	for rid, props := range syncModels {
		c.syncModel(c.cache[rid], props)
	}
	for rid, values := range syncCollections {
		c.syncCollection(c.cache[rid], values)
	}
}

// createItemLocked ensures a cache item for rid exists and is type
// consistent. A type mismatch with an earlier materialization is a protocol
// violation; the entry is logged and skipped.
func (c *Client) createItemLocked(rid string, typ resourceType) *cacheItem {
	ci, ok := c.cache[rid]
	if !ok {
		ci = newCacheItem(rid, c.handleUnsubscribe)
		c.cache[rid] = ci
	}
	if ci.typ != typeNone && ci.typ != typ {
		c.logger.Errorf("resource type inconsistency for %s: cached %s, received %s", rid, ci.typ, typ)
		return nil
	}
	return ci
}

// prepareProps resolves reference values of a model snapshot against the
// cache, bumping the indirect count of every referenced item.
func (c *Client) prepareProps(props map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(props))
	for k, raw := range props {
		v, err := c.prepareValue(raw)
		if err != nil {
			c.logger.Errorf("dropping model value %s: %s", k, err)
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Client) prepareSlice(values []json.RawMessage) []any {
	out := make([]any, 0, len(values))
	for _, raw := range values {
		v, err := c.prepareValue(raw)
		if err != nil {
			c.logger.Errorf("dropping collection value: %s", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// prepareValue decodes a snapshot value, replacing resource references with
// the cached item and counting the new inbound edge. The delete sentinel is
// only meaningful in change events and is rejected here.
func (c *Client) prepareValue(raw json.RawMessage) (any, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case refValue:
		ref, ok := c.cache[t.rid]
		if !ok || ref.item == nil {
			return nil, errors.Wrap(ErrProtocol, "reference to unknown resource: "+t.rid)
		}
		ref.addIndirect()
		return ref.item, nil
	case deleteValue:
		return nil, errors.Wrap(ErrProtocol, "delete action outside change event")
	default:
		return v, nil
	}
}

// syncModel reconciles a pre-existing model against a fresh snapshot by
// routing it through the change pipeline; the model's diff emits a single
// change event carrying only the properties that differ.
func (c *Client) syncModel(ci *cacheItem, props map[string]json.RawMessage) {
	c.processChange(ci, props)
}

// syncCollection reconciles a pre-existing collection against a fresh
// snapshot. An LCS diff produces the remove and add events the missed event
// stream would have produced, preserving identity of matched elements.
func (c *Client) syncCollection(ci *cacheItem, values []json.RawMessage) {
	col, ok := ci.item.(collectionInternal)
	if !ok {
		c.logger.Errorf("collection sync on non-collection %s", ci.rid)
		return
	}

	// Snapshot the current values; the remove callbacks mutate the backing
	// slice while the diff is still walking it.
	a := append([]any(nil), col.rawValues()...)
	bv := make([]any, len(values))
	for i, raw := range values {
		v, err := decodeValue(raw)
		if err != nil {
			c.logger.Errorf("collection sync for %s: %s", ci.rid, err)
			return
		}
		bv[i] = v
	}

	eq := func(av any, bIdx int) bool {
		if rv, ok := bv[bIdx].(refValue); ok {
			r, ok := av.(Resource)
			return ok && r.ResourceID() == rv.rid
		}
		return valueEqual(av, bv[bIdx])
	}

	patchDiff(a, len(bv), eq,
		func(idx int) {
			c.processRemove(ci, idx)
		},
		func(bIdx, idx int) {
			c.processAdd(ci, values[bIdx], idx)
		},
	)
}

// handleUnsubscribe is the cache item callback for a direct count reaching
// zero. A subscribed item is unsubscribed from the gateway first; either
// way the reference state engine decides what survives.
func (c *Client) handleUnsubscribe(ci *cacheItem) {
	if !ci.subscribed {
		c.tryDelete(ci)
		return
	}

	rid := ci.rid
	go func() {
		if _, err := c.request(context.Background(), "unsubscribe."+rid, nil, nil); err != nil {
			c.logger.Errorf("unsubscribe %s failed: %s", rid, err)
		}
		c.mu.Lock()
		ci.subscribed = false
		c.tryDelete(ci)
		c.unlockAndFlush()
	}()
}
