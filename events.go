package resclient

import (
	"encoding/json"
	"strings"
)

// AddEvent is the payload emitted when a value is inserted into a
// collection.
type AddEvent struct {
	Idx   int
	Value any
}

// RemoveEvent is the payload emitted when a value is removed from a
// collection.
type RemoveEvent struct {
	Idx   int
	Value any
}

// handleFrame is the inbound entry point, invoked by the transport in frame
// delivery order. The cache is mutated synchronously within this turn;
// emissions queued during the turn are flushed before the next frame is
// handled.
func (c *Client) handleFrame(data []byte) {
	msg, err := parseMessage(data)
	if err != nil {
		c.logger.Errorf("dropping frame: %s", err)
		return
	}

	c.mu.Lock()
	if msg.Event != "" {
		c.handleEventLocked(msg)
	} else {
		c.handleResponseLocked(msg)
	}
	c.unlockAndFlush()
}

// handleEventLocked routes an event to its cached resource by splitting the
// event name at the last dot into "<rid>.<event>".
func (c *Client) handleEventLocked(msg *inboundMsg) {
	idx := strings.LastIndexByte(msg.Event, '.')
	if idx <= 0 || idx == len(msg.Event)-1 {
		c.logger.Errorf("malformed event name: %s", msg.Event)
		return
	}
	rid, name := msg.Event[:idx], msg.Event[idx+1:]

	ci, ok := c.cache[rid]
	if !ok {
		c.logger.Errorf("event %s for unknown resource %s", name, rid)
		return
	}

	switch name {
	case "change":
		c.handleChangeEvent(ci, msg.Data)
	case "add":
		c.handleAddEvent(ci, msg.Data)
	case "remove":
		c.handleRemoveEvent(ci, msg.Data)
	case "unsubscribe":
		c.handleUnsubscribeEvent(ci)
	default:
		var data any
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				c.logger.Errorf("event %s for %s: %s", name, rid, err)
				return
			}
		}
		c.emit(c.resourceEventName(rid, name), data)
	}
}

func (c *Client) handleChangeEvent(ci *cacheItem, data json.RawMessage) {
	var d changeEventData
	if err := json.Unmarshal(data, &d); err != nil {
		c.logger.Errorf("change event for %s: %s", ci.rid, err)
		return
	}
	c.cacheResourcesLocked(&d.resultBundle)
	c.processChange(ci, d.Values)
}

// processChange applies prepared change values to a model. Reference
// bookkeeping only follows properties that actually change, so a property
// re-set to the same reference is a net zero adjustment. Referenced items
// whose last inbound edge is severed go through the reference state engine.
func (c *Client) processChange(ci *cacheItem, values map[string]json.RawMessage) {
	m, ok := ci.item.(modelInternal)
	if !ok {
		c.logger.Errorf("change event on non-model %s", ci.rid)
		return
	}

	// Decode and validate every value before touching any count.
	vals := make(map[string]any, len(values))
	for k, raw := range values {
		v, err := decodeValue(raw)
		if err != nil {
			c.logger.Errorf("change event for %s: %s", ci.rid, err)
			return
		}
		if rv, ok := v.(refValue); ok {
			ref, ok := c.cache[rv.rid]
			if !ok || ref.item == nil {
				c.logger.Errorf("change event for %s references unknown resource %s", ci.rid, rv.rid)
				return
			}
			v = ref.item
		}
		vals[k] = v
	}

	old := m.updateModel(vals)
	if len(old) == 0 {
		return
	}

	var severed []*cacheItem
	for k, ov := range old {
		if r, ok := vals[k].(Resource); ok {
			if ref, found := c.cache[r.ResourceID()]; found {
				ref.addIndirect()
			}
		}
		if r, ok := ov.(Resource); ok {
			if ref, found := c.cache[r.ResourceID()]; found {
				ref.removeIndirect()
				severed = append(severed, ref)
			}
		}
	}

	c.emit(c.resourceEventName(ci.rid, "change"), old)

	for _, ref := range severed {
		c.tryDelete(ref)
	}
}

func (c *Client) handleAddEvent(ci *cacheItem, data json.RawMessage) {
	var d addEventData
	if err := json.Unmarshal(data, &d); err != nil {
		c.logger.Errorf("add event for %s: %s", ci.rid, err)
		return
	}
	c.cacheResourcesLocked(&d.resultBundle)
	c.processAdd(ci, d.Value, d.Idx)
}

func (c *Client) processAdd(ci *cacheItem, raw json.RawMessage, idx int) {
	col, ok := ci.item.(collectionInternal)
	if !ok {
		c.logger.Errorf("add event on non-collection %s", ci.rid)
		return
	}
	if idx < 0 || idx > len(col.rawValues()) {
		c.logger.Errorf("add event for %s with index %d out of range", ci.rid, idx)
		return
	}

	v, err := c.prepareValue(raw)
	if err != nil {
		c.logger.Errorf("add event for %s: %s", ci.rid, err)
		return
	}

	col.addValue(v, idx)
	c.emit(c.resourceEventName(ci.rid, "add"), AddEvent{Idx: idx, Value: v})
}

func (c *Client) handleRemoveEvent(ci *cacheItem, data json.RawMessage) {
	var d removeEventData
	if err := json.Unmarshal(data, &d); err != nil {
		c.logger.Errorf("remove event for %s: %s", ci.rid, err)
		return
	}
	c.processRemove(ci, d.Idx)
}

func (c *Client) processRemove(ci *cacheItem, idx int) {
	col, ok := ci.item.(collectionInternal)
	if !ok {
		c.logger.Errorf("remove event on non-collection %s", ci.rid)
		return
	}
	if idx < 0 || idx >= len(col.rawValues()) {
		c.logger.Errorf("remove event for %s with index %d out of range", ci.rid, idx)
		return
	}

	v := col.removeValue(idx)
	c.emit(c.resourceEventName(ci.rid, "remove"), RemoveEvent{Idx: idx, Value: v})

	if r, ok := v.(Resource); ok {
		if ref, found := c.cache[r.ResourceID()]; found {
			ref.removeIndirect()
			c.tryDelete(ref)
		}
	}
}

// handleUnsubscribeEvent marks the resource unsubscribed on the gateway's
// initiative and lets the reference state engine evict or stale it.
func (c *Client) handleUnsubscribeEvent(ci *cacheItem) {
	ci.subscribed = false
	c.tryDelete(ci)
	c.emit(c.resourceEventName(ci.rid, "unsubscribe"), ci.item)
}
