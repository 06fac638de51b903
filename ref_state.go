package resclient

// Reference state classification. Whenever a cache item might have lost its
// last reason to stay cached (direct listeners dropped to zero, an
// unsubscribe arrived, an inbound reference was severed) the subgraph
// reachable from it is classified into items to evict, items to keep and
// items to demote to stale.

type refState byte

const (
	refNone refState = iota
	refDelete
	refKeep
	refStale
)

type refEntry struct {
	ci *cacheItem
	// rc is the number of inbound edges from outside the traversed subgraph
	// once pass one completes.
	rc int
	st refState
}

// travState is the parent state carried through the markDelete pass: either
// the delete state, or a stale-root token naming the item whose stale
// subscription keeps the subtree alive.
type travState struct {
	del  bool
	root string
}

// tryDelete classifies the subgraph rooted at ci and executes the outcome:
// delete marked items are evicted, stale marked items enter the stale set.
// A subscribed root needs no classification; the subscription anchors it.
func (c *Client) tryDelete(ci *cacheItem) {
	if ci == nil || ci.subscribed {
		return
	}
	if _, ok := c.cache[ci.rid]; !ok {
		return
	}

	refs := c.refStateMap(ci)
	for rid, r := range refs {
		switch r.st {
		case refStale:
			c.setStaleLocked(rid)
		case refDelete:
			c.evictLocked(r.ci)
		}
	}
}

// refStateMap runs the two traversal passes over the subgraph reachable
// from root through outbound resource edges.
//
// Pass one (seekRefs) seeds an entry per reachable unsubscribed item with
// rc = indirect minus the edges arriving from inside the subgraph, so that
// afterwards rc counts only external anchors. Pass two (markDelete) walks
// again with a parent state starting at delete, promoting externally
// anchored items to keep, orphaned items with direct listeners to stale,
// and everything else to delete.
func (c *Client) refStateMap(root *cacheItem) map[string]*refEntry {
	refs := map[string]*refEntry{
		root.rid: {ci: root, rc: root.indirect, st: refNone},
	}

	c.traverse(root, travState{}, true, func(ci *cacheItem, st travState) (travState, bool) {
		if ci.subscribed {
			return st, false
		}
		if r, ok := refs[ci.rid]; ok {
			r.rc--
			return st, false
		}
		refs[ci.rid] = &refEntry{ci: ci, rc: ci.indirect - 1, st: refNone}
		return st, true
	})

	c.traverse(root, travState{del: true}, false, func(ci *cacheItem, st travState) (travState, bool) {
		if ci.subscribed {
			return st, false
		}
		r := refs[ci.rid]
		if r == nil || r.st == refKeep {
			return st, false
		}

		if st.del {
			if r.rc > 0 {
				r.st = refKeep
				return travState{root: ci.rid}, true
			}
			if r.st != refNone {
				return st, false
			}
			if r.ci.direct > 0 {
				r.st = refStale
				return travState{root: ci.rid}, true
			}
			r.st = refDelete
			return travState{del: true}, true
		}

		// Parent state is a stale-root token. Reaching the root of the
		// stale subtree again must not let it cover itself.
		if ci.rid == st.root {
			return st, false
		}
		r.st = refKeep
		if r.rc > 0 {
			return travState{root: ci.rid}, true
		}
		return st, true
	})

	return refs
}

// traverse walks the outbound resource edges of ci depth first. The
// callback returns the state to descend with and whether to descend at all.
// With skipFirst the root's children are visited directly with the initial
// state.
func (c *Client) traverse(ci *cacheItem, st travState, skipFirst bool, f func(*cacheItem, travState) (travState, bool)) {
	if !skipFirst {
		next, descend := f(ci, st)
		if !descend {
			return
		}
		st = next
	}
	if ci.item == nil {
		return
	}
	forEachItemRef(ci.item, func(r Resource) {
		if child, ok := c.cache[r.ResourceID()]; ok {
			c.traverse(child, st, false, f)
		}
	})
}

// evictLocked removes an item from the cache and the stale set, severing
// its outbound edges. Classification already accounts for cascade, so the
// reference state engine is not re-invoked here.
func (c *Client) evictLocked(ci *cacheItem) {
	if ci.item != nil {
		forEachItemRef(ci.item, func(r Resource) {
			if ref, ok := c.cache[r.ResourceID()]; ok {
				ref.removeIndirect()
			}
		})
	}
	delete(c.cache, ci.rid)
	delete(c.stale, ci.rid)
	c.logger.Debugf("evicted %s", ci.rid)
}

func forEachItemRef(item Resource, f func(Resource)) {
	switch t := item.(type) {
	case modelInternal:
		t.forEachRef(f)
	case collectionInternal:
		t.forEachRef(f)
	}
}
