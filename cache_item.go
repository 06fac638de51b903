package resclient

type resourceType byte

const (
	typeNone resourceType = iota
	typeModel
	typeCollection
	typeError
)

func (t resourceType) String() string {
	switch t {
	case typeModel:
		return "model"
	case typeCollection:
		return "collection"
	case typeError:
		return "error"
	}
	return "none"
}

// inflightSub is the shared record of an outstanding initial subscription.
// Every Get issued for the same RID while the fetch is in flight parks on
// done and observes the same outcome.
type inflightSub struct {
	done chan struct{}
	item Resource
	err  error
}

// cacheItem is the per resource cache record. All fields are owned by the
// client and mutated only while holding the client mutex.
type cacheItem struct {
	rid  string
	typ  resourceType
	item Resource

	// subscribed is true while the gateway considers this client subscribed
	// to the RID and will push events for it.
	subscribed bool

	// direct counts application listeners registered through ResourceOn.
	direct int

	// indirect counts inbound edges from other cached resources.
	indirect int

	inflight *inflightSub

	// onUnsubscribe fires when the direct count drops to zero.
	onUnsubscribe func(*cacheItem)
}

func newCacheItem(rid string, onUnsubscribe func(*cacheItem)) *cacheItem {
	return &cacheItem{rid: rid, onUnsubscribe: onUnsubscribe}
}

// setItem materializes the resource object for the item. The type is fixed
// on first materialization; a different type on a later materialization is a
// protocol violation.
func (ci *cacheItem) setItem(item Resource, typ resourceType) {
	ci.item = item
	ci.typ = typ
}

func (ci *cacheItem) addDirect() {
	ci.direct++
}

// removeDirect drops one direct reference. The unsubscribe callback fires
// only on the transition to zero; surplus calls are ignored.
func (ci *cacheItem) removeDirect() {
	if ci.direct <= 0 {
		return
	}
	ci.direct--
	if ci.direct == 0 && ci.onUnsubscribe != nil {
		ci.onUnsubscribe(ci)
	}
}

func (ci *cacheItem) addIndirect() {
	ci.indirect++
}

func (ci *cacheItem) removeIndirect() {
	ci.indirect--
	if ci.indirect < 0 {
		ci.indirect = 0
	}
}

// startInflight creates the shared subscription record if none exists.
func (ci *cacheItem) startInflight() *inflightSub {
	if ci.inflight == nil {
		ci.inflight = &inflightSub{done: make(chan struct{})}
	}
	return ci.inflight
}

// settleInflight resolves or rejects the outstanding subscription, waking
// every parked Get exactly once.
func (ci *cacheItem) settleInflight(item Resource, err error) {
	inf := ci.inflight
	if inf == nil {
		return
	}
	ci.inflight = nil
	inf.item = item
	inf.err = err
	close(inf.done)
}
