package wire

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrConnectionClosed is delivered to every pending handler when a session
// tears down (spec §4.2/§4.6: "all pending handlers are invoked with a
// connection_closed error").
var ErrConnectionClosed = fmt.Errorf("wire: connection_closed")

// Handler is invoked synchronously from the owning session's receive loop
// when a matching frame arrives (success) or the session tears down
// (err == ErrConnectionClosed, msg == nil).
type Handler func(msg Message, err error)

type pending struct {
	variant reflect.Type
	handler Handler
}

// Dispatcher routes inbound frames to one-shot per-correlation handlers or
// to a standing default handler per variant. Dispatch is called only from
// the owning connection's receive loop; Register, RegisterDefault and Close
// may be called from other goroutines (rpc.Link registers from each caller
// of Call) and are guarded by mu.
type Dispatcher struct {
	mu       sync.Mutex
	pending  map[uint32]pending
	defaults map[reflect.Type]Handler
	log      *logrus.Entry
}

// NewDispatcher creates an empty dispatcher. log may be nil, in which case
// a package-level default logger is used.
func NewDispatcher(log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		pending:  make(map[uint32]pending),
		defaults: make(map[reflect.Type]Handler),
		log:      log,
	}
}

// Register installs a one-shot handler for id, fired only when a frame of
// the same concrete type as zeroValueOfV arrives with InReplyTo == id.
// Passing a nil handler clears any existing registration for id.
func (d *Dispatcher) Register(id uint32, zeroValueOfV Message, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if handler == nil {
		delete(d.pending, id)
		return
	}
	d.pending[id] = pending{variant: reflect.TypeOf(zeroValueOfV), handler: handler}
}

// RegisterDefault installs a standing handler used when a frame of the
// given variant arrives with no pending id match. Passing a nil handler
// clears the default for that variant.
func (d *Dispatcher) RegisterDefault(zeroValueOfV Message, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := reflect.TypeOf(zeroValueOfV)
	if handler == nil {
		delete(d.defaults, t)
		return
	}
	d.defaults[t] = handler
}

// Dispatch looks up a handler for msg by (InReplyTo, concrete type) and
// invokes it. It returns false if no pending handler and no default handler
// exist for the variant — the caller (the owning session) must treat this
// as the unhandled-message hook firing and close the connection per spec
// §4.2.
func (d *Dispatcher) Dispatch(msg Message) bool {
	t := reflect.TypeOf(msg)
	inReplyTo := msg.Ident().InReplyTo

	d.mu.Lock()
	if inReplyTo != 0 {
		if p, ok := d.pending[inReplyTo]; ok && p.variant == t {
			delete(d.pending, inReplyTo)
			d.mu.Unlock()
			p.handler(msg, nil)
			return true
		}
	}
	h, ok := d.defaults[t]
	d.mu.Unlock()

	if ok {
		h(msg, nil)
		return true
	}

	d.log.WithField("variant", msg.WireType().String()).Warn("unhandled wire message")
	return false
}

// Close drains all pending one-shot handlers, invoking each with
// ErrConnectionClosed. Defaults are left registered (they belong to the
// session's own lifecycle, not to any one handler).
func (d *Dispatcher) Close() {
	d.mu.Lock()
	drained := d.pending
	d.pending = make(map[uint32]pending)
	d.mu.Unlock()

	for _, p := range drained {
		p.handler(nil, ErrConnectionClosed)
	}
}
