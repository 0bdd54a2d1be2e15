// Package event implements the unsolicited EVENT/1.0 notification path
// (spec §4.J): a session subscribes to characteristics via /characteristics
// PUT with ev=true, and a subsequent value change is pushed to every
// subscribed session except the one that caused it. Grounded on the
// teacher's character.go listener map (AddListener/RemoveListener/
// NotifyListeners/GenerateEvent) and pyhap's accessory_driver.publish,
// extended with a
// coalescing debounce window (spec §4.J invariant: "rapid repeated
// updates to the same characteristic collapse into one event").
package event

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gohap/hap/pkg/hap/accessory"
)

// Session is anything an event can be pushed to: in practice a
// pkg/hap/transport.Conn, which already serializes its own Write calls.
type Session interface {
	io.Writer
}

type charKey struct {
	aid, iid uint64
}

type update struct {
	AID   uint64 `json:"aid"`
	IID   uint64 `json:"iid"`
	Value any    `json:"value"`
}

type sessionState struct {
	mu      sync.Mutex
	pending map[charKey]any
	timer   *time.Timer
}

// Dispatcher tracks per-session subscriptions and delivers coalesced
// EVENT/1.0 notifications. It implements accessory.Notifier so a
// Database can be wired straight to it.
type Dispatcher struct {
	debounce time.Duration

	mu    sync.Mutex
	subs  map[charKey]map[Session]bool
	state map[Session]*sessionState
}

// DefaultDebounce is the coalescing window spec §4.J names as an upper
// bound ("no more than one event per characteristic per 100ms").
const DefaultDebounce = 100 * time.Millisecond

// New creates a Dispatcher with the given coalescing window. A debounce
// of 0 delivers every change immediately, uncoalesced.
func New(debounce time.Duration) *Dispatcher {
	return &Dispatcher{
		debounce: debounce,
		subs:     map[charKey]map[Session]bool{},
		state:    map[Session]*sessionState{},
	}
}

// Subscribe registers session for notifications on (aid, iid).
func (d *Dispatcher) Subscribe(session Session, aid, iid uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := charKey{aid, iid}
	if d.subs[key] == nil {
		d.subs[key] = map[Session]bool{}
	}
	d.subs[key][session] = true
}

// Unsubscribe removes session's subscription to (aid, iid).
func (d *Dispatcher) Unsubscribe(session Session, aid, iid uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := charKey{aid, iid}
	if subs := d.subs[key]; subs != nil {
		delete(subs, session)
		if len(subs) == 0 {
			delete(d.subs, key)
		}
	}
}

// RemoveSession drops every subscription belonging to session, called
// when its connection closes.
func (d *Dispatcher) RemoveSession(session Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, subs := range d.subs {
		delete(subs, session)
		if len(subs) == 0 {
			delete(d.subs, key)
		}
	}

	if st, ok := d.state[session]; ok {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.mu.Unlock()
		delete(d.state, session)
	}
}

// Notify implements accessory.Notifier. It is called for both
// server-originated (originator == nil) and controller-originated changes;
// the controller session that caused the write (if any) never receives
// its own echo.
func (d *Dispatcher) Notify(aid, iid uint64, value any, originator any) {
	key := charKey{aid, iid}

	d.mu.Lock()
	subs := d.subs[key]
	var targets []Session
	for session := range subs {
		if originator != nil && session == originator {
			continue
		}
		targets = append(targets, session)
	}
	d.mu.Unlock()

	for _, session := range targets {
		d.queue(session, key, value)
	}
}

func (d *Dispatcher) queue(session Session, key charKey, value any) {
	d.mu.Lock()
	st := d.state[session]
	if st == nil {
		st = &sessionState{pending: map[charKey]any{}}
		d.state[session] = st
	}
	d.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	st.pending[key] = value

	if st.timer != nil {
		return // a flush is already scheduled; it will pick up this value
	}

	if d.debounce <= 0 {
		d.flush(session, st)
		return
	}

	st.timer = time.AfterFunc(d.debounce, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		d.flush(session, st)
	})
}

// flush must be called with st.mu held.
func (d *Dispatcher) flush(session Session, st *sessionState) {
	if len(st.pending) == 0 {
		st.timer = nil
		return
	}

	updates := make([]update, 0, len(st.pending))
	for key, value := range st.pending {
		updates = append(updates, update{AID: key.aid, IID: key.iid, Value: value})
	}
	st.pending = map[charKey]any{}
	st.timer = nil

	frame, err := marshalEvent(updates)
	if err != nil {
		return
	}
	if _, err := session.Write(frame); err != nil {
		go d.RemoveSession(session)
	}
}

// marshalEvent builds the raw EVENT/1.0 byte frame (spec §4.J): an
// HTTP/1.1-shaped response whose status line reads "EVENT/1.0 200 OK"
// instead of "HTTP/1.1 200 OK", same idea as the teacher's character.go
// GenerateEvent but built directly instead of patching http.Response's
// output in place (EVENT/1.0 and HTTP/1.1 differ in length, so an in-place
// byte copy would corrupt the following header bytes).
func marshalEvent(updates []update) ([]byte, error) {
	body, err := json.Marshal(struct {
		Characteristics []update `json:"characteristics"`
	}{Characteristics: updates})
	if err != nil {
		return nil, err
	}

	header := fmt.Sprintf(
		"EVENT/1.0 200 OK\r\nContent-Type: application/hap+json\r\nContent-Length: %d\r\n\r\n",
		len(body),
	)
	return append([]byte(header), body...), nil
}

var _ accessory.Notifier = (*Dispatcher)(nil)
