package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	fail bool
}

func (f *fakeSession) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, bytes.ErrTooLarge
	}
	return f.buf.Write(p)
}

func (f *fakeSession) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func TestNotifyDeliversToSubscribedSessionExcludingOriginator(t *testing.T) {
	d := New(0)
	a := &fakeSession{}
	b := &fakeSession{}
	d.Subscribe(a, 2, 9)
	d.Subscribe(b, 2, 9)

	d.Notify(2, 9, true, a)

	require.Empty(t, a.String())
	require.Contains(t, b.String(), "EVENT/1.0 200 OK")
	require.Contains(t, b.String(), `"aid":2`)
	require.Contains(t, b.String(), `"value":true`)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := New(0)
	a := &fakeSession{}
	d.Subscribe(a, 2, 9)
	d.Unsubscribe(a, 2, 9)

	d.Notify(2, 9, true, nil)
	require.Empty(t, a.String())
}

func TestDebounceCoalescesRapidUpdatesIntoOneFrame(t *testing.T) {
	d := New(30 * time.Millisecond)
	a := &fakeSession{}
	d.Subscribe(a, 2, 9)

	d.Notify(2, 9, 1.0, nil)
	d.Notify(2, 9, 2.0, nil)
	d.Notify(2, 9, 3.0, nil)

	time.Sleep(80 * time.Millisecond)

	out := a.String()
	require.Equal(t, 1, strings.Count(out, "EVENT/1.0 200 OK"))
	require.Contains(t, out, `"value":3`)
}

func TestRemoveSessionDropsSubscriptionsAndPendingTimer(t *testing.T) {
	d := New(30 * time.Millisecond)
	a := &fakeSession{}
	d.Subscribe(a, 2, 9)
	d.Notify(2, 9, 1.0, nil)

	d.RemoveSession(a)
	time.Sleep(60 * time.Millisecond)

	require.Empty(t, a.String())
}

func TestWriteFailureRemovesSession(t *testing.T) {
	d := New(0)
	a := &fakeSession{fail: true}
	d.Subscribe(a, 2, 9)

	d.Notify(2, 9, true, nil)
	time.Sleep(10 * time.Millisecond)

	d.mu.Lock()
	_, stillSubscribed := d.subs[charKey{2, 9}][a]
	d.mu.Unlock()
	require.False(t, stillSubscribed)
}
