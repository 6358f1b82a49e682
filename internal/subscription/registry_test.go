package subscription

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synxpo/synxpo/internal/wire"
)

type recordingSender struct {
	mu       sync.Mutex
	received []wire.Frame
}

func (r *recordingSender) Send(_ context.Context, f wire.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, f)
	return nil
}

func (r *recordingSender) frames() []wire.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Frame(nil), r.received...)
}

func TestNotifySubscribersExcludesCommitter(t *testing.T) {
	reg := New()
	a := &recordingSender{}
	b := &recordingSender{}
	reg.Subscribe("client-a", "dir-1", a)
	reg.Subscribe("client-b", "dir-1", b)

	msg := wire.Frame{Type: wire.TypeCheckVersion}
	reg.NotifySubscribers(context.Background(), "dir-1", "client-a", msg)

	require.Empty(t, a.frames())
	require.Len(t, b.frames(), 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	reg := New()
	a := &recordingSender{}
	reg.Subscribe("client-a", "dir-1", a)
	reg.Unsubscribe("client-a", "dir-1")

	reg.NotifySubscribers(context.Background(), "dir-1", "", wire.Frame{Type: wire.TypeCheckVersion})
	require.Empty(t, a.frames())
}

func TestRemoveClientTearsDownAllSubscriptions(t *testing.T) {
	reg := New()
	a := &recordingSender{}
	reg.Subscribe("client-a", "dir-1", a)
	reg.Subscribe("client-a", "dir-2", a)

	reg.RemoveClient("client-a")

	require.Empty(t, reg.Subscribers("dir-1"))
	require.Empty(t, reg.Subscribers("dir-2"))
}
