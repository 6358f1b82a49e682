package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/synxpoerr"
	"github.com/synxpo/synxpo/internal/wire"
)

// waiterMap holds, per in-flight request id, a one-shot slot the caller
// blocks on. The read loop delivers the matching reply there by request id;
// everything without a matching waiter (server pushes: CHECK_VERSION,
// unsolicited FILE_WRITE/FILE_WRITE_END during a download) goes to
// callbackCh instead.
type waiterMap struct {
	mu sync.Mutex
	m  map[string]chan wire.Frame
}

func newWaiterMap() *waiterMap {
	return &waiterMap{m: make(map[string]chan wire.Frame)}
}

func (w *waiterMap) register(reqID string) chan wire.Frame {
	ch := make(chan wire.Frame, 1)
	w.mu.Lock()
	w.m[reqID] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiterMap) deliver(reqID string, f wire.Frame) bool {
	w.mu.Lock()
	ch, ok := w.m[reqID]
	if ok {
		delete(w.m, reqID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

func (w *waiterMap) forget(reqID string) {
	w.mu.Lock()
	delete(w.m, reqID)
	w.mu.Unlock()
}

// readLoop is the single reader of e.tx. It never blocks on application
// logic: waiter deliveries are buffered sends, and pushes are handed to
// callbackCh for the reconciliation goroutine to pick up.
func (e *Engine) readLoop(ctx context.Context) {
	defer close(e.callbackCh)
	for {
		f, err := e.tx.Recv(ctx)
		if err != nil {
			logger.Warn("syncengine: transport closed: %v", err)
			return
		}
		if f.RequestID != "" && e.waiters.deliver(f.RequestID, f) {
			continue
		}
		select {
		case e.callbackCh <- f:
		case <-ctx.Done():
			return
		}
	}
}

// sendRequest mints a fresh request id, sends payload as typ, and blocks
// for the matching reply or timeout. This is the "make an async stream
// look synchronous" translation spec §5 calls for.
func (e *Engine) sendRequest(ctx context.Context, typ string, payload any, timeout time.Duration) (wire.Frame, error) {
	reqID := wire.NewID()
	frame, err := wire.NewFrame(typ, reqID, payload)
	if err != nil {
		return wire.Frame{}, synxpoerr.NewInternal("build request frame", err)
	}

	ch := e.waiters.register(reqID)
	if err := e.tx.Send(ctx, frame); err != nil {
		e.waiters.forget(reqID)
		return wire.Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == wire.TypeError {
			var em wire.ErrorMessage
			if decErr := reply.Decode(&em); decErr == nil {
				return reply, translateErrorMessage(em)
			}
		}
		return reply, nil
	case <-timer.C:
		e.waiters.forget(reqID)
		return wire.Frame{}, synxpoerr.ErrTimeout
	case <-ctx.Done():
		e.waiters.forget(reqID)
		return wire.Frame{}, synxpoerr.ErrCancelled
	}
}

func translateErrorMessage(em wire.ErrorMessage) error {
	switch em.Code {
	case wire.ErrCodeDirectoryNotFound:
		return synxpoerr.NewNotFound(synxpoerr.KindDirectory, "")
	case wire.ErrCodeFileNotFound:
		return synxpoerr.NewNotFound(synxpoerr.KindFile, "")
	case wire.ErrCodeTimeout:
		return synxpoerr.ErrTimeout
	default:
		return synxpoerr.NewInternal(em.Message, nil)
	}
}

// nextCallback blocks for the next unsolicited server push, used both by
// the reconciliation loop's top-level dispatch and, re-entrantly, by an
// active download reading its own FILE_WRITE stream.
func (e *Engine) nextCallback(ctx context.Context) (wire.Frame, bool) {
	select {
	case f, ok := <-e.callbackCh:
		return f, ok
	case <-ctx.Done():
		return wire.Frame{}, false
	}
}
