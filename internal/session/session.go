// Package session implements C5, the per-connection protocol dispatcher
// that drives the server side of the wire state machine (spec §4.5).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/synxpo/synxpo/internal/logger"
	"github.com/synxpo/synxpo/internal/metadata"
	"github.com/synxpo/synxpo/internal/storage"
	"github.com/synxpo/synxpo/internal/subscription"
	"github.com/synxpo/synxpo/internal/wire"
)

// Options configures the timeouts and limits a Session enforces (spec §4.5,
// §5).
type Options struct {
	FirstWriteTimeout time.Duration // ALLOW -> first FILE_WRITE
	WriteTimeout      time.Duration // between FILE_WRITE messages, and last chunk -> END
	MaxChunkSize      int           // outbound FILE_WRITE payload cap when streaming reads
	SweepInterval     time.Duration
}

// DefaultOptions matches the client's own default chunk size (§6 config)
// and generous but bounded upload timeouts.
func DefaultOptions() Options {
	return Options{
		FirstWriteTimeout: 30 * time.Second,
		WriteTimeout:      30 * time.Second,
		MaxChunkSize:      64 * 1024,
		SweepInterval:     500 * time.Millisecond,
	}
}

type pendingUpload struct {
	request            []wire.VersionIncreaseFile
	contents           map[string][]byte
	createdAt          time.Time
	lastWriteTime      time.Time
	receivedFirstWrite bool
}

// Session is one StreamSession: one per accepted connection, owning a
// minted client id and at most one in-flight PendingUpload.
type Session struct {
	id      string
	tx      wire.Transport
	storage *storage.Storage
	subs    *subscription.Registry
	opts    Options

	sendMu sync.Mutex

	mu      sync.Mutex
	pending *pendingUpload
}

var _ subscription.Sender = (*Session)(nil)

// New builds a Session with a freshly minted client id.
func New(tx wire.Transport, st *storage.Storage, subs *subscription.Registry, opts Options) *Session {
	return &Session{id: wire.NewID(), tx: tx, storage: st, subs: subs, opts: opts}
}

// ID returns the client id minted for this connection.
func (s *Session) ID() string { return s.id }

// Send implements subscription.Sender, serializing writes onto the
// connection so concurrent replies and fan-out notifications never
// interleave mid-frame.
func (s *Session) Send(ctx context.Context, f wire.Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.tx.Send(ctx, f)
}

func (s *Session) reply(ctx context.Context, requestID, typ string, payload any) error {
	f, err := wire.NewFrame(typ, requestID, payload)
	if err != nil {
		return err
	}
	return s.Send(ctx, f)
}

func (s *Session) replyError(ctx context.Context, requestID string, code wire.ErrorCode, message string, fileIDs []string) error {
	return s.reply(ctx, requestID, wire.TypeError, wire.ErrorMessage{Code: code, Message: message, FileIDs: fileIDs})
}

// Run drives the connection until the transport errors or ctx is
// cancelled, then performs the stream-termination cleanup (spec §4.5): any
// pending upload is rolled back, subscriptions are torn down, and locks are
// released.
func (s *Session) Run(ctx context.Context) error {
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go s.sweepTimeouts(sweepCtx)

	defer s.terminate()

	logger.Info("session %s: started", s.id)
	for {
		f, err := s.tx.Recv(ctx)
		if err != nil {
			logger.Info("session %s: closed: %v", s.id, err)
			return err
		}
		if err := s.dispatch(ctx, f); err != nil {
			logger.Warn("session %s: handling %s (correlation %s): %v", s.id, f.Type, f.CorrelationID, err)
		}
	}
}

func (s *Session) terminate() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		s.storage.RollbackUpload(s.id, pending.request)
	}
	s.subs.RemoveClient(s.id)
	s.storage.ReleaseLocks(s.id)
	logger.Info("session %s: cleaned up", s.id)
}

func (s *Session) dispatch(ctx context.Context, f wire.Frame) error {
	switch f.Type {
	case wire.TypeDirectoryCreate:
		return s.handleDirectoryCreate(ctx, f)
	case wire.TypeDirectorySubscribe:
		return s.handleDirectorySubscribe(ctx, f)
	case wire.TypeDirectoryUnsubscribe:
		return s.handleDirectoryUnsubscribe(ctx, f)
	case wire.TypeRequestVersion:
		return s.handleRequestVersion(ctx, f)
	case wire.TypeAskVersionIncrease:
		return s.handleAskVersionIncrease(ctx, f)
	case wire.TypeFileWrite:
		return s.handleFileWrite(ctx, f)
	case wire.TypeFileWriteEnd:
		return s.handleFileWriteEnd(ctx, f)
	case wire.TypeRequestFileContent:
		return s.handleRequestFileContent(ctx, f)
	default:
		return s.replyError(ctx, f.RequestID, wire.ErrCodeInternal, fmt.Sprintf("unknown message type %q", f.Type), nil)
	}
}

func (s *Session) handleDirectoryCreate(ctx context.Context, f wire.Frame) error {
	dirID, err := s.storage.CreateDirectory(ctx)
	if err != nil {
		return err
	}
	return s.reply(ctx, f.RequestID, wire.TypeOKDirectoryCreated, wire.OKDirectoryCreated{DirectoryID: dirID})
}

func (s *Session) handleDirectorySubscribe(ctx context.Context, f wire.Frame) error {
	var req wire.DirectorySubscribeRequest
	if err := f.Decode(&req); err != nil {
		return err
	}
	if !s.storage.DirectoryExists(req.DirectoryID) {
		return s.replyError(ctx, f.RequestID, wire.ErrCodeDirectoryNotFound, "directory not found", nil)
	}
	s.subs.Subscribe(s.id, req.DirectoryID, s)
	// No proactive CHECK_VERSION push: catch-up is the client's job via
	// REQUEST_VERSION, matching the reference server's subscribe path.
	return s.reply(ctx, f.RequestID, wire.TypeOKSubscribed, wire.OKSubscribed{DirectoryID: req.DirectoryID})
}

func (s *Session) handleDirectoryUnsubscribe(ctx context.Context, f wire.Frame) error {
	var req wire.DirectoryUnsubscribeRequest
	if err := f.Decode(&req); err != nil {
		return err
	}
	s.subs.Unsubscribe(s.id, req.DirectoryID)
	return s.reply(ctx, f.RequestID, wire.TypeOKUnsubscribed, wire.OKUnsubscribed{DirectoryID: req.DirectoryID})
}

func (s *Session) handleRequestVersion(ctx context.Context, f wire.Frame) error {
	var req wire.RequestVersionRequest
	if err := f.Decode(&req); err != nil {
		return err
	}

	var files []wire.FileMetadata
	for _, r := range req.Requests {
		if r.File != nil {
			file, err := s.storage.GetFile(ctx, r.File.DirectoryID, r.File.ID)
			if err != nil {
				continue // FileNotFound: item skipped, per §7 recovery policy.
			}
			files = append(files, file.ToWire())
			continue
		}
		dirFiles, err := s.storage.ListDirectoryState(r.DirectoryID)
		if err != nil {
			continue
		}
		for _, file := range dirFiles {
			files = append(files, file.ToWire())
		}
	}
	return s.reply(ctx, f.RequestID, wire.TypeCheckVersion, wire.CheckVersion{Files: files})
}

func (s *Session) handleAskVersionIncrease(ctx context.Context, f wire.Frame) error {
	var req wire.AskVersionIncreaseRequest
	if err := f.Decode(&req); err != nil {
		return err
	}

	results := s.storage.CheckVersionIncrease(s.id, req.Files)
	if statuses := denials(results); len(statuses) > 0 {
		return s.reply(ctx, f.RequestID, wire.TypeVersionIncreaseDeny, wire.VersionIncreaseDeny{Files: statuses})
	}

	hasContentChange := false
	for _, file := range req.Files {
		if file.ContentChanged && !file.Deleted {
			hasContentChange = true
			break
		}
	}

	s.storage.LockFilesForWrite(s.id, req.Files)

	if hasContentChange {
		s.mu.Lock()
		s.pending = &pendingUpload{
			request:       req.Files,
			contents:      make(map[string][]byte),
			createdAt:     time.Now(),
			lastWriteTime: time.Now(),
		}
		s.mu.Unlock()
		return s.reply(ctx, f.RequestID, wire.TypeVersionIncreaseAllow, wire.VersionIncreaseAllow{})
	}

	updated, err := s.storage.ApplyVersionIncrease(ctx, s.id, req.Files, nil)
	if err != nil {
		return err
	}
	if err := s.reply(ctx, f.RequestID, wire.TypeVersionIncreased, wire.VersionIncreased{Files: toWireFileMetadata(updated)}); err != nil {
		return err
	}
	s.notifyFileChanges(ctx, updated)
	return nil
}

func toWireFileMetadata(files []metadata.FileMetadata) []wire.FileMetadata {
	out := make([]wire.FileMetadata, len(files))
	for i, f := range files {
		out[i] = f.ToWire()
	}
	return out
}

func denials(results []storage.VersionCheckResult) []wire.FileStatusInfo {
	var out []wire.FileStatusInfo
	allFree := true
	for _, r := range results {
		if r.Status != wire.StatusFree {
			allFree = false
		}
	}
	if allFree {
		return nil
	}
	for _, r := range results {
		out = append(out, wire.FileStatusInfo{ID: r.FileID, DirectoryID: r.DirectoryID, Status: r.Status})
	}
	return out
}

// chunkKey picks the discriminator FILE_WRITE keys a chunk by: current_path
// if present, else id, else the first still-pending content-changing file
// in the request (spec §4.5).
func chunkKey(pending *pendingUpload, chunk wire.FileChunk) string {
	if chunk.CurrentPath != "" {
		return chunk.CurrentPath
	}
	if chunk.ID != "" {
		return chunk.ID
	}
	for _, file := range pending.request {
		if file.ContentChanged && !file.Deleted {
			if file.ID != "" {
				return file.ID
			}
			return file.CurrentPath
		}
	}
	return ""
}

func (s *Session) handleFileWrite(ctx context.Context, f wire.Frame) error {
	var req wire.FileWriteRequest
	if err := f.Decode(&req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil // FILE_WRITE without a pending upload is ignored, per spec.
	}
	key := chunkKey(s.pending, req.Chunk)
	buf := s.pending.contents[key]
	need := int(req.Chunk.Offset) + len(req.Chunk.Data)
	if len(buf) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[req.Chunk.Offset:], req.Chunk.Data)
	s.pending.contents[key] = buf
	s.pending.receivedFirstWrite = true
	s.pending.lastWriteTime = time.Now()
	return nil
}

func (s *Session) handleFileWriteEnd(ctx context.Context, f wire.Frame) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending == nil {
		return s.replyError(ctx, f.RequestID, wire.ErrCodeInternal, "FILE_WRITE_END with no pending upload", nil)
	}

	updated, err := s.storage.ApplyVersionIncrease(ctx, s.id, pending.request, pending.contents)
	if err != nil {
		return err
	}
	if err := s.reply(ctx, f.RequestID, wire.TypeVersionIncreased, wire.VersionIncreased{Files: toWireFileMetadata(updated)}); err != nil {
		return err
	}
	s.notifyFileChanges(ctx, updated)
	return nil
}

func (s *Session) handleRequestFileContent(ctx context.Context, f wire.Frame) error {
	var req wire.RequestFileContentRequest
	if err := f.Decode(&req); err != nil {
		return err
	}

	results := s.storage.CheckFilesForRead(req.Files)
	nonFree := false
	statuses := make([]wire.FileStatusInfo, len(results))
	for i, r := range results {
		statuses[i] = r
		if r.Status != wire.StatusFree {
			nonFree = true
		}
	}
	if nonFree {
		return s.reply(ctx, f.RequestID, wire.TypeFileContentDeny, wire.FileContentRequestDeny{Files: statuses})
	}

	s.storage.LockFilesForRead(req.Files)
	defer s.storage.UnlockFilesAfterRead(req.Files)

	if err := s.reply(ctx, f.RequestID, wire.TypeFileContentAllow, wire.FileContentRequestAllow{}); err != nil {
		return err
	}

	for _, id := range req.Files {
		if err := s.streamFileContent(ctx, id); err != nil {
			logger.Warn("session %s: streaming %s: %v", s.id, id.ID, err)
		}
	}
	return s.reply(ctx, "", wire.TypeFileWriteEnd, wire.FileWriteEndMessage{})
}

func (s *Session) streamFileContent(ctx context.Context, id wire.FileID) error {
	file, err := s.storage.GetFile(ctx, id.DirectoryID, id.ID)
	if err != nil {
		return err
	}
	data := file.Content
	chunkSize := s.opts.MaxChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	if len(data) == 0 {
		return s.reply(ctx, "", wire.TypeFileWrite, wire.FileWriteMessage{Chunk: wire.FileChunk{
			ID: file.ID, DirectoryID: file.DirectoryID, CurrentPath: file.CurrentPath, Offset: 0, Data: []byte{},
		}})
	}
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := wire.FileChunk{
			ID: file.ID, DirectoryID: file.DirectoryID, CurrentPath: file.CurrentPath,
			Offset: int64(offset), Data: data[offset:end],
		}
		if err := s.reply(ctx, "", wire.TypeFileWrite, wire.FileWriteMessage{Chunk: chunk}); err != nil {
			return err
		}
	}
	return nil
}

// notifyFileChanges builds one CHECK_VERSION per touched directory carrying
// the full current listing, tombstones included (not only the updated
// subset, so every peer can diff deterministically), and fans it out to
// every other subscriber.
func (s *Session) notifyFileChanges(ctx context.Context, updated []metadata.FileMetadata) {
	dirs := make(map[string]struct{})
	for _, m := range updated {
		dirs[m.DirectoryID] = struct{}{}
	}
	for dirID := range dirs {
		files, err := s.storage.ListDirectoryState(dirID)
		if err != nil {
			continue
		}
		wireFiles := make([]wire.FileMetadata, 0, len(files))
		for _, f := range files {
			wireFiles = append(wireFiles, f.ToWire())
		}
		msg, err := wire.NewFrame(wire.TypeCheckVersion, "", wire.CheckVersion{Files: wireFiles})
		if err != nil {
			continue
		}
		logger.Debug("session %s: notifying directory %s (correlation %s)", s.id, dirID, msg.CorrelationID)
		s.subs.NotifySubscribers(ctx, dirID, s.id, msg)
	}
}

func (s *Session) sweepTimeouts(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkPendingTimeout(ctx)
		}
	}
}

func (s *Session) checkPendingTimeout(ctx context.Context) {
	s.mu.Lock()
	pending := s.pending
	if pending == nil {
		s.mu.Unlock()
		return
	}
	var timedOut bool
	now := time.Now()
	if !pending.receivedFirstWrite && now.Sub(pending.createdAt) > s.opts.FirstWriteTimeout {
		timedOut = true
	} else if pending.receivedFirstWrite && now.Sub(pending.lastWriteTime) > s.opts.WriteTimeout {
		timedOut = true
	}
	if timedOut {
		s.pending = nil
	}
	s.mu.Unlock()

	if timedOut {
		s.storage.RollbackUpload(s.id, pending.request)
		if err := s.replyError(ctx, "", wire.ErrCodeTimeout, "pending upload timed out", nil); err != nil {
			logger.Warn("session %s: notify timeout: %v", s.id, err)
		}
	}
}
