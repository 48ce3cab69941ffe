// Package audit records custodian operations. The gateway appends events to
// the durable store; the enclave streams its own operation log to a local
// JSONL file through an asynchronous sink.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/storage"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// Recorder appends gateway audit events to the durable store. A failed
// append fails the enclosing request; the trail must never lag the state
// it describes.
type Recorder struct {
	store storage.AuditStore
	log   *logger.Logger
}

func NewRecorder(store storage.AuditStore, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	return &Recorder{store: store, log: log}
}

// Record appends one event. Safe on a nil receiver.
func (r *Recorder) Record(ctx context.Context, ev domain.AuditEvent) error {
	if r == nil || r.store == nil {
		return nil
	}
	if _, err := r.store.AppendAudit(ctx, ev); err != nil {
		r.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"action":  ev.Action,
			"user_id": ev.UserID,
		}).Error("audit append failed")
		return errors.Internal("audit append failed", err)
	}
	return nil
}

// RecordBestEffort appends one event and drops the error. Reserved for
// failure-path bookkeeping where the primary error must win.
func (r *Recorder) RecordBestEffort(ctx context.Context, ev domain.AuditEvent) {
	_ = r.Record(ctx, ev)
}

const DefaultSinkBuffer = 1024

// Entry is one enclave operation record. Digest hashes are recorded, never
// raw digests or key material.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Op         string    `json:"op"`
	IdentityID string    `json:"identity_id,omitempty"`
	DigestHash string    `json:"digest_hash,omitempty"`
	SigType    string    `json:"sig_type,omitempty"`
	Outcome    string    `json:"outcome"`
}

// Sink writes entries as JSON lines from a background worker. Log never
// blocks; entries are dropped when the queue is full.
type Sink struct {
	w      io.Writer
	closer io.Closer

	queue   chan Entry
	once    sync.Once
	stopped atomic.Bool
	dropped atomic.Uint64

	wg sync.WaitGroup
}

// NewSink wraps an arbitrary writer, mainly for tests.
func NewSink(w io.Writer, buffer int) *Sink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	return &Sink{
		w:     w,
		queue: make(chan Entry, buffer),
	}
}

// NewFileSink appends to the JSONL file at path, creating it if needed.
func NewFileSink(path string, buffer int) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	s := NewSink(f, buffer)
	s.closer = f
	return s, nil
}

func (s *Sink) Start() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop drains the queue and closes the underlying file. It is safe to call
// more than once and on a nil receiver.
func (s *Sink) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(s.queue)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if s.closer != nil {
			return s.closer.Close()
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink stop: %w", ctx.Err())
	}
}

func (s *Sink) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Log enqueues an entry. It never blocks; entries may be dropped when the
// queue is full or the sink is stopped.
func (s *Sink) Log(e Entry) bool {
	if s == nil || s.stopped.Load() {
		return false
	}

	select {
	case s.queue <- e:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Sink) run() {
	defer s.wg.Done()

	enc := json.NewEncoder(s.w)
	for e := range s.queue {
		if s.w == nil {
			continue
		}
		_ = enc.Encode(e)
	}
}
