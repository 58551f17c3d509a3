// ============================================================================
// dspy-jobsvc Job Store WAL - Write-Ahead Log Implementation
// ============================================================================
//
// Package: internal/jobstore/local/wal
// Purpose: durability for the embedded Job Store backend.
//
// Every Store mutation is appended here before the in-memory maps change.
// Events are batched and fsynced together (one fsync per batch instead of
// per call) by a background goroutine; Append blocks its caller only until
// its own event has been durably written, not until the whole batch
// finishes accumulating.
//
// Recovery replays the WAL tail after the last snapshot: Replay decodes
// each JSON line, verifies its checksum, and hands it to a caller-supplied
// handler that reapplies the mutation to a fresh in-memory store.
//
// ============================================================================

package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// FileInterface is the subset of *os.File the WAL needs, mockable in tests.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

type batchRequest struct {
	event Event
	errCh chan error
}

// WAL is a single append-only, checksum-verified event log file.
type WAL struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64

	batchChan     chan batchRequest
	bufferSize    int
	flushInterval time.Duration
	closed        chan struct{}
	wg            sync.WaitGroup
	isClosed      bool
}

// NewWAL opens (or creates) the log at path and starts its background
// batch-commit goroutine, resuming the sequence counter from the last
// record already on disk.
func NewWAL(path string, bufferSize int, flushInterval time.Duration) (*WAL, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create wal directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	var seq uint64
	if last, err := GetLastEvent(path); err == nil && last != nil {
		seq = last.Seq
	}

	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	w := &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		batchChan:     make(chan batchRequest, bufferSize*2),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		closed:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.batchWriter()

	return w, nil
}

// Append writes one event for jobID, blocking until it is durably flushed
// (or the WAL is closed). job, progress, and log are the optional payloads
// carried by the corresponding EventType (see types.go); callers pass only
// the one relevant to eventType and leave the others nil.
func (w *WAL) Append(eventType EventType, jobID types.JobID, job *types.Job, progress *types.ProgressEvent, log *types.LogEntry) error {
	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	event := Event{
		Seq:       seq,
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  CalculateChecksum(eventType, jobID, seq),
		Job:       job,
		Progress:  progress,
		Log:       log,
	}

	errCh := make(chan error, 1)
	select {
	case w.batchChan <- batchRequest{event: event, errCh: errCh}:
		return <-errCh
	case <-w.closed:
		return ErrWALClosed
	}
}

// Replay decodes every event in order, verifying its checksum, and hands
// it to handler. It stops at the first error handler returns, or at the
// first checksum mismatch.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open wal for replay: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode wal event: %w", err)
		}
		if !VerifyChecksum(event) {
			return ErrChecksumMismatch
		}
		if err := handler(&event); err != nil {
			return err
		}
	}
	return nil
}

// Rotate closes the current file, renames it aside, and starts a fresh
// empty log with sequence reset to zero. Callers must have just taken a
// snapshot covering everything in the old file.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return ErrWALClosed
	}
	w.isClosed = true
	w.mu.Unlock()

	close(w.closed)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.closed = make(chan struct{})
	w.wg.Add(1)
	go w.batchWriter()
	w.isClosed = false

	return nil
}

// Close flushes and closes the WAL. The instance must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	w.mu.Unlock()

	close(w.closed)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// GetLastSeq returns the highest sequence number written so far.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *WAL) batchWriter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]batchRequest, 0, w.bufferSize)

	for {
		select {
		case req := <-w.batchChan:
			batch = append(batch, req)
			if len(batch) >= w.bufferSize {
				w.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = batch[:0]
			}
		case <-w.closed:
			if len(batch) > 0 {
				w.flushBatch(batch)
			}
			return
		}
	}
}

func (w *WAL) flushBatch(batch []batchRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var flushErr error
	for i := range batch {
		if err := w.encoder.Encode(batch[i].event); err != nil {
			flushErr = fmt.Errorf("encode wal event: %w", err)
			break
		}
	}
	if flushErr == nil {
		if err := w.file.Sync(); err != nil {
			flushErr = fmt.Errorf("sync wal: %w", err)
		}
	}

	for i := range batch {
		batch[i].errCh <- flushErr
		close(batch[i].errCh)
	}
}

// GetLastEvent returns the last well-formed event in the log at path. An
// absent file yields ErrEmptyWAL.
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmptyWAL
		}
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return last, nil
		}
		e := event
		last = &e
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}
