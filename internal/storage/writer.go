package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Recorder persists submissions. *DB implements it.
type Recorder interface {
	RecordSubmission(ctx context.Context, s *Submission) error
}

// LedgerWriter records submissions in the background so a slow or failing
// ledger never delays a verdict.
type LedgerWriter struct {
	rec       Recorder
	ch        chan *Submission
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	backoff   time.Duration
	onDrop    func()
}

// NewLedgerWriter creates a writer; onDrop, if set, is called for every
// record that is dropped.
func NewLedgerWriter(rec Recorder, bufferSize int, onDrop func()) *LedgerWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &LedgerWriter{
		rec:     rec,
		ch:      make(chan *Submission, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
		onDrop:  onDrop,
	}
}

func (w *LedgerWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record queues s without blocking; the record is dropped when the buffer is
// full or the writer is shutting down.
func (w *LedgerWriter) Record(s *Submission) {
	select {
	case <-w.done:
		log.Warn().Str("submission_id", s.ID).Msg("ledger writer closed, dropping submission")
		w.onDrop()
		return
	default:
	}
	select {
	case w.ch <- s:
	default:
		log.Warn().Str("submission_id", s.ID).Msg("ledger buffer full, dropping submission")
		w.onDrop()
	}
}

// Flush stops the writer and waits up to timeout for queued records.
func (w *LedgerWriter) Flush(timeout time.Duration) {
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("ledger writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("ledger writer flush timed out")
	}
}

func (w *LedgerWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case s := <-w.ch:
			w.writeWithRetry(s)
		case <-w.done:
			for {
				select {
				case s := <-w.ch:
					w.writeWithRetry(s)
				default:
					return
				}
			}
		}
	}
}

func (w *LedgerWriter) writeWithRetry(s *Submission) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.rec.RecordSubmission(ctx, s)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("submission_id", s.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("ledger write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("submission_id", s.ID).
				Msg("ledger write failed permanently after retries")
			w.onDrop()
		}
	}
}
