package dispatcher

import (
	"context"
	"strings"
	"sync"
	"time"
)

// batchAccumulator buffers content/thinking deltas and flushes them to the
// Job Store on whichever trigger fires first: a character-count threshold,
// a time interval, or an explicit forced flush at stream end (spec §4.3).
// Delivery to live subscribers still happens token-by-token via the
// Subscription Bus; only durable persistence is batched, to keep SQLite
// write volume proportional to flush count rather than token count.
type batchAccumulator struct {
	store JobStore
	jobID string

	flushInterval time.Duration
	flushChars    int

	mu       sync.Mutex
	content  strings.Builder
	thinking strings.Builder

	stopTimer chan struct{}
	timerDone chan struct{}
}

func newBatchAccumulator(store JobStore, jobID string, flushInterval time.Duration, flushChars int) *batchAccumulator {
	a := &batchAccumulator{
		store:         store,
		jobID:         jobID,
		flushInterval: flushInterval,
		flushChars:    flushChars,
		stopTimer:     make(chan struct{}),
		timerDone:     make(chan struct{}),
	}
	go a.runTimer()
	return a
}

func (a *batchAccumulator) runTimer() {
	defer close(a.timerDone)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopTimer:
			return
		case <-ticker.C:
			_ = a.flush(context.Background())
		}
	}
}

// add buffers a delta, flushing immediately if the character threshold is
// exceeded.
func (a *batchAccumulator) add(content, thinking string) {
	a.mu.Lock()
	a.content.WriteString(content)
	a.thinking.WriteString(thinking)
	overThreshold := a.content.Len()+a.thinking.Len() >= a.flushChars
	a.mu.Unlock()

	if overThreshold {
		_ = a.flush(context.Background())
	}
}

// flush persists whatever is currently buffered, if anything, and stops
// the background timer goroutine on its final call (callers should call
// flush exactly once more after the stream ends, as a forced flush).
func (a *batchAccumulator) flush(ctx context.Context) error {
	a.mu.Lock()
	content := a.content.String()
	thinking := a.thinking.String()
	a.content.Reset()
	a.thinking.Reset()
	a.mu.Unlock()

	if content == "" && thinking == "" {
		return nil
	}
	return a.store.AppendContent(ctx, a.jobID, content, thinking)
}

// stop halts the background flush timer. Must be called after the final
// flush to avoid leaking the timer goroutine.
func (a *batchAccumulator) stop() {
	close(a.stopTimer)
	<-a.timerDone
}
