// Package logger implements a non-blocking, capacity-bounded activity log.
//
// Entries are written to an internal buffered channel and absorbed into a
// fixed-size ring buffer by a background goroutine — so recording activity
// never blocks a request handler. If the channel fills up, new entries are
// dropped and counted in Dropped. The ring keeps the most recent entries for
// the admin surface; older ones are overwritten.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 1_000
	ringCapacity  = 500
)

// Entry is one recorded gateway event.
type Entry struct {
	Time   time.Time `json:"time"`
	Level  string    `json:"level"`
	Event  string    `json:"event"`
	Detail string    `json:"detail,omitempty"`
}

// ActivityLog is the in-process event buffer behind GET /admin/logs.
type ActivityLog struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.RWMutex
	ring  []Entry
	next  int
	total int

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// New starts the activity log consumer. ctx bounds the background goroutine.
func New(ctx context.Context, slogger *slog.Logger) (*ActivityLog, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &ActivityLog{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		ring:    make([]Entry, ringCapacity),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Append records one entry. Never blocks; over capacity the entry is dropped.
func (l *ActivityLog) Append(e Entry) {
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped returns the count of entries discarded due to backpressure.
func (l *ActivityLog) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Snapshot returns the buffered entries oldest first.
func (l *ActivityLog) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.total
	if n > ringCapacity {
		n = ringCapacity
	}
	out := make([]Entry, 0, n)
	start := l.next - n
	if start < 0 {
		start += ringCapacity
	}
	for i := 0; i < n; i++ {
		out = append(out, l.ring[(start+i)%ringCapacity])
	}
	return out
}

// Close drains pending entries and stops the consumer.
func (l *ActivityLog) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *ActivityLog) run() {
	defer l.wg.Done()

	absorb := func(e Entry) {
		if e.Time.IsZero() {
			e.Time = time.Now().UTC()
		}
		l.mu.Lock()
		l.ring[l.next] = e
		l.next = (l.next + 1) % ringCapacity
		l.total++
		l.mu.Unlock()

		l.log.LogAttrs(l.baseCtx, levelOf(e.Level), e.Event,
			slog.String("detail", e.Detail),
		)
	}

	for {
		select {
		case e := <-l.ch:
			absorb(e)

		case <-l.done:
			for {
				select {
				case e := <-l.ch:
					absorb(e)
				default:
					return
				}
			}
		}
	}
}

func levelOf(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
