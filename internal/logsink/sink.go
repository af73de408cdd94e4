// Package logsink persists per-request records asynchronously and computes
// windowed aggregates over a bounded in-memory tail. The enqueue path never
// blocks the data plane: when the buffer is full the oldest record is
// dropped and counted.
package logsink

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/prismgate/gateway/internal/logging"
)

// Record is one request's log row.
type Record struct {
	RequestID      string    `json:"request_id"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	MatchedRouteID string    `json:"matched_route_id,omitempty"`
	TargetService  string    `json:"target_service,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	ClientIP       string    `json:"client_ip"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Query filters a log listing.
type Query struct {
	From    time.Time
	To      time.Time
	Path    string
	Service string
	Status  int
	Limit   int
}

// Store is the durable half of the sink.
type Store interface {
	InsertRequestLogs(ctx context.Context, recs []*Record) error
	QueryRequestLogs(ctx context.Context, q Query) ([]*Record, error)
	// PurgeRequestLogsBefore is the retention sweeper's contract; the core
	// never calls it on a schedule.
	PurgeRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds sink settings.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	FlushBatch    int
	SamplingRatio float64 // (0,1]; fraction of records kept
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.FlushBatch <= 0 {
		c.FlushBatch = 256
	}
	if c.SamplingRatio <= 0 || c.SamplingRatio > 1 {
		c.SamplingRatio = 1
	}
	return c
}

// Sink buffers records and flushes them to the store in batches. It also
// keeps a bounded tail of recent records for the analytics queries.
type Sink struct {
	mu      sync.Mutex
	buf     []*Record // pending flush, ring on overflow
	dropped atomic.Int64
	cfg     Config
	store   Store

	tail *tailWindow

	stop    chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// NewSink creates a sink and starts its flush loop. store may be nil; the
// sink then only feeds analytics.
func NewSink(cfg Config, store Store) *Sink {
	cfg = cfg.withDefaults()
	s := &Sink{
		buf:   make([]*Record, 0, cfg.BufferSize),
		cfg:   cfg,
		store: store,
		tail:  newTailWindow(cfg.BufferSize * 4),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Enqueue accepts a record without blocking. Sampling applies here, to
// successful records only: records of error responses (status >= 400, or no
// status at all) are always kept. A sampled-out record is not an error and
// not a drop.
func (s *Sink) Enqueue(rec *Record) {
	isErr := rec.StatusCode >= 400 || rec.StatusCode == 0
	if !isErr && s.cfg.SamplingRatio < 1 && rand.Float64() >= s.cfg.SamplingRatio {
		return
	}

	s.tail.add(rec)

	s.mu.Lock()
	if len(s.buf) >= s.cfg.BufferSize {
		// Drop-oldest keeps the data plane moving.
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = rec
		s.mu.Unlock()
		s.dropped.Add(1)
		return
	}
	s.buf = append(s.buf, rec)
	s.mu.Unlock()
}

// Dropped returns the monotonic count of records lost to backpressure.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes what remains and stops the loop.
func (s *Sink) Close() {
	s.stopped.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Sink) flushLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush drains the buffer to the store in batches.
func (s *Sink) flush() {
	if s.store == nil {
		s.mu.Lock()
		s.buf = s.buf[:0]
		s.mu.Unlock()
		return
	}

	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			return
		}
		n := len(s.buf)
		if n > s.cfg.FlushBatch {
			n = s.cfg.FlushBatch
		}
		batch := make([]*Record, n)
		copy(batch, s.buf[:n])
		s.buf = append(s.buf[:0], s.buf[n:]...)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.store.InsertRequestLogs(ctx, batch)
		cancel()
		if err != nil {
			logging.Warn("request log flush failed",
				zap.Int("batch", len(batch)),
				zap.Error(err),
			)
			// The batch is lost; count it rather than stall.
			s.dropped.Add(int64(len(batch)))
			return
		}
	}
}

// Query reads from the store when available, else from the in-memory tail.
func (s *Sink) Query(ctx context.Context, q Query) ([]*Record, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	if s.store != nil {
		return s.store.QueryRequestLogs(ctx, q)
	}
	return s.tail.query(q), nil
}
