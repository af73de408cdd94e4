package logsink

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu   sync.Mutex
	recs []*Record
	fail bool
}

func (m *memStore) InsertRequestLogs(_ context.Context, recs []*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return context.DeadlineExceeded
	}
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *memStore) QueryRequestLogs(_ context.Context, q Query) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.recs {
		if q.Path != "" && r.Path != q.Path {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) PurgeRequestLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func rec(path, service string, status int, ms int64) *Record {
	return &Record{
		RequestID:      "id",
		Method:         "GET",
		Path:           path,
		TargetService:  service,
		ClientIP:       "1.2.3.4",
		StatusCode:     status,
		ResponseTimeMS: ms,
		CreatedAt:      time.Now(),
	}
}

func TestFlushToStore(t *testing.T) {
	store := &memStore{}
	s := NewSink(Config{BufferSize: 16, FlushInterval: 10 * time.Millisecond}, store)
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.Enqueue(rec("/a", "svc", 200, 5))
	}

	deadline := time.Now().Add(time.Second)
	for store.count() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := store.count(); got != 10 {
		t.Fatalf("flushed %d records, want 10", got)
	}
	if s.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", s.Dropped())
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	// Long flush interval: the buffer fills before any flush.
	s := NewSink(Config{BufferSize: 8, FlushInterval: time.Hour}, nil)
	defer s.Close()

	for i := 0; i < 20; i++ {
		s.Enqueue(rec("/a", "svc", 200, 1))
	}

	if got := s.Dropped(); got != 12 {
		t.Errorf("dropped = %d, want 12", got)
	}

	before := s.Dropped()
	s.Enqueue(rec("/a", "svc", 200, 1))
	if s.Dropped() != before+1 {
		t.Error("logs_dropped must be monotonic per overflow")
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	store := &memStore{}
	s := NewSink(Config{BufferSize: 64, FlushInterval: time.Hour}, store)

	for i := 0; i < 5; i++ {
		s.Enqueue(rec("/a", "svc", 200, 1))
	}
	s.Close()

	if got := store.count(); got != 5 {
		t.Fatalf("close must flush pending records, got %d", got)
	}
}

func TestAggregates(t *testing.T) {
	s := NewSink(Config{BufferSize: 128, FlushInterval: time.Hour}, nil)
	defer s.Close()

	for i := 0; i < 60; i++ {
		s.Enqueue(rec("/api/a", "alpha", 200, int64(i+1))) // 1..60 ms
	}
	for i := 0; i < 30; i++ {
		s.Enqueue(rec("/api/b", "beta", 200, 10))
	}
	for i := 0; i < 10; i++ {
		s.Enqueue(rec("/api/b", "beta", 502, 10))
	}

	agg := s.Aggregates(time.Minute, 1)

	if agg.Requests != 100 {
		t.Fatalf("requests = %d, want 100", agg.Requests)
	}
	if agg.Errors != 10 {
		t.Errorf("errors = %d, want 10", agg.Errors)
	}
	if agg.ErrorRate < 0.099 || agg.ErrorRate > 0.101 {
		t.Errorf("error rate = %v, want 0.1", agg.ErrorRate)
	}

	if len(agg.TopEndpoints) != 1 || agg.TopEndpoints[0].Path != "/api/a" {
		t.Errorf("top endpoints = %+v, want /api/a first", agg.TopEndpoints)
	}

	if len(agg.ByService) != 2 || agg.ByService[0].Service != "alpha" {
		t.Errorf("by service = %+v", agg.ByService)
	}
	beta := agg.ByService[1]
	if beta.StatusClasses["5xx"] != 10 || beta.StatusClasses["2xx"] != 30 {
		t.Errorf("beta status classes = %v", beta.StatusClasses)
	}
}

func TestPercentiles(t *testing.T) {
	samples := make([]int64, 100)
	for i := range samples {
		samples[i] = int64(i + 1) // 1..100
	}
	p := percentiles(samples)

	if p.P50 != 50 {
		t.Errorf("p50 = %d, want 50", p.P50)
	}
	if p.P90 != 90 {
		t.Errorf("p90 = %d, want 90", p.P90)
	}
	if p.P95 != 95 {
		t.Errorf("p95 = %d, want 95", p.P95)
	}
	if p.P99 != 99 {
		t.Errorf("p99 = %d, want 99", p.P99)
	}

	if got := percentiles(nil); got != (Percentiles{}) {
		t.Errorf("empty samples: %+v", got)
	}
}

func TestSampling(t *testing.T) {
	s := NewSink(Config{BufferSize: 4096, FlushInterval: time.Hour, SamplingRatio: 0.5}, nil)
	defer s.Close()

	for i := 0; i < 2000; i++ {
		s.Enqueue(rec("/a", "svc", 200, 1))
	}

	agg := s.Aggregates(time.Minute, 10)
	if agg.Requests < 800 || agg.Requests > 1200 {
		t.Errorf("sampled requests = %d, want ~1000", agg.Requests)
	}
}

func TestQueryFallsBackToTail(t *testing.T) {
	s := NewSink(Config{BufferSize: 64, FlushInterval: time.Hour}, nil)
	defer s.Close()

	s.Enqueue(rec("/x", "svc", 200, 1))
	s.Enqueue(rec("/y", "svc", 200, 1))

	recs, err := s.Query(context.Background(), Query{Path: "/x", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Path != "/x" {
		t.Errorf("query = %+v", recs)
	}
}
