package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	logger, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestLoggerLogDispatchAndFlush(t *testing.T) {
	logger := newTestLogger(t)
	logger.LogDispatch("sess-1", "tools/call", 15*time.Millisecond, true, "", "127.0.0.1")

	if err := logger.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	events, err := logger.Query(QueryOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Method != "tools/call" || !events[0].Success {
		t.Fatalf("events[0] = %+v", events[0])
	}
}

func TestLoggerLogSessionEvent(t *testing.T) {
	logger := newTestLogger(t)
	logger.LogSessionEvent("sess-2", "session_created")
	logger.Flush()

	events, err := logger.Query(QueryOptions{EventType: "session_created"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].SessionID != "sess-2" {
		t.Fatalf("events = %+v", events)
	}
}

func TestLoggerLogError(t *testing.T) {
	logger := newTestLogger(t)
	logger.LogError("sess-3", "error", "boom", "10.0.0.1")
	logger.Flush()

	events, err := logger.Query(QueryOptions{SessionID: "sess-3"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].ErrorMsg != "boom" || events[0].Success {
		t.Fatalf("events = %+v", events)
	}
}

func TestLoggerQueryFiltersBySuccess(t *testing.T) {
	logger := newTestLogger(t)
	logger.LogDispatch("s", "a", time.Millisecond, true, "", "")
	logger.LogDispatch("s", "b", time.Millisecond, false, "fail", "")
	logger.Flush()

	ok := true
	events, err := logger.Query(QueryOptions{Success: &ok})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Method != "a" {
		t.Fatalf("events = %+v, want only the successful dispatch", events)
	}
}

func TestLoggerQueryRespectsLimit(t *testing.T) {
	logger := newTestLogger(t)
	for i := 0; i < 5; i++ {
		logger.LogDispatch("s", "m", time.Millisecond, true, "", "")
	}
	logger.Flush()

	events, err := logger.Query(QueryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
}

func TestLoggerGetStatsAggregates(t *testing.T) {
	logger := newTestLogger(t)
	logger.LogDispatch("s", "tools/call", 10*time.Millisecond, true, "", "")
	logger.LogDispatch("s", "tools/call", 20*time.Millisecond, false, "boom", "")
	logger.Flush()

	stats, err := logger.GetStats(time.Time{})
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalRequests != 2 {
		t.Fatalf("TotalRequests = %d, want 2", stats.TotalRequests)
	}
	if stats.SuccessfulRequests != 1 || stats.FailedRequests != 1 {
		t.Fatalf("successful=%d failed=%d, want 1/1", stats.SuccessfulRequests, stats.FailedRequests)
	}
	if stats.ErrorRate != 50 {
		t.Fatalf("ErrorRate = %v, want 50", stats.ErrorRate)
	}
	if len(stats.TopMethods) != 1 || stats.TopMethods[0].Method != "tools/call" || stats.TopMethods[0].Calls != 2 {
		t.Fatalf("TopMethods = %+v", stats.TopMethods)
	}
}

func TestLoggerBufferAutoFlushesAtBatchSize(t *testing.T) {
	logger := newTestLogger(t)
	for i := 0; i < logger.batchSize; i++ {
		logger.LogDispatch("s", "m", time.Millisecond, true, "", "")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		events, err := logger.Query(QueryOptions{Limit: logger.batchSize + 1})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(events) == logger.batchSize {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("buffer should have auto-flushed once it reached batchSize")
}

func TestLoggerEventHubPublishesLiveEvents(t *testing.T) {
	logger := newTestLogger(t)
	id, ch := logger.EventHub().Subscribe()
	defer logger.EventHub().Unsubscribe(id)

	logger.LogDispatch("sess-live", "ping", time.Millisecond, true, "", "")

	select {
	case evt := <-ch:
		if evt.SessionID != "sess-live" {
			t.Fatalf("event.SessionID = %q, want sess-live", evt.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a live event within 1s")
	}
}

func TestLoggerCloseFlushesRemainingEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	logger, err := NewLogger(path)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.LogDispatch("s", "m", time.Millisecond, true, "", "")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewLogger(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	events, err := reopened.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1 after reopening a closed, flushed logger", len(events))
	}
}
