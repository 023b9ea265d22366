package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects MCP server metrics for Prometheus export.
type Collector struct {
	totalRequests     atomic.Int64
	successRequests   atomic.Int64
	failedRequests    atomic.Int64
	activeSessions    atomic.Int64
	activeConnections atomic.Int64
	eventsStored      atomic.Int64

	// Per-method counters (tools/list, tools/call, resources/read, ...)
	methodRequests map[string]*atomic.Int64
	methodMu       sync.RWMutex

	durationBuckets map[float64]*atomic.Int64 // milliseconds
	durationSum     atomic.Int64
	durationCount   atomic.Int64
	durationMu      sync.RWMutex

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		methodRequests:  make(map[string]*atomic.Int64),
		durationBuckets: initDurationBuckets(),
		startTime:       time.Now(),
	}
}

func initDurationBuckets() map[float64]*atomic.Int64 {
	buckets := []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}
	m := make(map[float64]*atomic.Int64)
	for _, b := range buckets {
		m[b] = &atomic.Int64{}
	}
	return m
}

// RecordRequest records one dispatched JSON-RPC request/notification.
func (c *Collector) RecordRequest(method string, duration time.Duration, success bool) {
	c.totalRequests.Add(1)
	if success {
		c.successRequests.Add(1)
	} else {
		c.failedRequests.Add(1)
	}

	c.methodMu.Lock()
	if _, ok := c.methodRequests[method]; !ok {
		c.methodRequests[method] = &atomic.Int64{}
	}
	c.methodRequests[method].Add(1)
	c.methodMu.Unlock()

	durationMs := float64(duration.Milliseconds())
	c.durationSum.Add(duration.Milliseconds())
	c.durationCount.Add(1)

	c.durationMu.RLock()
	for bucket, counter := range c.durationBuckets {
		if durationMs <= bucket {
			counter.Add(1)
		}
	}
	c.durationMu.RUnlock()
}

// RecordSession records a session creation (delta=+1) or expiry/deletion
// (delta=-1).
func (c *Collector) RecordSession(delta int64) {
	c.activeSessions.Add(delta)
}

// RecordConnection records an SSE connection opening (delta=+1) or closing
// (delta=-1): GET stream connections and POST-SSE response streams alike.
func (c *Collector) RecordConnection(delta int64) {
	c.activeConnections.Add(delta)
}

// RecordEventStored increments the total count of events appended across
// all sessions (C1 Store.AppendEvent calls).
func (c *Collector) RecordEventStored() {
	c.eventsStored.Add(1)
}

// PrometheusFormat exports metrics in Prometheus text format.
func (c *Collector) PrometheusFormat() string {
	var output string

	output += "# HELP mcp_requests_total Total number of dispatched JSON-RPC requests\n"
	output += "# TYPE mcp_requests_total counter\n"
	output += fmt.Sprintf("mcp_requests_total %d\n\n", c.totalRequests.Load())

	output += "# HELP mcp_requests_success_total Total number of successful requests\n"
	output += "# TYPE mcp_requests_success_total counter\n"
	output += fmt.Sprintf("mcp_requests_success_total %d\n\n", c.successRequests.Load())

	output += "# HELP mcp_requests_failed_total Total number of failed requests\n"
	output += "# TYPE mcp_requests_failed_total counter\n"
	output += fmt.Sprintf("mcp_requests_failed_total %d\n\n", c.failedRequests.Load())

	output += "# HELP mcp_requests_by_method_total Total number of requests per JSON-RPC method\n"
	output += "# TYPE mcp_requests_by_method_total counter\n"
	c.methodMu.RLock()
	for method, counter := range c.methodRequests {
		output += fmt.Sprintf("mcp_requests_by_method_total{method=\"%s\"} %d\n", method, counter.Load())
	}
	c.methodMu.RUnlock()
	output += "\n"

	output += "# HELP mcp_sessions_active Number of active MCP sessions\n"
	output += "# TYPE mcp_sessions_active gauge\n"
	output += fmt.Sprintf("mcp_sessions_active %d\n\n", c.activeSessions.Load())

	output += "# HELP mcp_connections_active Number of active SSE connections (GET streams and POST-SSE responses)\n"
	output += "# TYPE mcp_connections_active gauge\n"
	output += fmt.Sprintf("mcp_connections_active %d\n\n", c.activeConnections.Load())

	output += "# HELP mcp_events_stored_total Total number of events appended to the session event log\n"
	output += "# TYPE mcp_events_stored_total counter\n"
	output += fmt.Sprintf("mcp_events_stored_total %d\n\n", c.eventsStored.Load())

	output += "# HELP mcp_request_duration_milliseconds Request dispatch duration in milliseconds\n"
	output += "# TYPE mcp_request_duration_milliseconds histogram\n"
	c.durationMu.RLock()
	// RecordRequest counts each sample in every bucket at or above its
	// duration, so each counter already holds the cumulative count.
	for _, bucket := range []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000} {
		if counter, ok := c.durationBuckets[bucket]; ok {
			output += fmt.Sprintf("mcp_request_duration_milliseconds_bucket{le=\"%.0f\"} %d\n", bucket, counter.Load())
		}
	}
	c.durationMu.RUnlock()
	output += fmt.Sprintf("mcp_request_duration_milliseconds_bucket{le=\"+Inf\"} %d\n", c.durationCount.Load())
	output += fmt.Sprintf("mcp_request_duration_milliseconds_sum %d\n", c.durationSum.Load())
	output += fmt.Sprintf("mcp_request_duration_milliseconds_count %d\n\n", c.durationCount.Load())

	uptime := time.Since(c.startTime).Seconds()
	output += "# HELP mcp_uptime_seconds Server uptime in seconds\n"
	output += "# TYPE mcp_uptime_seconds counter\n"
	output += fmt.Sprintf("mcp_uptime_seconds %.0f\n\n", uptime)

	return output
}

// Snapshot is a point-in-time view of collected metrics.
type Snapshot struct {
	TotalRequests     int64            `json:"total_requests"`
	SuccessRequests   int64            `json:"success_requests"`
	FailedRequests    int64            `json:"failed_requests"`
	ActiveSessions    int64            `json:"active_sessions"`
	ActiveConnections int64            `json:"active_connections"`
	EventsStored      int64            `json:"events_stored"`
	AvgDurationMs     float64          `json:"avg_duration_ms"`
	MethodRequests    map[string]int64 `json:"method_requests"`
	UptimeSeconds     float64          `json:"uptime_seconds"`
}

// Snapshot returns a snapshot of current metrics.
func (c *Collector) Snapshot() *Snapshot {
	snap := &Snapshot{
		TotalRequests:     c.totalRequests.Load(),
		SuccessRequests:   c.successRequests.Load(),
		FailedRequests:    c.failedRequests.Load(),
		ActiveSessions:    c.activeSessions.Load(),
		ActiveConnections: c.activeConnections.Load(),
		EventsStored:      c.eventsStored.Load(),
		MethodRequests:    make(map[string]int64),
		UptimeSeconds:     time.Since(c.startTime).Seconds(),
	}

	if c.durationCount.Load() > 0 {
		snap.AvgDurationMs = float64(c.durationSum.Load()) / float64(c.durationCount.Load())
	}

	c.methodMu.RLock()
	for method, counter := range c.methodRequests {
		snap.MethodRequests[method] = counter.Load()
	}
	c.methodMu.RUnlock()

	return snap
}
