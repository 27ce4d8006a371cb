package observability

import (
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu            sync.Mutex
	requestCount  map[string]int64
	errorCount    map[string]int64
	upstreamCount map[string]int64
	stepCount     map[string]int64
	refreshCount  map[string]int64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Requests       map[string]int64 `json:"requests"`
	Errors         map[string]int64 `json:"errors"`
	Upstream       map[string]int64 `json:"upstream"`
	WorkflowSteps  map[string]int64 `json:"workflow_steps"`
	TokenRefreshes map[string]int64 `json:"token_refreshes"`
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount:  make(map[string]int64),
		errorCount:    make(map[string]int64),
		upstreamCount: make(map[string]int64),
		stepCount:     make(map[string]int64),
		refreshCount:  make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	key := path + "|" + method + "|" + code
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount[key]++
}

// RecordUpstream counts one upstream attempt. Status 0 means no response.
func (m *Metrics) RecordUpstream(op string, status int) {
	if m == nil {
		return
	}
	key := op + "|" + strconv.Itoa(status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstreamCount[key]++
}

// RecordStep counts one workflow step outcome.
func (m *Metrics) RecordStep(variant, step, outcome string) {
	if m == nil {
		return
	}
	key := variant + "|" + step + "|" + outcome
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepCount[key]++
}

// RecordTokenRefresh counts login attempts by outcome.
func (m *Metrics) RecordTokenRefresh(ok bool) {
	if m == nil {
		return
	}
	key := "failed"
	if ok {
		key = "ok"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCount[key]++
}

// Snapshot copies the current counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Requests:       copyCounts(m.requestCount),
		Errors:         copyCounts(m.errorCount),
		Upstream:       copyCounts(m.upstreamCount),
		WorkflowSteps:  copyCounts(m.stepCount),
		TokenRefreshes: copyCounts(m.refreshCount),
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
