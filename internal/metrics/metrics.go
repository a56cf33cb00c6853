package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxResponseSamples = 1000

type Metrics struct {
	mutex          sync.RWMutex
	requests       map[string]int64
	outcomes       map[string]map[string]int64
	statusCodes    map[string]map[int]int64
	responseTimes  map[string][]time.Duration
	authRejections map[string]int64
	breakerStates  map[string]string
	transitions    map[string]int64
	healthStatus   map[string]bool
	startTime      time.Time
}

type Snapshot struct {
	TotalRequests  int64                     `json:"total_requests"`
	Uptime         time.Duration             `json:"uptime"`
	Routes         map[string]RouteMetrics   `json:"routes"`
	AuthRejections map[string]int64          `json:"auth_rejections"`
	Breakers       map[string]BreakerMetrics `json:"breakers"`
	Backends       map[string]bool           `json:"backends_healthy"`
}

type RouteMetrics struct {
	Requests    int64            `json:"requests"`
	Outcomes    map[string]int64 `json:"outcomes"`
	StatusCodes map[int]int64    `json:"status_codes"`
	AvgResponse time.Duration    `json:"avg_response"`
	P50Response time.Duration    `json:"p50_response"`
	P95Response time.Duration    `json:"p95_response"`
	P99Response time.Duration    `json:"p99_response"`
}

type BreakerMetrics struct {
	State       string `json:"state"`
	Transitions int64  `json:"transitions"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:       make(map[string]int64),
		outcomes:       make(map[string]map[string]int64),
		statusCodes:    make(map[string]map[int]int64),
		responseTimes:  make(map[string][]time.Duration),
		authRejections: make(map[string]int64),
		breakerStates:  make(map[string]string),
		transitions:    make(map[string]int64),
		healthStatus:   make(map[string]bool),
		startTime:      time.Now(),
	}
}

// RecordRequest counts a dispatched request. route is empty for requests
// rejected before routing.
func (m *Metrics) RecordRequest(route, outcome string, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.requests[route]++

	if m.outcomes[route] == nil {
		m.outcomes[route] = make(map[string]int64)
	}
	m.outcomes[route][outcome]++

	if m.statusCodes[route] == nil {
		m.statusCodes[route] = make(map[int]int64)
	}
	m.statusCodes[route][statusCode]++
}

func (m *Metrics) RecordBackendResponse(route string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[route] = append(m.responseTimes[route], duration)

	if len(m.responseTimes[route]) > maxResponseSamples {
		m.responseTimes[route] = m.responseTimes[route][1:]
	}
}

func (m *Metrics) RecordAuthRejection(reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.authRejections[reason]++
}

func (m *Metrics) RecordBreakerTransition(policy, to string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakerStates[policy] = to
	m.transitions[policy]++
}

func (m *Metrics) UpdateHealthStatus(backend string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[backend] = healthy
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:         time.Since(m.startTime),
		Routes:         make(map[string]RouteMetrics),
		AuthRejections: make(map[string]int64, len(m.authRejections)),
		Breakers:       make(map[string]BreakerMetrics, len(m.breakerStates)),
		Backends:       make(map[string]bool, len(m.healthStatus)),
	}

	allRoutes := make(map[string]bool)
	for route := range m.requests {
		allRoutes[route] = true
	}
	for route := range m.responseTimes {
		allRoutes[route] = true
	}

	for route := range allRoutes {
		snap.TotalRequests += m.requests[route]

		rm := RouteMetrics{
			Requests:    m.requests[route],
			Outcomes:    copyCounts(m.outcomes[route]),
			StatusCodes: make(map[int]int64, len(m.statusCodes[route])),
		}
		for code, n := range m.statusCodes[route] {
			rm.StatusCodes[code] = n
		}

		durations := m.responseTimes[route]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			rm.AvgResponse = average(sorted)
			rm.P50Response = percentile(sorted, 0.50)
			rm.P95Response = percentile(sorted, 0.95)
			rm.P99Response = percentile(sorted, 0.99)
		}

		snap.Routes[route] = rm
	}

	for reason, n := range m.authRejections {
		snap.AuthRejections[reason] = n
	}
	for policy, state := range m.breakerStates {
		snap.Breakers[policy] = BreakerMetrics{State: state, Transitions: m.transitions[policy]}
	}
	for backend, healthy := range m.healthStatus {
		snap.Backends[backend] = healthy
	}

	return snap
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
