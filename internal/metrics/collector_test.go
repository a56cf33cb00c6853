package metrics_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/metrics"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError, // Suppress logs in tests
		}))
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, log, nil)
	})

	AfterEach(func() {
		cancel()
	})

	It("should process request events", func() {
		collector.Start(ctx)

		collector.Emit(metrics.MetricEvent{
			Type:       metrics.EventRequestCompleted,
			Route:      "orderservice",
			Outcome:    "forwarded",
			StatusCode: 200,
		})

		Eventually(func() int64 {
			return collector.Snapshot().Routes["orderservice"].Requests
		}).Should(Equal(int64(1)))
	})

	It("should process backend, auth, breaker and health events", func() {
		collector.Start(ctx)

		collector.Emit(metrics.MetricEvent{Type: metrics.EventBackendResponded, Route: "orderservice", Duration: 40 * time.Millisecond})
		collector.Emit(metrics.MetricEvent{Type: metrics.EventAuthRejected, Reason: "malformed"})
		collector.Emit(metrics.MetricEvent{Type: metrics.EventBreakerTransition, Policy: "orderServiceCircuitBreaker", FromState: "CLOSED", ToState: "OPEN"})
		collector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Backend: "http://localhost:8085", Healthy: true})

		Eventually(func() bool {
			return collector.Snapshot().Backends["http://localhost:8085"]
		}).Should(BeTrue())

		snap := collector.Snapshot()
		Expect(snap.Routes["orderservice"].AvgResponse).To(Equal(40 * time.Millisecond))
		Expect(snap.AuthRejections["malformed"]).To(Equal(int64(1)))
		Expect(snap.Breakers["orderServiceCircuitBreaker"].State).To(Equal("OPEN"))
	})

	It("should drop events instead of blocking when the buffer is full", func() {
		small := metrics.NewCollector(1, log, nil)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 10; i++ {
				small.Emit(metrics.MetricEvent{Type: metrics.EventAuthRejected, Reason: "missing"})
			}
		}()
		Eventually(done).Should(BeClosed())
	})

	It("should drain events on context cancellation", func() {
		for i := 0; i < 5; i++ {
			collector.EventChannel() <- metrics.MetricEvent{
				Type:    metrics.EventRequestCompleted,
				Route:   "productservice",
				Outcome: "forwarded",
			}
		}

		collector.Start(ctx)
		cancel()

		Eventually(func() int64 {
			return collector.Snapshot().Routes["productservice"].Requests
		}).Should(Equal(int64(5)))
	})

	It("should serve the snapshot as JSON", func() {
		collector.Start(ctx)
		collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestCompleted, Route: "orderservice", Outcome: "forwarded", StatusCode: 200})
		Eventually(func() int64 { return collector.Snapshot().TotalRequests }).Should(Equal(int64(1)))

		w := httptest.NewRecorder()
		collector.Handler()(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("Content-Type")).To(Equal("application/json"))

		var decoded map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &decoded)).To(Succeed())
		Expect(decoded).To(HaveKeyWithValue("total_requests", BeNumerically("==", 1)))
	})
})
