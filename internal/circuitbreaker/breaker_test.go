package circuitbreaker_test

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/circuitbreaker"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

var _ = Describe("CircuitBreaker", func() {
	var (
		cb          *circuitbreaker.CircuitBreaker
		clock       *fakeClock
		transitions []circuitbreaker.Transition
		mutex       sync.Mutex
	)

	policy := circuitbreaker.Policy{FailureThreshold: 3, Cooldown: 10 * time.Second}

	fail := func() {
		permit, ok := cb.Allow()
		Expect(ok).To(BeTrue())
		cb.RecordFailure(permit)
	}

	trip := func() {
		for i := 0; i < policy.FailureThreshold; i++ {
			fail()
		}
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
	}

	BeforeEach(func() {
		clock = newFakeClock()
		transitions = nil
		cb = circuitbreaker.NewCircuitBreaker("orderServiceCircuitBreaker", policy,
			circuitbreaker.WithClock(clock.Now),
			circuitbreaker.WithTransitionListener(func(t circuitbreaker.Transition) {
				mutex.Lock()
				defer mutex.Unlock()
				transitions = append(transitions, t)
			}),
		)
	})

	Describe("NewCircuitBreaker", func() {
		It("should create a circuit breaker in closed state", func() {
			Expect(cb).NotTo(BeNil())
			Expect(cb.Name()).To(Equal("orderServiceCircuitBreaker"))
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Stats().ConsecutiveFailures).To(Equal(0))
		})
	})

	Context("when in CLOSED state", func() {
		It("should allow requests", func() {
			permit, ok := cb.Allow()
			Expect(ok).To(BeTrue())
			Expect(permit.Probe()).To(BeFalse())
		})

		It("should remain closed after failures below threshold", func() {
			fail()
			fail()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Stats().ConsecutiveFailures).To(Equal(2))
		})

		It("should open after exactly threshold consecutive failures", func() {
			fail()
			fail()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			fail()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(cb.Stats().LastTransition).To(Equal(clock.Now()))
		})

		It("should reset the failure streak on success", func() {
			fail()
			fail()
			permit, _ := cb.Allow()
			cb.RecordSuccess(permit)
			Expect(cb.Stats().ConsecutiveFailures).To(Equal(0))

			fail()
			fail()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should never open on success", func() {
			for i := 0; i < 50; i++ {
				permit, _ := cb.Allow()
				cb.RecordSuccess(permit)
			}
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})

	Context("when in OPEN state", func() {
		BeforeEach(trip)

		It("should short-circuit every request before the cooldown", func() {
			for i := 0; i < 10; i++ {
				_, ok := cb.Allow()
				Expect(ok).To(BeFalse())
			}
			clock.Advance(9 * time.Second)
			_, ok := cb.Allow()
			Expect(ok).To(BeFalse())
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should hand the first request after cooldown the probe", func() {
			clock.Advance(10 * time.Second)
			permit, ok := cb.Allow()
			Expect(ok).To(BeTrue())
			Expect(permit.Probe()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(cb.Stats().ProbeInFlight).To(BeTrue())
		})
	})

	Context("with requests admitted before a transition", func() {
		It("should ignore their late outcomes", func() {
			stale, ok := cb.Allow()
			Expect(ok).To(BeTrue())

			trip()
			cb.RecordSuccess(stale)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

			clock.Advance(10 * time.Second)
			_, ok = cb.Allow()
			Expect(ok).To(BeTrue())
			cb.RecordFailure(stale)
			cb.RecordSuccess(stale)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})
	})

	Context("when in HALF_OPEN state", func() {
		var probe circuitbreaker.Permit

		BeforeEach(func() {
			trip()
			clock.Advance(10 * time.Second)
			var ok bool
			probe, ok = cb.Allow()
			Expect(ok).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should short-circuit others while the probe is in flight", func() {
			_, ok := cb.Allow()
			Expect(ok).To(BeFalse())
		})

		It("should close and reset the counter when the probe succeeds", func() {
			cb.RecordSuccess(probe)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Stats().ConsecutiveFailures).To(Equal(0))

			fail()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should reopen and restart the cooldown when the probe fails", func() {
			clock.Advance(2 * time.Second)
			cb.RecordFailure(probe)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(cb.Stats().LastTransition).To(Equal(clock.Now()))

			clock.Advance(9 * time.Second)
			_, ok := cb.Allow()
			Expect(ok).To(BeFalse())

			clock.Advance(1 * time.Second)
			_, ok = cb.Allow()
			Expect(ok).To(BeTrue())
		})

		It("should admit exactly one probe under concurrent arrival", func() {
			cb.RecordFailure(probe)
			clock.Advance(10 * time.Second)

			const goroutines = 200
			var admitted int64
			var wg sync.WaitGroup
			start := make(chan struct{})
			wg.Add(goroutines)
			for i := 0; i < goroutines; i++ {
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					<-start
					if _, ok := cb.Allow(); ok {
						atomic.AddInt64(&admitted, 1)
					}
				}()
			}
			close(start)
			wg.Wait()

			Expect(atomic.LoadInt64(&admitted)).To(Equal(int64(1)))
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})
	})

	Describe("transition listener", func() {
		It("should report every state change in order", func() {
			trip()
			clock.Advance(10 * time.Second)
			probe, _ := cb.Allow()
			cb.RecordSuccess(probe)

			mutex.Lock()
			defer mutex.Unlock()
			Expect(transitions).To(HaveLen(3))
			Expect(transitions[0].From).To(Equal(circuitbreaker.StateClosed))
			Expect(transitions[0].To).To(Equal(circuitbreaker.StateOpen))
			Expect(transitions[1].To).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(transitions[2].To).To(Equal(circuitbreaker.StateClosed))
			Expect(transitions[2].Policy).To(Equal("orderServiceCircuitBreaker"))
		})
	})

	Describe("State.String", func() {
		It("should return correct string representation", func() {
			Expect(circuitbreaker.StateClosed.String()).To(Equal("CLOSED"))
			Expect(circuitbreaker.StateOpen.String()).To(Equal("OPEN"))
			Expect(circuitbreaker.StateHalfOpen.String()).To(Equal("HALF_OPEN"))
			Expect(circuitbreaker.State(42).String()).To(Equal("UNKNOWN"))
		})
	})
})
