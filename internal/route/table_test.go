package route_test

import (
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/api-gateway/internal/route"
)

func mustRoute(id, pattern, backend, policy string) route.Route {
	m, err := route.ParsePattern(pattern)
	Expect(err).NotTo(HaveOccurred())
	u, err := url.Parse(backend)
	Expect(err).NotTo(HaveOccurred())
	return route.Route{ID: id, Matcher: m, BackendURL: u, Policy: policy}
}

var _ = Describe("ParsePattern", func() {
	DescribeTable("matching",
		func(pattern, path string, expected bool) {
			m, err := route.ParsePattern(pattern)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Matches(path)).To(Equal(expected))
		},
		Entry("exact equal", "/api/order", "/api/order", true),
		Entry("exact with trailing slash", "/api/order", "/api/order/", false),
		Entry("exact below", "/api/order", "/api/order/1", false),
		Entry("exact different", "/api/order", "/api/inventory", false),
		Entry("prefix base", "/api/product/**", "/api/product", true),
		Entry("prefix child", "/api/product/**", "/api/product/42", true),
		Entry("prefix deep child", "/api/product/**", "/api/product/42/reviews", true),
		Entry("prefix sibling", "/api/product/**", "/api/products", false),
		Entry("prefix other", "/api/product/**", "/api/order", false),
		Entry("root wildcard", "/**", "/anything/at/all", true),
	)

	DescribeTable("invalid patterns",
		func(pattern string) {
			_, err := route.ParsePattern(pattern)
			Expect(err).To(MatchError(route.ErrInvalidPattern))
		},
		Entry("relative", "api/order"),
		Entry("empty", ""),
		Entry("inner wildcard", "/api/*/order"),
		Entry("single star suffix", "/api/product/*"),
		Entry("wildcard before suffix", "/api/*/x/**"),
	)

	It("should render the pattern back", func() {
		m, _ := route.ParsePattern("/api/product/**")
		Expect(m.String()).To(Equal("/api/product/**"))
		m, _ = route.ParsePattern("/api/order")
		Expect(m.String()).To(Equal("/api/order"))
	})
})

var _ = Describe("Table", func() {
	var table *route.Table

	BeforeEach(func() {
		var err error
		table, err = route.NewTable([]route.Route{
			mustRoute("productservice", "/api/product/**", "http://localhost:8084", "productServiceCircuitBreaker"),
			mustRoute("orderservice", "/api/order", "http://localhost:8085", "orderServiceCircuitBreaker"),
			mustRoute("inventoryservice", "/api/inventory", "http://localhost:8086", "inventoryServiceCircuitBreaker"),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Match", func() {
		It("should match each configured service", func() {
			r, ok := table.Match("/api/product/7")
			Expect(ok).To(BeTrue())
			Expect(r.ID).To(Equal("productservice"))

			r, ok = table.Match("/api/order")
			Expect(ok).To(BeTrue())
			Expect(r.ID).To(Equal("orderservice"))
			Expect(r.BackendURL.String()).To(Equal("http://localhost:8085"))

			r, ok = table.Match("/api/inventory")
			Expect(ok).To(BeTrue())
			Expect(r.Policy).To(Equal("inventoryServiceCircuitBreaker"))
		})

		It("should report no match for unconfigured paths", func() {
			for _, path := range []string{"/", "/api", "/api/unknown", "/api/order/1", "/fallbackRoute"} {
				r, ok := table.Match(path)
				Expect(ok).To(BeFalse(), path)
				Expect(r).To(BeNil())
			}
		})

		It("should let the first matching route win over a later, more specific one", func() {
			shadowed, err := route.NewTable([]route.Route{
				mustRoute("catchall", "/api/**", "http://localhost:9000", "broad"),
				mustRoute("orderservice", "/api/order", "http://localhost:8085", "narrow"),
			})
			Expect(err).NotTo(HaveOccurred())

			r, ok := shadowed.Match("/api/order")
			Expect(ok).To(BeTrue())
			Expect(r.ID).To(Equal("catchall"))
		})

		It("should pick the specific route when it is listed first", func() {
			ordered, err := route.NewTable([]route.Route{
				mustRoute("orderservice", "/api/order", "http://localhost:8085", "narrow"),
				mustRoute("catchall", "/api/**", "http://localhost:9000", "broad"),
			})
			Expect(err).NotTo(HaveOccurred())

			r, _ := ordered.Match("/api/order")
			Expect(r.ID).To(Equal("orderservice"))
			r, _ = ordered.Match("/api/inventory")
			Expect(r.ID).To(Equal("catchall"))
		})
	})

	Describe("NewTable", func() {
		It("should reject duplicate ids", func() {
			_, err := route.NewTable([]route.Route{
				mustRoute("orderservice", "/api/order", "http://localhost:8085", "p"),
				mustRoute("orderservice", "/api/orders", "http://localhost:8085", "p"),
			})
			Expect(err).To(MatchError(route.ErrDuplicateRoute))
		})

		It("should reject routes without a policy", func() {
			_, err := route.NewTable([]route.Route{
				mustRoute("orderservice", "/api/order", "http://localhost:8085", ""),
			})
			Expect(err).To(MatchError(route.ErrInvalidRoute))
		})

		It("should reject routes without a backend", func() {
			r := mustRoute("orderservice", "/api/order", "http://localhost:8085", "p")
			r.BackendURL = nil
			_, err := route.NewTable([]route.Route{r})
			Expect(err).To(MatchError(route.ErrInvalidRoute))
		})

		It("should reject routes without a matcher", func() {
			r := mustRoute("orderservice", "/api/order", "http://localhost:8085", "p")
			r.Matcher = nil
			_, err := route.NewTable([]route.Route{r})
			Expect(err).To(MatchError(route.ErrInvalidRoute))
		})
	})

	Describe("Policies", func() {
		It("should list distinct policies in route order", func() {
			t, err := route.NewTable([]route.Route{
				mustRoute("a", "/a", "http://localhost:1", "shared"),
				mustRoute("b", "/b", "http://localhost:2", "shared"),
				mustRoute("c", "/c", "http://localhost:3", "other"),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Policies()).To(Equal([]string{"shared", "other"}))
		})
	})

	Describe("Routes", func() {
		It("should return a copy", func() {
			routes := table.Routes()
			routes[0].ID = "mutated"
			Expect(table.Routes()[0].ID).To(Equal("productservice"))
		})
	})
})

var _ = Describe("ValidatePath", func() {
	DescribeTable("accepts normalized paths",
		func(target string) {
			u, err := url.ParseRequestURI(target)
			Expect(err).NotTo(HaveOccurred())
			Expect(route.ValidatePath(u)).To(Succeed())
		},
		Entry("root", "/"),
		Entry("exact route", "/api/order"),
		Entry("nested path", "/api/product/42/reviews"),
		Entry("trailing slash", "/api/product/"),
		Entry("dots inside a segment", "/api/product/v1.2..3"),
		Entry("query with dots", "/api/product/1?next=../x"),
		Entry("encoded space", "/api/product/a%20b"),
	)

	DescribeTable("rejects paths that escape their route",
		func(target string) {
			u, err := url.ParseRequestURI(target)
			Expect(err).NotTo(HaveOccurred())
			Expect(route.ValidatePath(u)).To(MatchError(route.ErrUnsafePath))
		},
		Entry("parent segments", "/api/product/../../actuator/env"),
		Entry("current segment", "/api/product/./1"),
		Entry("trailing parent", "/api/product/.."),
		Entry("encoded parent segments", "/api/product/%2e%2e/%2e%2e/admin"),
		Entry("upper-case encoded dot", "/api/product/%2E%2E/admin"),
		Entry("encoded slash", "/api/product%2F..%2Fadmin"),
		Entry("encoded backslash", "/api/product/..%5cadmin"),
		Entry("encoded NUL", "/api/product/1%00"),
		Entry("backslash", "/api/product/..\\admin"),
		Entry("empty segment", "/api//product/1"),
	)
})
