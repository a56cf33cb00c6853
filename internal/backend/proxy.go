package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrBackendUnavailable covers transport errors, timeouts and caller
	// cancellation. Nothing has been written to the client.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrFailureStatus means the backend answered with a status in the
	// failure set. Nothing has been written to the client.
	ErrFailureStatus = errors.New("backend returned failure status")

	// ErrResponseInterrupted means the backend response was already committed
	// to the client when copying the body failed.
	ErrResponseInterrupted = errors.New("backend response interrupted")
)

// StatusError carries the status code of a failed backend response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d", ErrFailureStatus, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrFailureStatus
}

// Hop-by-hop headers, RFC 9110 section 7.6.1.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// DefaultFailureStatuses are the backend statuses treated as failures when
// a policy does not list its own.
var DefaultFailureStatuses = []int{
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Backend is a single upstream service. It forwards requests, tracks
// in-flight calls and keeps a moving average of response time.
type Backend struct {
	url             *url.URL
	client          *http.Client
	timeout         time.Duration
	failureStatuses map[int]struct{}

	mutex             sync.Mutex
	isHealthy         bool
	activeConnections int
	ewmaResponseTime  time.Duration
	hasEWMA           bool
}

const ewmaAlpha = 0.2

// Option configures a Backend.
type Option func(*Backend)

// WithTimeout bounds each forwarded call, including reading the response
// headers and body.
func WithTimeout(timeout time.Duration) Option {
	return func(b *Backend) {
		b.timeout = timeout
	}
}

// WithFailureStatuses replaces the set of statuses counted as failures.
func WithFailureStatuses(statuses []int) Option {
	return func(b *Backend) {
		b.failureStatuses = statusSet(statuses)
	}
}

// WithTransport replaces the HTTP transport used for outbound calls.
func WithTransport(rt http.RoundTripper) Option {
	return func(b *Backend) {
		b.client.Transport = rt
	}
}

// New creates a Backend for the given base URL.
// The backend starts in a healthy state.
func New(u *url.URL, opts ...Option) *Backend {
	b := &Backend{
		url: u,
		client: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			// Redirects are the caller's business.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:         5 * time.Second,
		failureStatuses: statusSet(DefaultFailureStatuses),
		isHealthy:       true,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Forward sends r to the backend and, on success, streams the response to w.
// Any returned error wraps one of ErrBackendUnavailable, ErrFailureStatus or
// ErrResponseInterrupted; only the last one means w was written to.
func (b *Backend) Forward(w http.ResponseWriter, r *http.Request) (int, error) {
	b.IncrementConn()
	defer b.DecrementConn()

	ctx, cancel := context.WithTimeout(r.Context(), b.timeout)
	defer cancel()

	outReq, err := b.outboundRequest(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	start := time.Now()
	res, err := b.client.Do(outReq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer res.Body.Close()

	if _, failed := b.failureStatuses[res.StatusCode]; failed {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		b.RecordResponse(time.Since(start))
		return res.StatusCode, &StatusError{StatusCode: res.StatusCode}
	}

	header := w.Header()
	copyHeader(header, res.Header)
	removeHopByHopHeaders(header)
	w.WriteHeader(res.StatusCode)

	if _, err := copyResponse(w, res); err != nil {
		return res.StatusCode, fmt.Errorf("%w: %v", ErrResponseInterrupted, err)
	}

	b.RecordResponse(time.Since(start))
	return res.StatusCode, nil
}

// copyResponse streams the body to w. Responses of unknown length, such as
// chunked or event streams, are flushed after every read so the client sees
// data as the backend produces it.
func copyResponse(w http.ResponseWriter, res *http.Response) (int64, error) {
	if res.ContentLength != -1 && !isEventStream(res.Header) {
		return io.Copy(w, res.Body)
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func isEventStream(header http.Header) bool {
	mediaType, _, _ := strings.Cut(header.Get("Content-Type"), ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "text/event-stream")
}

func (b *Backend) outboundRequest(ctx context.Context, r *http.Request) (*http.Request, error) {
	target := *b.url
	target.Path, target.RawPath = joinURLPath(b.url, r.URL)
	target.RawQuery = r.URL.RawQuery
	target.Fragment = ""

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength

	copyHeader(out.Header, r.Header)
	removeHopByHopHeaders(out.Header)
	out.Header.Del("Authorization")
	setForwardedHeaders(out.Header, r)

	return out, nil
}

func setForwardedHeaders(header http.Header, r *http.Request) {
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		header.Set("X-Forwarded-For", clientIP)
	}

	header.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		header.Set("X-Forwarded-Proto", "https")
	} else {
		header.Set("X-Forwarded-Proto", "http")
	}
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeHopByHopHeaders drops the standard hop-by-hop headers and any header
// named in Connection.
func removeHopByHopHeaders(header http.Header) {
	for _, field := range header.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}

	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}

func joinURLPath(base, req *url.URL) (path, rawPath string) {
	if base.RawPath == "" && req.RawPath == "" {
		return singleJoiningSlash(base.Path, req.Path), ""
	}

	basePath := base.EscapedPath()
	reqPath := req.EscapedPath()
	joined := singleJoiningSlash(basePath, reqPath)
	return singleJoiningSlash(base.Path, req.Path), joined
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}

func statusSet(statuses []int) map[int]struct{} {
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

// IncrementConn increments the active connection count.
func (b *Backend) IncrementConn() {
	b.mutex.Lock()
	b.activeConnections++
	b.mutex.Unlock()
}

// DecrementConn decrements the active connection count.
func (b *Backend) DecrementConn() {
	b.mutex.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	b.mutex.Unlock()
}

// ActiveConnections returns the number of calls currently in flight.
func (b *Backend) ActiveConnections() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeConnections
}

// URL returns the backend base URL.
func (b *Backend) URL() *url.URL {
	return b.url
}

// Timeout returns the per-call timeout.
func (b *Backend) Timeout() time.Duration {
	return b.timeout
}

// IsHealthy reports the last result of the background health probe. It is
// informational and never consulted when dispatching.
func (b *Backend) IsHealthy() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.isHealthy
}

// SetHealthy updates the backend's health status.
// Returns true if the status changed, false if it was already in that state.
func (b *Backend) SetHealthy(healthy bool) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.isHealthy == healthy {
		return false
	}

	b.isHealthy = healthy
	return true
}

// RecordResponse folds duration into the moving average response time.
func (b *Backend) RecordResponse(duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaResponseTime = duration
		b.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	b.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(b.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the moving average response time, or 0 before the first
// completed call.
func (b *Backend) EWMATime() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		return 0
	}

	return b.ewmaResponseTime
}
