package fallback

import (
	"net/http"
	"strconv"
)

const (
	DefaultStatus = http.StatusServiceUnavailable
	DefaultBody   = "Service is unavailable, please try again later"
)

// Handler writes the gateway's uniform degraded response. It holds no state
// besides its configuration and is safe for concurrent use.
type Handler struct {
	status int
	body   []byte
}

// New returns a Handler. Zero or out-of-range status and an empty body fall
// back to the defaults.
func New(status int, body string) *Handler {
	if status < 100 || status > 599 {
		status = DefaultStatus
	}
	if body == "" {
		body = DefaultBody
	}

	return &Handler{
		status: status,
		body:   []byte(body),
	}
}

func (h *Handler) Status() int {
	return h.status
}

// Respond writes the fallback response to w.
func (h *Handler) Respond(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(h.body)))
	header.Set("Cache-Control", "no-store")
	header.Set("X-Content-Type-Options", "nosniff")

	w.WriteHeader(h.status)
	_, _ = w.Write(h.body)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.Respond(w)
}
