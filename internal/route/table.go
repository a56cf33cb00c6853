package route

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrInvalidPattern = errors.New("invalid path pattern")
	ErrInvalidRoute   = errors.New("invalid route")
	ErrDuplicateRoute = errors.New("duplicate route id")
	ErrUnsafePath     = errors.New("request path is not normalized")
)

// encodedSeparators are escapes a backend may decode into path structure
// after the table has matched on the decoded form.
var encodedSeparators = []string{"%2e", "%2f", "%5c", "%00"}

// wildcardSuffix marks a prefix pattern, e.g. /api/product/**.
const wildcardSuffix = "/**"

// PathMatcher decides whether a request path belongs to a route.
type PathMatcher interface {
	Matches(path string) bool
	String() string
}

type exactMatcher struct {
	path string
}

func (m exactMatcher) Matches(path string) bool {
	return path == m.path
}

func (m exactMatcher) String() string {
	return m.path
}

// prefixMatcher accepts its base path and anything below it, so
// /api/product/** matches /api/product and /api/product/42 but not
// /api/products.
type prefixMatcher struct {
	base string
}

func (m prefixMatcher) Matches(path string) bool {
	if m.base == "" {
		return strings.HasPrefix(path, "/")
	}
	return path == m.base || strings.HasPrefix(path, m.base+"/")
}

func (m prefixMatcher) String() string {
	return m.base + wildcardSuffix
}

// ParsePattern turns a configured path into a matcher. A pattern ending in
// /** is a prefix match, anything else is an exact match. Wildcards are not
// allowed anywhere else.
func ParsePattern(pattern string) (PathMatcher, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, pattern)
	}

	if strings.HasSuffix(pattern, wildcardSuffix) {
		base := strings.TrimSuffix(pattern, wildcardSuffix)
		if strings.Contains(base, "*") {
			return nil, fmt.Errorf("%w: %q has a wildcard before the final segment", ErrInvalidPattern, pattern)
		}
		return prefixMatcher{base: base}, nil
	}

	if strings.Contains(pattern, "*") {
		return nil, fmt.Errorf("%w: %q: only a trailing /** wildcard is supported", ErrInvalidPattern, pattern)
	}

	return exactMatcher{path: pattern}, nil
}

// ValidatePath rejects request paths that a backend could resolve to
// somewhere other than the route that matched them: dot segments, empty
// segments, backslashes and encoded dots, slashes or NULs.
func ValidatePath(u *url.URL) error {
	escaped := strings.ToLower(u.EscapedPath())
	for _, enc := range encodedSeparators {
		if strings.Contains(escaped, enc) {
			return fmt.Errorf("%w: encoded %s", ErrUnsafePath, enc)
		}
	}

	if !strings.HasPrefix(u.Path, "/") {
		return fmt.Errorf("%w: must start with /", ErrUnsafePath)
	}
	if strings.ContainsAny(u.Path, "\\\x00") {
		return fmt.Errorf("%w: contains a backslash or NUL", ErrUnsafePath)
	}

	segments := strings.Split(u.Path[1:], "/")
	for i, seg := range segments {
		switch {
		case seg == "." || seg == "..":
			return fmt.Errorf("%w: dot segment", ErrUnsafePath)
		case seg == "" && i != len(segments)-1:
			return fmt.Errorf("%w: empty segment", ErrUnsafePath)
		}
	}

	return nil
}

// Route binds a path predicate to a backend and a resilience policy.
type Route struct {
	ID         string
	Matcher    PathMatcher
	BackendURL *url.URL
	Policy     string
}

// Table is an ordered, read-only list of routes.
type Table struct {
	routes []Route
}

// NewTable validates routes and keeps them in the given order.
func NewTable(routes []Route) (*Table, error) {
	seen := make(map[string]struct{}, len(routes))
	table := make([]Route, 0, len(routes))

	for i, r := range routes {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: route #%d has no id", ErrInvalidRoute, i)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRoute, r.ID)
		}
		if r.Matcher == nil {
			return nil, fmt.Errorf("%w: %s has no path predicate", ErrInvalidRoute, r.ID)
		}
		if r.BackendURL == nil || r.BackendURL.Host == "" {
			return nil, fmt.Errorf("%w: %s has no backend", ErrInvalidRoute, r.ID)
		}
		if r.Policy == "" {
			return nil, fmt.Errorf("%w: %s has no policy", ErrInvalidRoute, r.ID)
		}

		seen[r.ID] = struct{}{}
		table = append(table, r)
	}

	return &Table{routes: table}, nil
}

// Match returns the first route, in configuration order, that accepts path.
// Order matters: a broad prefix listed before a narrower route shadows it.
func (t *Table) Match(path string) (*Route, bool) {
	for i := range t.routes {
		if t.routes[i].Matcher.Matches(path) {
			return &t.routes[i], true
		}
	}
	return nil, false
}

// Routes returns a copy of the routes in order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Policies returns the distinct policy names referenced by the table.
func (t *Table) Policies() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, r := range t.routes {
		if _, ok := seen[r.Policy]; ok {
			continue
		}
		seen[r.Policy] = struct{}{}
		names = append(names, r.Policy)
	}
	return names
}
