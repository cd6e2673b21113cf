package opengse

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DispatchClass selects one of the router's independent entry sets.
type DispatchClass int

const (
	DispatchDirect DispatchClass = iota
	DispatchForward
	DispatchInclude
	DispatchError
	numDispatchClasses
)

var dispatchClassNames = [numDispatchClasses]string{"direct", "forward", "include", "error"}

func (d DispatchClass) String() string {
	if d < 0 || d >= numDispatchClasses {
		return "unknown"
	}
	return dispatchClassNames[d]
}

// UniversalPattern matches every path and always ranks last.
const UniversalPattern = ".*"

// Handler processes one matched request.
type Handler func(ctx *RequestCtx) error

// RouteMatch is the outcome of Router.Match.
type RouteMatch struct {
	Handler     Handler
	Pattern     string
	ServletPath string
	PathInfo    string
}

type routeKind int8

const (
	routeExact routeKind = iota
	routePrefix
	routeGroup
	routeRegexp
)

type routeEntry struct {
	pattern string
	re      *regexp.Regexp
	kind    routeKind
	// literal prefix in front of ".*" for routePrefix
	prefix  string
	literal bool
	handler Handler
}

// rank orders entries by specificity; UniversalPattern gets -1.
func (e *routeEntry) rank() int {
	if e.pattern == UniversalPattern {
		return -1
	}
	return len(e.pattern)
}

// moreSpecific reports whether a must be tried before b.
func moreSpecific(a, b *routeEntry) bool {
	ra, rb := a.rank(), b.rank()
	if (ra < 0) != (rb < 0) {
		return rb < 0
	}
	if a.literal != b.literal {
		return a.literal
	}
	if ra != rb {
		return ra > rb
	}
	return a.pattern < b.pattern
}

func compileRoute(pattern string, h Handler) (*routeEntry, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, errors.Wrapf(ErrBadPattern, "%q: %v", pattern, err)
	}
	e := &routeEntry{pattern: pattern, re: re, handler: h}
	switch groups := re.NumSubexp(); {
	case groups > 1:
		return nil, errors.Wrapf(ErrBadPattern, "%q has %d capturing groups", pattern, groups)
	case groups == 1:
		e.kind = routeGroup
	case strings.HasSuffix(pattern, ".*") && isLiteralPattern(strings.TrimSuffix(pattern, ".*")):
		e.kind = routePrefix
		e.prefix, _ = regexp.MustCompile(strings.TrimSuffix(pattern, ".*")).LiteralPrefix()
	default:
		_, e.literal = regexp.MustCompile(pattern).LiteralPrefix()
		if e.literal {
			e.kind = routeExact
		} else {
			e.kind = routeRegexp
		}
	}
	return e, nil
}

func isLiteralPattern(p string) bool {
	if p == "" {
		return true
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return false
	}
	_, complete := re.LiteralPrefix()
	return complete
}

func (e *routeEntry) match(path string) (RouteMatch, bool) {
	loc := e.re.FindStringSubmatchIndex(path)
	if loc == nil {
		return RouteMatch{}, false
	}
	m := RouteMatch{Handler: e.handler, Pattern: e.pattern, ServletPath: path}
	switch e.kind {
	case routeGroup:
		if loc[2] >= 0 {
			m.ServletPath = path[:loc[2]]
			m.PathInfo = path[loc[2]:loc[3]]
		}
	case routePrefix:
		m.ServletPath = strings.TrimSuffix(e.prefix, "/")
		m.PathInfo = path[len(m.ServletPath):]
	}
	return m, true
}

type routeSet struct {
	entries []*routeEntry
}

func (s *routeSet) put(e *routeEntry) {
	for i, old := range s.entries {
		if old.pattern == e.pattern {
			s.entries[i] = e
			return
		}
	}
	s.entries = append(s.entries, e)
	sort.SliceStable(s.entries, func(i, j int) bool {
		return moreSpecific(s.entries[i], s.entries[j])
	})
}

func (s *routeSet) remove(pattern string) bool {
	for i, e := range s.entries {
		if e.pattern == pattern {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Router selects handlers by path for each DispatchClass.
//
// Every class is created with a UniversalPattern fallback, so Match only
// fails if that entry was removed.
type Router struct {
	mu   sync.RWMutex
	sets [numDispatchClasses]routeSet
}

// NewRouter creates a router whose direct and forward/include classes fall
// back to notFound and whose error class falls back to onError. Nil
// handlers select the built-in 404 and 500 responders.
func NewRouter(notFound, onError Handler) *Router {
	if notFound == nil {
		notFound = NotFoundHandler
	}
	if onError == nil {
		onError = ErrorHandler
	}
	r := &Router{}
	for d := DispatchClass(0); d < numDispatchClasses; d++ {
		h := notFound
		if d == DispatchError {
			h = onError
		}
		e, _ := compileRoute(UniversalPattern, h)
		r.sets[d].put(e)
	}
	return r
}

// Add registers pattern, a regular expression matched against the whole
// path, for class. An entry with the same pattern text is replaced.
func (r *Router) Add(class DispatchClass, pattern string, h Handler) error {
	if class < 0 || class >= numDispatchClasses {
		return ErrUnknownDispatch
	}
	if h == nil {
		return errors.Wrap(ErrBadPattern, "nil handler")
	}
	e, err := compileRoute(pattern, h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sets[class].put(e)
	r.mu.Unlock()
	return nil
}

// AddServletMapping registers a servlet-style url pattern: "/x/*" for a
// prefix, "*.ext" for an extension, "/" for the default handler, anything
// else as an exact path.
func (r *Router) AddServletMapping(class DispatchClass, urlPattern string, h Handler) error {
	switch {
	case urlPattern == "/" || urlPattern == "/*":
		return r.ReplaceDefaultHandler(class, h)
	case strings.HasSuffix(urlPattern, "/*"):
		return r.Add(class, regexp.QuoteMeta(strings.TrimSuffix(urlPattern, "*"))+".*", h)
	case strings.HasPrefix(urlPattern, "*."):
		return r.Add(class, ".*"+regexp.QuoteMeta(urlPattern[1:]), h)
	}
	return r.Add(class, regexp.QuoteMeta(urlPattern), h)
}

// Remove deletes the entry with the given pattern text.
func (r *Router) Remove(class DispatchClass, pattern string) bool {
	if class < 0 || class >= numDispatchClasses {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets[class].remove(pattern)
}

// ReplaceDefaultHandler swaps the UniversalPattern entry of class.
func (r *Router) ReplaceDefaultHandler(class DispatchClass, h Handler) error {
	return r.Add(class, UniversalPattern, h)
}

// Match returns the most specific entry of class matching the whole path.
func (r *Router) Match(class DispatchClass, path string) (RouteMatch, error) {
	if class < 0 || class >= numDispatchClasses {
		return RouteMatch{}, ErrUnknownDispatch
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sets[class].entries {
		if m, ok := e.match(path); ok {
			return m, nil
		}
	}
	return RouteMatch{}, errors.Wrapf(ErrNoMatchingRoute, "%s %q", class, path)
}

// Patterns lists the patterns of class in match order.
func (r *Router) Patterns(class DispatchClass) []string {
	if class < 0 || class >= numDispatchClasses {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps := make([]string, 0, len(r.sets[class].entries))
	for _, e := range r.sets[class].entries {
		ps = append(ps, e.pattern)
	}
	return ps
}
