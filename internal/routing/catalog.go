package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notiflow/internal/config"
	logx "notiflow/pkg/logx"
)

var (
	ErrInvalidRoute = errors.New("invalid route")
	ErrNoPath       = errors.New("catalog path not set")
)

// Snapshot is an immutable view of the catalog. Callers must not mutate the
// routes it returns.
type Snapshot struct {
	routes   []Route
	index    map[string]int
	version  uint64
	loadedAt time.Time
}

func newSnapshot(routes []Route, version uint64) *Snapshot {
	idx := make(map[string]int, len(routes))
	for i, r := range routes {
		idx[r.ID] = i
	}
	return &Snapshot{routes: routes, index: idx, version: version, loadedAt: time.Now()}
}

// Routes returns a copy of the route list in catalog order.
func (s *Snapshot) Routes() []Route {
	if s == nil {
		return nil
	}
	return append([]Route(nil), s.routes...)
}

func (s *Snapshot) Route(id string) (Route, bool) {
	if s == nil {
		return Route{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return Route{}, false
	}
	return s.routes[i], true
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.routes)
}

func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Catalog holds the active route set. Reads are lock-free snapshot loads;
// writers are serialized and swap a fresh snapshot.
type Catalog struct {
	log     logx.Logger
	strict  bool
	onSwap  func(*Snapshot)
	writeMu sync.Mutex
	snap    atomic.Pointer[Snapshot]

	pathMu sync.Mutex
	path   string
}

type CatalogOption func(*Catalog)

// WithStrict rejects a whole replacement when any route has incomplete
// escalation levels. Otherwise such routes are kept with a warning and their
// escalation halts when it reaches the broken level.
func WithStrict(strict bool) CatalogOption { return func(c *Catalog) { c.strict = strict } }

// WithOnSwap registers a callback invoked after every successful swap.
func WithOnSwap(fn func(*Snapshot)) CatalogOption { return func(c *Catalog) { c.onSwap = fn } }

func NewCatalog(log logx.Logger, opts ...CatalogOption) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Catalog{log: log}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	c.snap.Store(newSnapshot(nil, 0))
	return c
}

func (c *Catalog) SetStrict(strict bool) {
	c.writeMu.Lock()
	c.strict = strict
	c.writeMu.Unlock()
}

func (c *Catalog) Snapshot() *Snapshot { return c.snap.Load() }

// Route looks up a route in the current snapshot.
func (c *Catalog) Route(id string) (Route, bool) { return c.Snapshot().Route(id) }

// Replace validates routes and swaps them in atomically.
func (c *Catalog) Replace(routes []Route) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	seen := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidRoute, r.ID)
		}
		seen[r.ID] = struct{}{}
		if err := c.checkLocked(r); err != nil {
			return err
		}
	}
	c.swapLocked(append([]Route(nil), routes...))
	return nil
}

// Upsert adds r or replaces the route with the same id in place.
func (c *Catalog) Upsert(r Route) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.checkLocked(r); err != nil {
		return err
	}
	cur := c.snap.Load()
	next := make([]Route, 0, cur.Len()+1)
	replaced := false
	for _, x := range cur.routes {
		if x.ID == r.ID {
			next = append(next, r)
			replaced = true
			continue
		}
		next = append(next, x)
	}
	if !replaced {
		next = append(next, r)
	}
	c.swapLocked(next)
	return nil
}

// Remove drops the route with id. It reports whether a route was removed.
func (c *Catalog) Remove(id string) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.snap.Load()
	if _, ok := cur.index[id]; !ok {
		return false
	}
	next := make([]Route, 0, cur.Len())
	for _, x := range cur.routes {
		if x.ID != id {
			next = append(next, x)
		}
	}
	c.swapLocked(next)
	return true
}

func (c *Catalog) checkLocked(r Route) error {
	fatal, esc := ValidateRoute(r)
	if fatal != nil {
		return fatal
	}
	if esc != nil {
		if c.strict {
			return esc
		}
		c.log.Warn("route accepted with incomplete escalation policy",
			logx.String("route_id", r.ID), logx.Err(esc))
	}
	if r.Escalation != nil && r.Escalation.MaxLevel != nil && *r.Escalation.MaxLevel != len(r.Escalation.Levels) {
		c.log.Warn("route maxLevel disagrees with level count; using level count",
			logx.String("route_id", r.ID),
			logx.Int("max_level", *r.Escalation.MaxLevel),
			logx.Int("levels", len(r.Escalation.Levels)),
		)
	}
	return nil
}

func (c *Catalog) swapLocked(routes []Route) {
	next := newSnapshot(routes, c.snap.Load().Version()+1)
	c.snap.Store(next)
	if c.onSwap != nil {
		c.onSwap(next)
	}
}

// ValidateRoute checks r. fatal problems (missing id, bad enumerations)
// reject the route outright; esc reports escalation levels that cannot be
// executed (no actions or a non-positive timeout).
func ValidateRoute(r Route) (fatal error, esc error) {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRoute), nil
	}
	for i, cond := range r.Conditions {
		if !cond.Field.Valid() {
			return fmt.Errorf("%w %q: conditions[%d]: unknown field %q", ErrInvalidRoute, r.ID, i, cond.Field), nil
		}
		if !cond.Operator.Valid() {
			return fmt.Errorf("%w %q: conditions[%d]: unknown operator %q", ErrInvalidRoute, r.ID, i, cond.Operator), nil
		}
	}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			return fmt.Errorf("%w %q: actions[%d]: unknown type %q", ErrInvalidRoute, r.ID, i, a.Type), nil
		}
		if a.DelayMillis < 0 {
			return fmt.Errorf("%w %q: actions[%d]: delayMillis must be >= 0", ErrInvalidRoute, r.ID, i), nil
		}
	}
	if r.Escalation == nil {
		return nil, nil
	}
	var errs []error
	for li, lvl := range r.Escalation.Levels {
		if len(lvl.Actions) == 0 {
			errs = append(errs, fmt.Errorf("escalation.levels[%d]: no actions", li))
		}
		if lvl.TimeoutMinutes <= 0 {
			errs = append(errs, fmt.Errorf("escalation.levels[%d]: timeoutMinutes must be > 0", li))
		}
		for ai, a := range lvl.Actions {
			if !a.Type.Valid() {
				return fmt.Errorf("%w %q: escalation.levels[%d].actions[%d]: unknown type %q", ErrInvalidRoute, r.ID, li, ai, a.Type), nil
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidRoute, r.ID, errors.Join(errs...))
	}
	return nil, nil
}

type catalogFile struct {
	Routes []Route `json:"routes"`
}

// DecodeRoutes decodes either a bare JSON array of routes or an object with
// a "routes" key. Unknown fields are rejected.
func DecodeRoutes(raw []byte) ([]Route, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var routes []Route
		if err := config.DecodeStrict(trimmed, &routes); err != nil {
			return nil, err
		}
		return routes, nil
	}
	var f catalogFile
	if err := config.DecodeStrict(trimmed, &f); err != nil {
		return nil, err
	}
	return f.Routes, nil
}

// LoadFile replaces the catalog with the routes in a JSON or YAML file and
// remembers the path for Watch. On error the current snapshot is kept.
func (c *Catalog) LoadFile(path string) error {
	var raw json.RawMessage
	if err := config.DecodeFile(path, &raw); err != nil {
		return fmt.Errorf("catalog %s: %w", path, err)
	}
	routes, err := DecodeRoutes(raw)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", path, err)
	}
	if err := c.Replace(routes); err != nil {
		return fmt.Errorf("catalog %s: %w", path, err)
	}
	c.pathMu.Lock()
	c.path = path
	c.pathMu.Unlock()
	c.log.Info("route catalog loaded",
		logx.String("path", path),
		logx.Int("routes", len(routes)),
		logx.Int64("version", int64(c.Snapshot().Version())),
	)
	return nil
}

func (c *Catalog) Path() string {
	c.pathMu.Lock()
	defer c.pathMu.Unlock()
	return c.path
}

// Watch reloads the catalog file whenever it changes until ctx is done.
// A file that fails to decode or validate leaves the current snapshot in place.
func (c *Catalog) Watch(ctx context.Context) error {
	path := c.Path()
	if path == "" {
		return ErrNoPath
	}
	return config.WatchFile(ctx, path, c.log, func() {
		if err := c.LoadFile(path); err != nil {
			c.log.Warn("route catalog reload rejected; keeping previous", logx.Err(err))
		}
	})
}
