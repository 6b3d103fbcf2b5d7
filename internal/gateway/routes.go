package gateway

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/store"
)

// segment is one piece of a compiled path template.
type segment struct {
	literal string
	param   bool
}

// compiledRoute is a route with its template pre-split for matching.
type compiledRoute struct {
	route    *domain.GatewayRoute
	segments []segment
	literals int
	methods  map[string]struct{} // empty = all methods
}

func compileRoute(r *domain.GatewayRoute) *compiledRoute {
	cr := &compiledRoute{route: r, methods: make(map[string]struct{})}
	for _, part := range splitPath(r.Path) {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			cr.segments = append(cr.segments, segment{param: true})
		} else {
			cr.segments = append(cr.segments, segment{literal: part})
			cr.literals++
		}
	}
	for _, m := range r.Methods {
		cr.methods[strings.ToUpper(m)] = struct{}{}
	}
	return cr
}

// matchPrefix reports whether the template matches a prefix of the path
// segments, and how many literal segments matched.
func (cr *compiledRoute) matchPrefix(parts []string) (int, bool) {
	if len(cr.segments) > len(parts) {
		return 0, false
	}
	for i, seg := range cr.segments {
		if !seg.param && seg.literal != parts[i] {
			return 0, false
		}
	}
	return len(cr.segments), true
}

func (cr *compiledRoute) allowsMethod(method string) bool {
	if len(cr.methods) == 0 {
		return true
	}
	if method == "OPTIONS" {
		// preflight is always answerable; the CORS policy decides
		return true
	}
	_, ok := cr.methods[strings.ToUpper(method)]
	return ok
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// gatewayEntry is one project's gateway with its compiled routes and auth
// methods.
type gatewayEntry struct {
	gw      *domain.GatewayConfig
	slug    string
	routes  []*compiledRoute
	methods map[string]*domain.AuthMethod // auth method ID → method
}

// match picks the best route for the path: deepest template first, most
// literal segments breaking ties. Returns the remaining path tail.
func (g *gatewayEntry) match(path string) (*compiledRoute, string) {
	parts := splitPath(path)

	var best *compiledRoute
	bestDepth, bestLiterals := -1, -1
	for _, cr := range g.routes {
		depth, ok := cr.matchPrefix(parts)
		if !ok {
			continue
		}
		if depth > bestDepth || (depth == bestDepth && cr.literals > bestLiterals) {
			best, bestDepth, bestLiterals = cr, depth, cr.literals
		}
	}
	if best == nil {
		return nil, ""
	}
	tail := strings.Join(parts[bestDepth:], "/")
	return best, tail
}

// routeTable is an immutable snapshot of the gateway topology. The router
// swaps whole tables on reload, so request handling never sees a partial
// update.
type routeTable struct {
	byDomain map[string]*gatewayEntry
	bySlug   map[string]*gatewayEntry
}

// Router resolves (host, path) to a route. Reload rebuilds the table from
// the store; lookups are lock-free.
type Router struct {
	store store.MetadataStore
	table atomic.Pointer[routeTable]
}

func NewRouter(s store.MetadataStore) *Router {
	r := &Router{store: s}
	r.table.Store(&routeTable{
		byDomain: make(map[string]*gatewayEntry),
		bySlug:   make(map[string]*gatewayEntry),
	})
	return r
}

// Reload fetches the whole gateway topology and swaps it in.
func (r *Router) Reload(ctx context.Context) error {
	gws, err := r.store.ListGateways(ctx)
	if err != nil {
		return err
	}

	table := &routeTable{
		byDomain: make(map[string]*gatewayEntry),
		bySlug:   make(map[string]*gatewayEntry),
	}
	for _, gw := range gws {
		if !gw.Enabled {
			continue
		}
		project, err := r.store.GetProject(ctx, gw.ProjectID)
		if err != nil || project == nil {
			logging.Op().Warn("skipping gateway, project lookup failed", "gateway", gw.ID, "error", err)
			continue
		}
		routes, err := r.store.ListGatewayRoutes(ctx, gw.ID)
		if err != nil {
			return err
		}
		methods, err := r.store.ListAuthMethods(ctx, gw.ID)
		if err != nil {
			return err
		}

		entry := &gatewayEntry{
			gw:      gw,
			slug:    project.Slug,
			methods: make(map[string]*domain.AuthMethod, len(methods)),
		}
		for _, route := range routes {
			entry.routes = append(entry.routes, compileRoute(route))
		}
		for _, m := range methods {
			entry.methods[m.ID] = m
		}

		if gw.CustomDomain != "" {
			table.byDomain[strings.ToLower(gw.CustomDomain)] = entry
		}
		table.bySlug[project.Slug] = entry
	}

	r.table.Store(table)
	logging.Op().Info("gateway routes reloaded", "gateways", len(table.bySlug))
	return nil
}

// Resolution is the outcome of resolving a request to a route.
type Resolution struct {
	Entry *gatewayEntry
	Route *compiledRoute
	Tail  string
}

// Resolve maps (host, path) to a route: custom domain first, then the
// /p/{slug}/ prefix.
func (r *Router) Resolve(host, path string) (*Resolution, bool) {
	table := r.table.Load()

	host = strings.ToLower(stripPort(host))
	if entry, ok := table.byDomain[host]; ok {
		if route, tail := entry.match(path); route != nil {
			return &Resolution{Entry: entry, Route: route, Tail: tail}, true
		}
		return nil, false
	}

	parts := splitPath(path)
	if len(parts) >= 2 && parts[0] == "p" {
		if entry, ok := table.bySlug[parts[1]]; ok {
			rest := "/" + strings.Join(parts[2:], "/")
			if route, tail := entry.match(rest); route != nil {
				return &Resolution{Entry: entry, Route: route, Tail: tail}, true
			}
		}
	}
	return nil, false
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return strings.Trim(host, "[]")
}
