package routing

import (
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// GuardKind names the enforcement semantics of a guard binding
type GuardKind string

const (
	KindRequired    GuardKind = "required"
	KindRequiredAny GuardKind = "required_any"
	KindRequiredAll GuardKind = "required_all"
	KindOptional    GuardKind = "optional"
)

// Guard is a permission binding attached to a route. Middleware enforces it;
// Kind and Keys make it visible to the coverage auditor.
type Guard struct {
	Kind       GuardKind
	Keys       []string
	Middleware func(http.Handler) http.Handler
}

// Enforces reports whether the binding names a key and has middleware to check it
func (g Guard) Enforces() bool {
	return g.Middleware != nil && len(g.Keys) > 0
}

// Declaration describes one registered HTTP operation
type Declaration struct {
	Method string
	Path   string
	Name   string
	File   string
	Line   int

	Guards       []Guard
	Exempt       bool
	ExemptReason string
}

// Operation returns the "METHOD /path" identifier used in reports and exemption files
func (d Declaration) Operation() string {
	return d.Method + " " + d.Path
}

// Mutating reports whether the method can change server state
func (d Declaration) Mutating() bool {
	return IsMutating(d.Method)
}

// Guarded reports whether at least one attached guard binding enforces a key
func (d Declaration) Guarded() bool {
	for _, g := range d.Guards {
		if g.Enforces() {
			return true
		}
	}
	return false
}

// IsMutating reports whether method is one of POST, PUT, PATCH or DELETE
func IsMutating(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Option customizes a declaration
type Option func(*Declaration)

// Guarded attaches guard bindings. The first guard runs outermost.
func Guarded(guards ...Guard) Option {
	return func(d *Declaration) {
		d.Guards = append(d.Guards, guards...)
	}
}

// Exempt marks the operation as intentionally unguarded
func Exempt(reason string) Option {
	return func(d *Declaration) {
		d.Exempt = true
		d.ExemptReason = reason
	}
}

// Named sets the mux route name
func Named(name string) Option {
	return func(d *Declaration) {
		d.Name = name
	}
}

type registry struct {
	mu    sync.Mutex
	decls []Declaration
}

// Table registers routes on a mux router and records their declarations
type Table struct {
	router *mux.Router
	prefix string
	reg    *registry
}

// NewTable creates a route table over router
func NewTable(router *mux.Router) *Table {
	return &Table{router: router, reg: &registry{}}
}

// Router returns the underlying mux router
func (t *Table) Router() *mux.Router {
	return t.router
}

// Subtable returns a table rooted at prefix. Middleware applies to every
// route registered through the subtable; declarations share the parent's
// catalog.
func (t *Table) Subtable(prefix string, middleware ...mux.MiddlewareFunc) *Table {
	sub := t.router.PathPrefix(prefix).Subrouter()
	sub.Use(middleware...)
	return &Table{router: sub, prefix: t.prefix + prefix, reg: t.reg}
}

// Handle registers h for method and path and records the declaration with the
// caller's source position.
func (t *Table) Handle(method, path string, h http.HandlerFunc, opts ...Option) *mux.Route {
	decl := Declaration{
		Method: strings.ToUpper(method),
		Path:   t.prefix + path,
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		decl.File = file
		decl.Line = line
	}
	for _, opt := range opts {
		opt(&decl)
	}

	var handler http.Handler = h
	for i := len(decl.Guards) - 1; i >= 0; i-- {
		if mw := decl.Guards[i].Middleware; mw != nil {
			handler = mw(handler)
		}
	}

	route := t.router.Handle(path, handler).Methods(decl.Method)
	if decl.Name != "" {
		route = route.Name(decl.Name)
	}

	t.reg.mu.Lock()
	t.reg.decls = append(t.reg.decls, decl)
	t.reg.mu.Unlock()
	return route
}

// Declarations returns every declaration in the catalog, ordered by path then method
func (t *Table) Declarations() []Declaration {
	t.reg.mu.Lock()
	out := make([]Declaration, len(t.reg.decls))
	copy(out, t.reg.decls)
	t.reg.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}
