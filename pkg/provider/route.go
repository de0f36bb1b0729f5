package provider

import (
	"fmt"
	"strings"
	"time"
)

// PreferenceAuto selects the full fixed-priority route.
const PreferenceAuto = "auto"

// autoOrder is the deterministic Auto priority: fastest and cheapest
// first, most capable last.
var autoOrder = []string{Tavily, Brave, Exa}

// DefaultEntryTimeout bounds one backend call inside the overall task
// budget.
const DefaultEntryTimeout = 20 * time.Second

// Entry is one candidate backend in a route.
type Entry struct {
	Backend Backend
	Timeout time.Duration
	MaxCost float64
}

// Route is an ordered list of candidate backends tried in sequence.
type Route []Entry

// Names returns the route's backend names in order.
func (r Route) Names() []string {
	names := make([]string, len(r))
	for i, e := range r {
		names[i] = e.Backend.Name()
	}
	return names
}

// Registry holds the configured backends by name.
type Registry map[string]Backend

// NewRegistry wires the production backends from their API keys. Backends
// with empty keys are still registered; they fail with a typed
// missing-key error when called, which keeps route order deterministic
// regardless of configuration.
func NewRegistry(tavilyKey, braveKey, exaKey string) Registry {
	return Registry{
		Tavily: NewTavily(tavilyKey),
		Brave:  NewBrave(braveKey),
		Exa:    NewExa(exaKey),
	}
}

// BuildRoute turns a provider preference into an ordered route.
// "auto" (or empty) yields the fixed priority order; a backend name
// yields a singleton; a comma list yields that exact order with
// duplicates removed. Unknown names and empty results are errors, never
// silently skipped.
func BuildRoute(preference string, reg Registry, entryTimeout time.Duration, maxCost float64) (Route, error) {
	if entryTimeout <= 0 {
		entryTimeout = DefaultEntryTimeout
	}

	pref := strings.ToLower(strings.TrimSpace(preference))
	var names []string
	switch pref {
	case "", PreferenceAuto, "all", "*":
		names = autoOrder
	default:
		seen := make(map[string]bool)
		for _, token := range strings.Split(pref, ",") {
			name := strings.TrimSpace(token)
			if name == "" || seen[name] {
				continue
			}
			if _, ok := reg[name]; !ok {
				return nil, fmt.Errorf("unknown provider %q in preference %q", name, preference)
			}
			seen[name] = true
			names = append(names, name)
		}
	}

	route := make(Route, 0, len(names))
	for _, name := range names {
		backend, ok := reg[name]
		if !ok {
			return nil, fmt.Errorf("provider %q is not registered", name)
		}
		route = append(route, Entry{Backend: backend, Timeout: entryTimeout, MaxCost: maxCost})
	}
	if len(route) == 0 {
		return nil, fmt.Errorf("empty provider route for preference %q", preference)
	}
	return route, nil
}
