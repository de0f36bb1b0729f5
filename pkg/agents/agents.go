// Package agents holds the concrete adapters that specialize the generic
// harness: terminal command execution, web research, and document
// writing. Each adapter only declares its catalog and executes tools;
// all loop control lives in the harness.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/automatiq/automat/pkg/harness"
	"github.com/automatiq/automat/pkg/provider"
)

// Agent kinds, used by decomposition and the supervision tree.
const (
	KindTerminal   = "terminal"
	KindResearcher = "researcher"
	KindWriter     = "writer"
)

// Kinds lists every dispatchable agent kind.
func Kinds() []string {
	return []string{KindTerminal, KindResearcher, KindWriter}
}

// SearchObserver is notified after every web_search route execution.
// usedProvider is empty when every entry failed. The conductor supplies
// an implementation that appends search.succeeded / search.failed events
// scoped from the call context.
type SearchObserver interface {
	SearchCompleted(ctx context.Context, usedProvider string, failures []provider.EntryError)
}

// Deps carries the shared dependencies adapters draw from.
type Deps struct {
	// Providers backs the researcher's web_search tool.
	Providers provider.Registry
	// ProviderPreference is the default route preference for searches
	// that do not name a provider.
	ProviderPreference string
	// EntryTimeout bounds each provider attempt on a search route.
	EntryTimeout time.Duration
	// Observer records search outcomes; may be nil.
	Observer SearchObserver
	// Workspace is the directory the terminal runs in and the writer is
	// confined to.
	Workspace string
	Logger    zerolog.Logger
}

// NewAdapter builds the adapter for one agent kind.
func NewAdapter(kind string, deps Deps) (harness.Adapter, error) {
	switch kind {
	case KindTerminal:
		return NewTerminal(deps.Workspace, deps.Logger), nil
	case KindResearcher:
		return NewResearcher(deps.Providers, deps.ProviderPreference, deps.EntryTimeout, deps.Observer, deps.Logger), nil
	case KindWriter:
		return NewWriter(deps.Workspace, deps.Logger), nil
	default:
		return nil, fmt.Errorf("unknown agent kind: %s", kind)
	}
}
