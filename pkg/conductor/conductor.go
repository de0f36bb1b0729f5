// Package conductor is the top-level orchestrator: it admits objectives,
// decomposes them through the decision seam, dispatches sub-directives
// to supervised agent workers, and synthesizes one TaskResult. All of a
// task's durable trace lives in the event log; the conductor keeps no
// state across tasks.
package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/automatiq/automat/internal/observability"
	"github.com/automatiq/automat/internal/tracing"
	"github.com/automatiq/automat/pkg/agents"
	"github.com/automatiq/automat/pkg/decision"
	"github.com/automatiq/automat/pkg/eventlog"
	"github.com/automatiq/automat/pkg/harness"
	"github.com/automatiq/automat/pkg/provider"
)

// ActorID is the conductor's stable identity.
const ActorID = "conductor"

// Limits are the operator-configured fallbacks applied when an
// objective's own budget leaves a dimension unset.
type Limits struct {
	// MaxSteps caps a dispatched turn when the task budget names none.
	MaxSteps int
	// Timeout bounds a dispatched turn when the task budget names none.
	Timeout time.Duration
	// EntryTimeout bounds each provider attempt on the routes built at
	// admission.
	EntryTimeout time.Duration
}

// Conductor translates objectives into harness dispatches. Execute is
// safe for concurrent use; each call owns its task state exclusively.
type Conductor struct {
	decider    decision.Decider
	dispatcher Dispatcher
	providers  provider.Registry
	log        *eventlog.Log
	logger     zerolog.Logger
	limits     Limits
}

// New builds a conductor over the decision seam, the worker dispatcher,
// and the provider registry used for route validation at admission.
func New(decider decision.Decider, dispatcher Dispatcher, providers provider.Registry, log *eventlog.Log, logger zerolog.Logger) *Conductor {
	return &Conductor{
		decider:    decider,
		dispatcher: dispatcher,
		providers:  providers,
		log:        log,
		logger:     logger.With().Str("actor_id", ActorID).Logger(),
	}
}

// SetLimits installs the configured budget fallbacks. Call before the
// conductor starts serving; the zero value falls back to the harness
// package defaults.
func (c *Conductor) SetLimits(l Limits) {
	c.limits = l
}

// Run parks the conductor in the supervision tree until shutdown. Tasks
// are driven by Execute callers, not by the run loop.
func (c *Conductor) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Execute runs one objective to its terminal event. It returns the
// synthesized TaskResult, a *TaskError when nothing succeeded, or a hard
// error when admission or a terminal append fails.
func (c *Conductor) Execute(ctx context.Context, task ObjectiveTask) (*TaskResult, error) {
	if strings.TrimSpace(task.Objective) == "" {
		return nil, &AdmissionError{Err: errors.New("objective cannot be empty")}
	}

	// An unroutable preference is an admission error; it must never be
	// discovered mid-task by a worker.
	route, err := provider.BuildRoute(task.ProviderPreference, c.providers, c.limits.EntryTimeout, task.Budget.MaxCost)
	if err != nil {
		return nil, &AdmissionError{Err: fmt.Errorf("unroutable task: %w", err)}
	}

	correlationID := tracing.NewTaskID()
	userID := task.UserID
	if userID == "" {
		userID = "user"
	}
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "task.execute",
		attribute.String("correlation_id", correlationID),
		attribute.String("session_id", task.SessionID),
	)
	defer span.End()

	received, err := c.log.Append(ctx, eventlog.AppendRequest{
		EventType: eventlog.TypeTaskReceived,
		Payload: map[string]interface{}{
			"correlation_id":      correlationID,
			"objective":           task.Objective,
			"provider_preference": task.ProviderPreference,
			"route":               route.Names(),
			"scope":               task.Scope,
			"budget":              task.Budget,
		},
		ActorID:   ActorID,
		UserID:    userID,
		SessionID: task.SessionID,
		ThreadID:  task.ThreadID,
	})
	if err != nil {
		return nil, fmt.Errorf("task admission failed: %w", err)
	}

	logger := c.logger.With().Str("correlation_id", correlationID).Logger()
	subs := c.decompose(ctx, task, logger)
	outcomes := c.dispatchAll(ctx, task, subs)

	traces := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		traces[o.traceID] = struct{}{}
	}
	searchErrs, providerUsed := c.searchOutcomes(ctx, task, received.Seq, traces, logger)

	meta := ExecutionMetadata{
		StartedAt:  start.UTC(),
		Dispatches: make([]DispatchRecord, 0, len(outcomes)),
		Errors:     searchErrs,
	}
	var contents []string
	for _, o := range outcomes {
		rec := DispatchRecord{
			AgentKind:  o.kind,
			TraceID:    o.traceID,
			DurationMS: o.duration.Milliseconds(),
		}
		switch {
		case o.err != nil:
			rec.State = harness.StateFailed
			rec.Error = o.err.Error()
		default:
			rec.State = o.res.State
			rec.Steps = o.res.Steps
			rec.Error = o.res.Error
			meta.Usage.InputTokens += o.res.Usage.InputTokens
			meta.Usage.OutputTokens += o.res.Usage.OutputTokens
			if o.res.State == harness.StateCompleted {
				contents = append(contents, o.res.Content)
			}
		}
		meta.Dispatches = append(meta.Dispatches, rec)
	}

	if len(contents) == 0 {
		span.SetAttributes(attribute.String("status", StatusFailed))
		return nil, c.fail(ctx, task, correlationID, userID, &meta, outcomes, start)
	}

	summary := c.combine(ctx, task.Objective, contents, logger)
	meta.DurationMS = time.Since(start).Milliseconds()

	if _, err := c.log.Append(ctx, eventlog.AppendRequest{
		EventType: eventlog.TypeTaskCompleted,
		Payload: map[string]interface{}{
			"correlation_id":     correlationID,
			"result_summary":     summary,
			"provider_used":      providerUsed,
			"execution_metadata": meta,
		},
		ActorID:   ActorID,
		UserID:    userID,
		SessionID: task.SessionID,
		ThreadID:  task.ThreadID,
	}); err != nil {
		return nil, fmt.Errorf("terminal append failed: %w", err)
	}

	observability.RecordTask(StatusCompleted, time.Since(start))
	span.SetAttributes(attribute.String("status", StatusCompleted))
	return &TaskResult{
		CorrelationID: correlationID,
		Status:        StatusCompleted,
		Summary:       summary,
		ProviderUsed:  providerUsed,
		Metadata:      meta,
	}, nil
}

// decompose asks the decider to split the objective. Any decomposition
// problem degrades to a single researcher directive; the task proceeds
// rather than failing on a planning-layer error.
func (c *Conductor) decompose(ctx context.Context, task ObjectiveTask, logger zerolog.Logger) []decision.SubDirective {
	subs, err := c.decider.Decompose(ctx, task.Objective, agents.Kinds())
	if err != nil || len(subs) == 0 {
		logger.Warn().Err(err).Msg("decomposition failed, dispatching objective to researcher as-is")
		return []decision.SubDirective{{AgentKind: agents.KindResearcher, Directive: task.Objective}}
	}
	return subs
}

type dispatchOutcome struct {
	kind     string
	traceID  string
	res      *harness.Result
	err      error
	duration time.Duration
}

// dispatchAll runs the sub-directives in dispatch order: a run of
// independent entries executes concurrently, an entry that depends on
// its predecessors runs alone with their outputs folded into its
// directive.
func (c *Conductor) dispatchAll(ctx context.Context, task ObjectiveTask, subs []decision.SubDirective) []dispatchOutcome {
	outcomes := make([]dispatchOutcome, len(subs))

	i := 0
	for i < len(subs) {
		if subs[i].DependsOnPrevious {
			outcomes[i] = c.dispatchOne(ctx, task, subs[i], completedContents(outcomes[:i]))
			i++
			continue
		}
		j := i
		for j < len(subs) && !subs[j].DependsOnPrevious {
			j++
		}
		g, gctx := errgroup.WithContext(ctx)
		for k := i; k < j; k++ {
			k := k
			g.Go(func() error {
				outcomes[k] = c.dispatchOne(gctx, task, subs[k], nil)
				return nil
			})
		}
		_ = g.Wait()
		i = j
	}
	return outcomes
}

func (c *Conductor) dispatchOne(ctx context.Context, task ObjectiveTask, sub decision.SubDirective, prior []string) dispatchOutcome {
	traceID := tracing.NewTraceID()
	maxSteps := task.Budget.MaxSteps
	if maxSteps <= 0 {
		maxSteps = c.limits.MaxSteps
	}
	timeout := task.Budget.Timeout
	if timeout <= 0 {
		timeout = c.limits.Timeout
	}
	d := harness.Directive{
		Objective:          composeDirective(task, sub, prior),
		SessionID:          task.SessionID,
		ThreadID:           task.ThreadID,
		TraceID:            traceID,
		MaxSteps:           maxSteps,
		Timeout:            timeout,
		ProviderPreference: task.ProviderPreference,
	}

	start := time.Now()
	res, err := c.dispatcher.Dispatch(ctx, sub.AgentKind, d)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("agent_kind", sub.AgentKind).
			Str("trace_id", traceID).
			Msg("dispatch failed")
	}
	return dispatchOutcome{
		kind:     sub.AgentKind,
		traceID:  traceID,
		res:      res,
		err:      err,
		duration: time.Since(start),
	}
}

// searchOutcomes derives the per-entry provider errors and the provider
// that ultimately answered from the search events appended after the
// task's own admission seq. Events are matched against the task's own
// dispatch trace ids; a concurrent task in the same session writes into
// the same window and must not leak into this one's metadata.
func (c *Conductor) searchOutcomes(ctx context.Context, task ObjectiveTask, sinceSeq int64, traces map[string]struct{}, logger zerolog.Logger) ([]SearchError, string) {
	events, err := c.log.Query(ctx, eventlog.Filter{
		SessionID:   task.SessionID,
		ThreadID:    task.ThreadID,
		TypePattern: "search.*",
		SinceSeq:    sinceSeq,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("search event query failed, metadata will omit provider outcomes")
		return nil, ""
	}

	var (
		errs []SearchError
		used string
	)
	for _, ev := range events {
		var p struct {
			Provider string `json:"provider"`
			Error    string `json:"error"`
			Retried  bool   `json:"retried"`
			TraceID  string `json:"trace_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		if _, ours := traces[p.TraceID]; !ours {
			continue
		}
		switch ev.EventType {
		case eventlog.TypeSearchFailed:
			errs = append(errs, SearchError{Provider: p.Provider, Message: p.Error, Retried: p.Retried})
		case eventlog.TypeSearchSucceeded:
			used = p.Provider
		}
	}
	return errs, used
}

// combine folds multiple completed dispatch outputs into one summary. A
// single output passes through untouched; synthesis failure degrades to
// concatenation instead of failing a task whose work already succeeded.
func (c *Conductor) combine(ctx context.Context, objective string, contents []string, logger zerolog.Logger) string {
	if len(contents) == 1 {
		return contents[0]
	}
	transcript := make([]decision.Message, 0, len(contents))
	for _, content := range contents {
		transcript = append(transcript, decision.Message{Role: decision.RoleAssistant, Content: content})
	}
	summary, err := c.decider.Synthesize(ctx, objective, transcript)
	if err != nil {
		logger.Warn().Err(err).Msg("task synthesis failed, concatenating dispatch outputs")
		return strings.Join(contents, "\n\n")
	}
	return summary
}

// fail appends the terminal task.failed event with every recorded error
// attached and returns the matching *TaskError.
func (c *Conductor) fail(ctx context.Context, task ObjectiveTask, correlationID, userID string, meta *ExecutionMetadata, outcomes []dispatchOutcome, start time.Time) error {
	errs := meta.Errors
	if len(errs) == 0 {
		for _, o := range outcomes {
			switch {
			case o.err != nil:
				errs = append(errs, SearchError{Message: o.err.Error()})
			case o.res != nil && o.res.Error != "":
				errs = append(errs, SearchError{Message: o.res.Error})
			}
		}
	}
	meta.DurationMS = time.Since(start).Milliseconds()

	if _, err := c.log.Append(ctx, eventlog.AppendRequest{
		EventType: eventlog.TypeTaskFailed,
		Payload: map[string]interface{}{
			"correlation_id":     correlationID,
			"errors":             errs,
			"execution_metadata": meta,
		},
		ActorID:   ActorID,
		UserID:    userID,
		SessionID: task.SessionID,
		ThreadID:  task.ThreadID,
	}); err != nil {
		return fmt.Errorf("terminal append failed: %w", err)
	}

	observability.RecordTask(StatusFailed, time.Since(start))
	return &TaskError{CorrelationID: correlationID, Errors: errs}
}

func completedContents(outcomes []dispatchOutcome) []string {
	var contents []string
	for _, o := range outcomes {
		if o.err == nil && o.res != nil && o.res.State == harness.StateCompleted && o.res.Content != "" {
			contents = append(contents, o.res.Content)
		}
	}
	return contents
}

func composeDirective(task ObjectiveTask, sub decision.SubDirective, prior []string) string {
	var b strings.Builder
	b.WriteString(sub.Directive)

	if constraints := scopeConstraints(task); len(constraints) > 0 {
		b.WriteString("\n\nConstraints:\n")
		for _, constraint := range constraints {
			b.WriteString("- ")
			b.WriteString(constraint)
			b.WriteString("\n")
		}
	}
	if len(prior) > 0 {
		b.WriteString("\n\nContext from prior steps:\n")
		b.WriteString(strings.Join(prior, "\n---\n"))
	}
	return b.String()
}

func scopeConstraints(task ObjectiveTask) []string {
	var constraints []string
	if len(task.Scope.IncludeDomains) > 0 {
		constraints = append(constraints, "only use these domains: "+strings.Join(task.Scope.IncludeDomains, ", "))
	}
	if len(task.Scope.ExcludeDomains) > 0 {
		constraints = append(constraints, "never use these domains: "+strings.Join(task.Scope.ExcludeDomains, ", "))
	}
	if task.Scope.TimeRange != "" {
		constraints = append(constraints, "restrict results to the last "+task.Scope.TimeRange)
	}
	if task.Budget.MaxResults > 0 {
		constraints = append(constraints, fmt.Sprintf("use at most %d search results per query", task.Budget.MaxResults))
	}
	return constraints
}
