// Package harness drives the bounded plan/act/observe loop shared by
// every worker-agent kind. Step capping, deadline enforcement, schema
// validation, and event emission live here exactly once; concrete agents
// supply only an Adapter.
package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/automatiq/automat/internal/observability"
	"github.com/automatiq/automat/internal/tracing"
	"github.com/automatiq/automat/pkg/decision"
	"github.com/automatiq/automat/pkg/eventlog"
)

// Result markers. A marker explains why a result is partial or degraded;
// a clean run carries none.
const (
	MarkerBudgetPressure   = "budget_pressure"
	MarkerDegradedPlanning = "degraded_planning"
	MarkerRawTranscript    = "raw_transcript"
	MarkerDeferredTool     = "deferred_tool"
)

// Turn states.
const (
	StateRunning      = "running"
	StateSynthesizing = "synthesizing"
	StateCompleted    = "completed"
	StateFailed       = "failed"
)

const (
	DefaultMaxSteps = 8
	DefaultTimeout  = 2 * time.Minute
)

// ToolResult is what an adapter returns for one tool call.
type ToolResult struct {
	CallID  string
	Name    string
	Output  string
	Error   string
	Success bool
}

// Adapter specializes the harness into one concrete agent kind. The
// harness never executes a tool outside the adapter's declared catalog.
type Adapter interface {
	RoleName() string
	Catalog() []decision.ToolSpec
	ExecuteTool(ctx context.Context, call decision.ToolCall) ToolResult
	ShouldDefer(name string) bool
}

// Directive is one unit of work delegated to a harness instance.
type Directive struct {
	Objective string
	SessionID string
	ThreadID  string
	TraceID   string
	MaxSteps  int
	Timeout   time.Duration

	// ProviderPreference overrides the adapter's default search route
	// for this directive only. Empty means the adapter default.
	ProviderPreference string
}

// Turn is the mutable working state of one run. Owned exclusively by the
// executing harness; destroyed once its summary has been emitted.
type Turn struct {
	ID         string
	Objective  string
	StepCount  int
	MaxSteps   int
	Deadline   time.Time
	Transcript []decision.Message
	State      string
	Markers    []string
}

func (t *Turn) mark(marker string) {
	for _, m := range t.Markers {
		if m == marker {
			return
		}
	}
	t.Markers = append(t.Markers, marker)
}

// Result is the structured outcome of one turn.
type Result struct {
	TurnID    string              `json:"turn_id"`
	Role      string              `json:"role"`
	State     string              `json:"state"`
	Content   string              `json:"content"`
	Markers   []string            `json:"markers,omitempty"`
	Steps     int                 `json:"steps"`
	ToolCalls int                 `json:"tool_calls"`
	Duration  time.Duration       `json:"duration"`
	Usage     decision.TokenUsage `json:"usage"`
	Error     string              `json:"error,omitempty"`
}

// Harness runs directives for one adapter. Safe to reuse sequentially;
// the supervisor runs one harness per agent actor, so turns never overlap.
type Harness struct {
	actorID string
	adapter Adapter
	decider decision.Decider
	log     *eventlog.Log
	logger  zerolog.Logger

	// Compiled once from the catalog; an adapter with an invalid schema
	// fails construction rather than every turn.
	schemas map[string]*gojsonschema.Schema
}

// New builds a harness for one adapter, compiling catalog schemas.
func New(actorID string, adapter Adapter, decider decision.Decider, log *eventlog.Log, logger zerolog.Logger) (*Harness, error) {
	schemas := make(map[string]*gojsonschema.Schema)
	for _, spec := range adapter.Catalog() {
		if spec.InputSchema == nil {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", spec.Name, err)
		}
		schemas[spec.Name] = schema
	}
	return &Harness{
		actorID: actorID,
		adapter: adapter,
		decider: decider,
		log:     log,
		logger:  logger.With().Str("actor_id", actorID).Str("role", adapter.RoleName()).Logger(),
		schemas: schemas,
	}, nil
}

// Execute runs one directive to a terminal state. It returns an error
// only for durability failures and context cancellation; planning and
// tool-level problems are absorbed into the Result per the recovery
// rules. Exactly one terminal event is appended per call.
func (h *Harness) Execute(ctx context.Context, d Directive) (*Result, error) {
	if d.MaxSteps <= 0 {
		d.MaxSteps = DefaultMaxSteps
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	start := time.Now()
	turnID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate turn id: %w", err)
	}

	ctx, span := tracing.StartSpan(ctx, "turn.execute",
		attribute.String("role", h.adapter.RoleName()),
		attribute.String("turn_id", turnID),
	)
	defer span.End()

	turn := &Turn{
		ID:        turnID,
		Objective: d.Objective,
		MaxSteps:  d.MaxSteps,
		Deadline:  start.Add(d.Timeout),
		State:     StateRunning,
	}
	res := &Result{TurnID: turnID, Role: h.adapter.RoleName()}

	if err := h.emit(ctx, d, eventlog.TypeAgentTaskStarted, map[string]interface{}{
		"turn_id":   turnID,
		"objective": d.Objective,
		"max_steps": d.MaxSteps,
		"deadline":  turn.Deadline.Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	h.run(ctx, d, turn, res)

	res.Steps = turn.StepCount
	res.Markers = turn.Markers
	res.State = turn.State
	res.Duration = time.Since(start)

	eventType := eventlog.TypeAgentTaskCompleted
	if turn.State == StateFailed {
		eventType = eventlog.TypeAgentTaskFailed
	}
	if err := h.emit(ctx, d, eventType, map[string]interface{}{
		"turn_id":     turnID,
		"state":       turn.State,
		"steps":       turn.StepCount,
		"tool_calls":  res.ToolCalls,
		"markers":     turn.Markers,
		"error":       res.Error,
		"duration_ms": res.Duration.Milliseconds(),
	}); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("state", turn.State))
	observability.RecordHarnessTurn(h.adapter.RoleName(), turn.State, res.Duration)
	return res, nil
}

// run advances the loop until a terminal state. All outcomes funnel
// through at most one synthesis.
func (h *Harness) run(ctx context.Context, d Directive, turn *Turn, res *Result) {
	planningErrors := 0

	for {
		if ctx.Err() != nil {
			turn.State = StateFailed
			res.Error = ctx.Err().Error()
			return
		}
		if turn.StepCount >= turn.MaxSteps || time.Now().After(turn.Deadline) {
			turn.mark(MarkerBudgetPressure)
			h.synthesize(ctx, d, turn, res)
			return
		}

		dec, err := h.decider.Decide(ctx, decision.DecideInput{
			Role:       h.adapter.RoleName(),
			Objective:  d.Objective,
			Tools:      h.adapter.Catalog(),
			Transcript: turn.Transcript,
		})
		if err != nil {
			if ctx.Err() != nil {
				turn.State = StateFailed
				res.Error = ctx.Err().Error()
				return
			}
			planningErrors++
			h.recordPlanning(ctx, d, turn, "", fmt.Sprintf("decision call failed: %v", err))
			if planningErrors > 1 {
				turn.mark(MarkerDegradedPlanning)
				h.synthesize(ctx, d, turn, res)
				return
			}
			continue
		}
		if dec.Usage != nil {
			res.Usage.InputTokens += dec.Usage.InputTokens
			res.Usage.OutputTokens += dec.Usage.OutputTokens
		}

		switch dec.Kind {
		case decision.KindComplete:
			turn.State = StateCompleted
			res.Content = dec.Content
			return
		case decision.KindBlock:
			turn.State = StateFailed
			res.Error = "blocked: " + dec.Reason
			return
		case decision.KindToolCalls:
			if bad := h.validateCalls(dec.ToolCalls); bad != "" {
				planningErrors++
				h.recordPlanning(ctx, d, turn, dec.Content, bad)
				if planningErrors > 1 {
					turn.mark(MarkerDegradedPlanning)
					h.synthesize(ctx, d, turn, res)
					return
				}
				continue
			}
			if deferred := h.firstDeferred(dec.ToolCalls); deferred != "" {
				turn.mark(MarkerDeferredTool)
				h.recordPlanning(ctx, d, turn, dec.Content, fmt.Sprintf("tool %s deferred by adapter policy", deferred))
				h.synthesize(ctx, d, turn, res)
				return
			}
			h.recordPlanning(ctx, d, turn, dec.Content, "")
			h.executeStep(ctx, d, turn, res, dec)
		default:
			planningErrors++
			h.recordPlanning(ctx, d, turn, dec.Content, fmt.Sprintf("malformed decision kind %q", dec.Kind))
			if planningErrors > 1 {
				turn.mark(MarkerDegradedPlanning)
				h.synthesize(ctx, d, turn, res)
				return
			}
		}
	}
}

// executeStep runs one ExecuteTools/ObserveResults phase: every call is
// independently timed and recorded before the loop continues.
func (h *Harness) executeStep(ctx context.Context, d Directive, turn *Turn, res *Result, dec *decision.Decision) {
	turn.StepCount++
	observability.RecordHarnessStep(h.adapter.RoleName())

	turn.Transcript = append(turn.Transcript, decision.Message{
		Role:      decision.RoleAssistant,
		Content:   dec.Content,
		ToolCalls: dec.ToolCalls,
	})

	for _, call := range dec.ToolCalls {
		callStart := time.Now()
		result := h.adapter.ExecuteTool(ctx, call)
		latency := time.Since(callStart)
		observability.RecordToolCall(call.Name, latency, result.Success)

		output := result.Output
		if !result.Success && result.Error != "" {
			output = result.Error
		}
		turn.Transcript = append(turn.Transcript, decision.Message{
			Role:       decision.RoleTool,
			ToolCallID: call.ID,
			Content:    output,
		})
		res.ToolCalls++

		h.recordProgress(ctx, d, turn, map[string]interface{}{
			"phase":      "tool_call",
			"tool":       call.Name,
			"call_id":    call.ID,
			"success":    result.Success,
			"error":      result.Error,
			"latency_ms": latency.Milliseconds(),
		})
	}
}

// synthesize converts the transcript into the final result, degrading to
// the raw transcript when the decider cannot summarize.
func (h *Harness) synthesize(ctx context.Context, d Directive, turn *Turn, res *Result) {
	turn.State = StateSynthesizing
	content, err := h.decider.Synthesize(ctx, d.Objective, turn.Transcript)
	if err != nil {
		h.logger.Warn().Err(err).Str("turn_id", turn.ID).Msg("synthesis failed, returning raw transcript")
		turn.mark(MarkerRawTranscript)
		content = flattenTranscript(turn.Transcript)
	}
	turn.State = StateCompleted
	res.Content = content
}

// validateCalls rejects undeclared tools and schema-invalid arguments.
// Returns an empty string when every call is valid.
func (h *Harness) validateCalls(calls []decision.ToolCall) string {
	declared := make(map[string]bool)
	for _, spec := range h.adapter.Catalog() {
		declared[spec.Name] = true
	}
	for _, call := range calls {
		if !declared[call.Name] {
			return fmt.Sprintf("tool %q is not in the adapter catalog", call.Name)
		}
		schema, ok := h.schemas[call.Name]
		if !ok {
			continue
		}
		verdict, err := schema.Validate(gojsonschema.NewGoLoader(call.Args))
		if err != nil {
			return fmt.Sprintf("tool %q arguments unreadable: %v", call.Name, err)
		}
		if !verdict.Valid() {
			issues := make([]string, 0, len(verdict.Errors()))
			for _, e := range verdict.Errors() {
				issues = append(issues, e.String())
			}
			return fmt.Sprintf("tool %q arguments invalid: %s", call.Name, strings.Join(issues, "; "))
		}
	}
	return ""
}

func (h *Harness) firstDeferred(calls []decision.ToolCall) string {
	for _, call := range calls {
		if h.adapter.ShouldDefer(call.Name) {
			return call.Name
		}
	}
	return ""
}

// recordPlanning appends a progress event for a planning decision or a
// planning error, keeping every iteration replayable from the log.
func (h *Harness) recordPlanning(ctx context.Context, d Directive, turn *Turn, content, problem string) {
	fields := map[string]interface{}{
		"phase":   "plan",
		"step":    turn.StepCount,
		"content": content,
	}
	if problem != "" {
		fields["planning_error"] = problem
		h.logger.Warn().Str("turn_id", turn.ID).Str("problem", problem).Msg("planning error")
	}
	h.recordProgress(ctx, d, turn, fields)
}

func (h *Harness) recordProgress(ctx context.Context, d Directive, turn *Turn, payload map[string]interface{}) {
	payload["turn_id"] = turn.ID
	if err := h.emit(ctx, d, eventlog.TypeAgentTaskProgress, payload); err != nil {
		h.logger.Warn().Err(err).Str("turn_id", turn.ID).Msg("failed to record progress event")
	}
}

func (h *Harness) emit(ctx context.Context, d Directive, eventType string, payload map[string]interface{}) error {
	if h.log == nil {
		return nil
	}
	if d.TraceID != "" {
		payload["trace_id"] = d.TraceID
	}
	_, err := h.log.Append(ctx, eventlog.AppendRequest{
		EventType: eventType,
		Payload:   payload,
		ActorID:   h.actorID,
		UserID:    "system",
		SessionID: d.SessionID,
		ThreadID:  d.ThreadID,
	})
	if err != nil {
		return fmt.Errorf("event append failed: %w", err)
	}
	return nil
}

func flattenTranscript(transcript []decision.Message) string {
	var b strings.Builder
	for _, msg := range transcript {
		if msg.Content == "" && len(msg.ToolCalls) == 0 {
			continue
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		if msg.Content != "" {
			b.WriteString(msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			b.WriteString(fmt.Sprintf("[%s]", tc.Name))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
