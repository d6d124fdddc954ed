package soa

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	gojsonschema "github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/model"
)

// ToolTarget is the slice of the MCP server the registrar needs. The real
// server is wrapped by ServerAdapter; tests substitute a recorder.
type ToolTarget interface {
	AddTool(tool *mcp.Tool, handler mcp.ToolHandlerFor[map[string]any, model.JourneyResult])
}

// ServerAdapter adapts *mcp.Server to ToolTarget.
type ServerAdapter struct {
	Server *mcp.Server
}

// AddTool registers the tool on the underlying server.
func (a ServerAdapter) AddTool(tool *mcp.Tool, handler mcp.ToolHandlerFor[map[string]any, model.JourneyResult]) {
	mcp.AddTool(a.Server, tool, handler)
}

// ContextFactory builds the execution context for one MCP tool call. The MCP
// surface has no JWT; deployments bind tenant and caller at startup.
type ContextFactory func(ctx context.Context) *model.ExecutionContext

// Registrar exposes derived SOA APIs as MCP tools named {solution}_{api}.
// Registration is idempotent per (solution, api) and order-independent:
// re-registering an already exposed API is a no-op, and the descriptor maps
// handed in are never mutated.
type Registrar struct {
	ectx    ContextFactory
	logger  *zap.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	registered map[string]bool
}

// NewRegistrar creates a Registrar.
func NewRegistrar(ectx ContextFactory, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		ectx:       ectx,
		logger:     logger,
		registered: make(map[string]bool),
	}
}

// SetMetrics attaches the metric instruments. Nil disables recording.
func (r *Registrar) SetMetrics(m *observability.Metrics) { r.metrics = m }

// RegisterSolution registers every descriptor of one solution on the target.
// APIs are added in sorted name order so tool listings are stable.
func (r *Registrar) RegisterSolution(target ToolTarget, solutionID string, apis map[string]model.SOAAPIDescriptor) error {
	names := make([]string, 0, len(apis))
	for name := range apis {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := r.registerOne(target, solutionID, apis[name]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registrar) registerOne(target ToolTarget, solutionID string, d model.SOAAPIDescriptor) error {
	toolName := fmt.Sprintf("%s_%s", solutionID, d.Name)

	r.mu.Lock()
	if r.registered[toolName] {
		r.mu.Unlock()
		return nil
	}
	r.registered[toolName] = true
	r.mu.Unlock()

	schema, err := toSDKSchema(d.InputSchema)
	if err != nil {
		return err
	}

	tool := &mcp.Tool{
		Name:        toolName,
		Description: d.Description,
		InputSchema: schema,
	}
	handler := d.Handler
	target.AddTool(tool, func(ctx context.Context, _ *mcp.CallToolRequest, input map[string]any) (*mcp.CallToolResult, model.JourneyResult, error) {
		result, err := handler(ctx, r.ectx(ctx), input)
		if err != nil {
			r.metrics.RecordMCPToolCall(toolName, model.CodeOf(err))
			// Surface governance and validation failures as tool errors the
			// agent can read, not protocol errors.
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
			}, result, nil
		}
		r.metrics.RecordMCPToolCall(toolName, "success")
		return nil, result, nil
	})

	r.logger.Info("mcp tool registered",
		zap.String("tool", toolName),
		zap.String("solution_id", solutionID),
		zap.String("journey_id", d.JourneyID),
	)
	return nil
}

// Registered reports whether the tool for (solution, api) has been exposed.
func (r *Registrar) Registered(solutionID, apiName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[fmt.Sprintf("%s_%s", solutionID, apiName)]
}

// toSDKSchema converts an inline schema map to the SDK's schema type. A nil
// map yields nil; the SDK then infers a permissive object schema.
func toSDKSchema(raw map[string]any) (*gojsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	var schema gojsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	return &schema, nil
}
