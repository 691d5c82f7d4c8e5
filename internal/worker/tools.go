package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/parleyhq/parley/internal/provider"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	// RequiresApproval gates execution behind a human confirmation.
	RequiresApproval() bool
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools available to a worker.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Later registrations replace earlier ones.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools. Feeds the router's
// complexity signal.
func (r *Registry) Len() int { return len(r.tools) }

// Definitions renders the registry in the provider's tool format,
// sorted by name for stable prompts.
func (r *Registry) Definitions() []provider.ToolDefinition {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]provider.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// clockTool answers time questions without a model round trip.
type clockTool struct{}

func (clockTool) Name() string        { return "current_time" }
func (clockTool) Description() string { return "Returns the current date and time in UTC." }
func (clockTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (clockTool) RequiresApproval() bool { return false }
func (clockTool) Execute(_ context.Context, _ map[string]any) (string, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

// delegateTool spawns an internal follow-up job in the same
// conversation. Internal jobs bypass the per-conversation guard, so
// the child can run while the parent is still processing.
type delegateTool struct {
	spawn func(parentJobID, conversationID, task string) (string, error)
}

func (delegateTool) Name() string { return "delegate" }
func (delegateTool) Description() string {
	return "Delegates a sub-task to a background job in this conversation and returns its job ID."
}
func (delegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{"type": "string", "description": "What the sub-task should do."},
		},
		"required": []string{"task"},
	}
}
func (delegateTool) RequiresApproval() bool { return false }

func (d delegateTool) Execute(_ context.Context, args map[string]any) (string, error) {
	task, _ := args["task"].(string)
	if task == "" {
		return "", fmt.Errorf("delegate: task is required")
	}
	parent, _ := args[delegateParentKey].(string)
	conversation, _ := args[delegateConversationKey].(string)
	jobID, err := d.spawn(parent, conversation, task)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("delegated as job %s", jobID), nil
}

// Internal argument keys injected by the worker before execution; not
// part of the model-facing schema.
const (
	delegateParentKey       = "_parent_job_id"
	delegateConversationKey = "_conversation_id"
)
