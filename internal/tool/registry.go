package tool

import (
	"fmt"
	"sync"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/quorumline/core/internal/agent"
	"github.com/quorumline/core/internal/storage"
	"github.com/quorumline/core/pkg/types"
)

// ProviderKind identifies which tier of the Tool Registry supplied a tool
// (§4.3's priority-ordered providers). A tool registered by a higher-kind
// provider shadows one of the same name registered by a lower-kind
// provider, so a project's Custom command can override a Builtin tool
// without the registry needing to know about either concern specifically.
type ProviderKind int

const (
	// ProviderBuiltin is the fixed set of tools DefaultRegistry wires up.
	ProviderBuiltin ProviderKind = 0
	// ProviderCLI is reserved for tools discovered from a CLI-style
	// extension surface; nothing currently registers at this tier.
	ProviderCLI ProviderKind = 25
	// ProviderCustom covers tools built from the project's
	// types.Config.Command templates.
	ProviderCustom ProviderKind = 75
	// ProviderMCP is reserved/future per §4.3: a live MCP client provider
	// would register here, above Custom, but none is constructed.
	ProviderMCP ProviderKind = 100
)

type registeredTool struct {
	tool     Tool
	provider ProviderKind
}

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]registeredTool
	workDir string
	storage *storage.Storage
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string, store *storage.Storage) *Registry {
	return &Registry{
		tools:   make(map[string]registeredTool),
		workDir: workDir,
		storage: store,
	}
}

// Storage returns the storage instance.
func (r *Registry) Storage() *storage.Storage {
	return r.storage
}

// Register adds a tool to the registry at the Builtin provider tier.
func (r *Registry) Register(tool Tool) {
	r.RegisterWithProvider(tool, ProviderBuiltin)
}

// RegisterWithProvider adds tool to the registry under the given provider
// tier. If a tool of the same ID is already registered at a higher tier,
// the existing registration wins and this call is a no-op; at the same tier
// the new registration replaces it - a Custom command can shadow a Builtin tool of the same name, but a
// Builtin registration loaded after a Custom one cannot clobber it back.
func (r *Registry) RegisterWithProvider(tool Tool, provider ProviderKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[tool.ID()]; ok && existing.provider > provider {
		fmt.Printf("[registry] Skipping %s from provider %d: shadowed by provider %d\n", tool.ID(), provider, existing.provider)
		return
	}

	fmt.Printf("[registry] Registering tool: %s (provider %d)\n", tool.ID(), provider)
	r.tools[tool.ID()] = registeredTool{tool: tool, provider: provider}
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t.tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.tool.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		params := parseJSONSchemaToParams(t.tool.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.tool.ID(),
			Desc:        t.tool.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string, store *storage.Storage) *Registry {
	fmt.Printf("[registry] Creating DefaultRegistry with workDir=%s\n", workDir)
	r := NewRegistry(workDir, store)

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))

	// Register todo tools
	r.Register(NewTodoWriteTool(workDir, store))
	r.Register(NewTodoReadTool(workDir, store))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	fmt.Printf("[registry] DefaultRegistry created with %d tools: %v\n", len(r.tools), r.IDs())
	return r
}

// RegisterCustomCommands builds and registers a CustomTool for every
// entry in cfg (types.Config.Command) at the Custom provider tier. Entries
// with no template are skipped; a project can therefore declare a
// command-config entry purely as a prompt template (consumed elsewhere)
// without it also becoming a tool.
func (r *Registry) RegisterCustomCommands(cfg map[string]types.CommandConfig) {
	for _, t := range customToolsFromConfig(r.workDir, cfg) {
		r.RegisterWithProvider(t, ProviderCustom)
	}
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	fmt.Printf("[registry] Registered task tool with agent registry\n")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.tools["Task"]; ok {
		if taskTool, ok := entry.tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			fmt.Printf("[registry] Task executor configured\n")
		}
	}
}
