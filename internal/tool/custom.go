package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	einotool "github.com/cloudwego/eino/components/tool"
	"mvdan.cc/sh/v3/syntax"

	"github.com/quorumline/core/pkg/types"
)

// customArgsPlaceholder is the token a Command template substitutes the
// caller-supplied argument string into, matching the "$ARGUMENTS"
// convention already familiar from slash-command templating.
const customArgsPlaceholder = "$ARGUMENTS"

// CustomInput is the input for a CustomTool: a single free-form argument
// string injected into the command's shell template.
type CustomInput struct {
	Args string `json:"args"`
}

// CustomTool wraps a project-configured CommandConfig.Template as an
// executable tool (§4.3's Custom provider tier). The template is trusted
// config content; the caller-supplied argument is not, so it is validated
// as one simple command of plain or quoted words via mvdan.cc/sh/v3/syntax - the same parser
// internal/permission/bash_parser.go uses to structurally inspect bash
// commands - before it is substituted into the template text. This
// rejects operators, redirections, and command substitution in the
// argument without needing to re-parse the already-trusted template as
// shell.
type CustomTool struct {
	name        string
	description string
	template    string
	workDir     string
}

// NewCustomTool builds a CustomTool named name that runs template (a shell
// command, optionally containing the $ARGUMENTS placeholder) in workDir.
func NewCustomTool(name, description, template, workDir string) *CustomTool {
	if description == "" {
		description = fmt.Sprintf("Runs the configured %q command.", name)
	}
	return &CustomTool{name: name, description: description, template: template, workDir: workDir}
}

func (t *CustomTool) ID() string          { return t.name }
func (t *CustomTool) Description() string { return t.description }

func (t *CustomTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"args": {
				"type": "string",
				"description": "Argument text substituted into the command template"
			}
		}
	}`)
}

func (t *CustomTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params CustomInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
	}

	if err := validateShellWord(params.Args); err != nil {
		return nil, fmt.Errorf("rejected argument for command %q: %w", t.name, err)
	}

	command := t.template
	if strings.Contains(command, customArgsPlaceholder) {
		command = strings.ReplaceAll(command, customArgsPlaceholder, params.Args)
	}

	workDir := t.workDir
	if toolCtx != nil && toolCtx.WorkDir != "" {
		workDir = toolCtx.WorkDir
	}

	cmdCtx, cancel := context.WithTimeout(ctx, DefaultBashTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(cmdCtx, detectShell(), "/c", command)
	} else {
		cmd = exec.CommandContext(cmdCtx, detectShell(), "-c", command)
	}
	cmd.Dir = workDir
	cmd.Env = os.Environ()

	if toolCtx != nil {
		toolCtx.SetMetadata(t.name, map[string]any{"command": command})
	}

	output, err := cmd.CombinedOutput()
	result := string(output)
	if len(result) > MaxOutputLength {
		result = result[:MaxOutputLength] + "\n\n(Output truncated)"
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		result += fmt.Sprintf("\n\n(Command timed out after %v)", DefaultBashTimeout)
	} else if err != nil {
		result += fmt.Sprintf("\n\nError: %v", err)
	}

	return &Result{
		Title:  t.name,
		Output: result,
		Metadata: map[string]any{
			"command": command,
		},
	}, nil
}

func (t *CustomTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}

// validateShellWord rejects any argument that would not parse as one simple
// command of plain or quoted words: operators (;, &&, ||, |), redirections, backgrounding,
// and command substitution are all refused rather than silently stripped,
// since a config template is only as safe as the arguments it interpolates.
// An empty argument is always valid.
func validateShellWord(args string) error {
	if strings.TrimSpace(args) == "" {
		return nil
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(args), "")
	if err != nil {
		return fmt.Errorf("not valid shell text: %w", err)
	}

	if len(file.Stmts) != 1 {
		return fmt.Errorf("must be a single command, not %d", len(file.Stmts))
	}

	stmt := file.Stmts[0]
	if stmt.Background || len(stmt.Redirs) > 0 {
		return fmt.Errorf("backgrounding and redirection are not allowed")
	}

	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok {
		return fmt.Errorf("compound and substitution commands are not allowed")
	}

	for _, word := range call.Args {
		for _, part := range word.Parts {
			switch part.(type) {
			case *syntax.Lit, *syntax.SglQuoted, *syntax.DblQuoted:
				// plain text and quoting are fine
			default:
				return fmt.Errorf("variable expansion and command substitution are not allowed")
			}
		}
	}

	return nil
}

// customToolsFromConfig builds one CustomTool per entry in cfg, the Custom
// provider tier's config source (types.Config.Command / CommandConfig).
func customToolsFromConfig(workDir string, cfg map[string]types.CommandConfig) []*CustomTool {
	tools := make([]*CustomTool, 0, len(cfg))
	for name, c := range cfg {
		if c.Template == "" {
			continue
		}
		tools = append(tools, NewCustomTool(name, c.Description, c.Template, workDir))
	}
	return tools
}
