package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/quorumline/core/internal/config"
	"github.com/quorumline/core/internal/gateway"
	"github.com/quorumline/core/internal/hil"
	"github.com/quorumline/core/internal/interaction"
	"github.com/quorumline/core/internal/orchestrator"
	"github.com/quorumline/core/internal/provider"
	"github.com/quorumline/core/internal/quorum"
	"github.com/quorumline/core/internal/reference"
	"github.com/quorumline/core/internal/storage"
	"github.com/quorumline/core/internal/tool"
	"github.com/quorumline/core/internal/uievent"
	"github.com/quorumline/core/pkg/types"
	"github.com/spf13/cobra"
)

var (
	runModel        string
	runReviewers    []string
	runScope        string
	runPlanning     string
	runRule         string
	runHiL          string
	runFinalReview  bool
	runDir          string
	runOwner        string
	runRepo         string
	runGitHubToken  string
)

var runCmd = &cobra.Command{
	Use:   "run [request...]",
	Short: "Drive one Agent interaction through the orchestrator",
	Long: `Drive one Agent interaction through context gathering, multi-model
planning, quorum plan review, execution confirmation, and task execution.

Examples:
  consensus run --model anthropic/claude-sonnet-4 "add input validation to the signup form"
  consensus run --scope fast "summarize the open issues in this repo"
  consensus run --planning ensemble --reviewer anthropic/claude-sonnet-4 --reviewer openai/gpt-4o "plan the migration"`,
	RunE: runOrchestration,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Decision model (provider/model format)")
	runCmd.Flags().StringArrayVar(&runReviewers, "reviewer", nil, "Reviewer model (provider/model format), repeatable")
	runCmd.Flags().StringVar(&runScope, "scope", "full", "Phase scope: full|fast|plan-only")
	runCmd.Flags().StringVar(&runPlanning, "planning", "solo", "Planning mode: solo|ensemble")
	runCmd.Flags().StringVar(&runRule, "rule", "majority", "Quorum rule: majority|unanimous|atleast:N|pct:P")
	runCmd.Flags().StringVar(&runHiL, "hil", "interactive", "Human-intervention mode: interactive|auto-approve|auto-reject")
	runCmd.Flags().BoolVar(&runFinalReview, "final-review", false, "Run a final quorum review over the execution outcome")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
	runCmd.Flags().StringVar(&runOwner, "owner", "", "Default GitHub owner for bare issue/PR references")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "Default GitHub repo for bare issue/PR references")
	runCmd.Flags().StringVar(&runGitHubToken, "github-token", "", "GitHub token for reference resolution (defaults to $GITHUB_TOKEN)")
}

func runOrchestration(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")
	if request == "" {
		return fmt.Errorf("request required. Usage: consensus run \"your request\"")
	}

	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if runModel != "" {
		appConfig.Model = runModel
	}

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	gw := gateway.New(providerReg, nil)

	store := storage.New(paths.StoragePath())
	toolReg := tool.DefaultRegistry(workDir, store)
	toolReg.RegisterCustomCommands(appConfig.Command)
	executor := tool.NewExecutor(toolReg, "consensus-cli", "default", nil)

	decision, err := parseModelRef(appConfig.Model)
	if err != nil {
		return fmt.Errorf("invalid --model: %w", err)
	}

	reviewers, err := parseReviewers(runReviewers)
	if err != nil {
		return err
	}

	rule, err := parseRule(runRule)
	if err != nil {
		return err
	}

	scope, err := parseScope(runScope)
	if err != nil {
		return err
	}

	planning := orchestrator.PlanningSolo
	if runPlanning == "ensemble" {
		planning = orchestrator.PlanningEnsemble
	}

	minModels := 1
	if len(reviewers) > 0 {
		minModels = (len(reviewers) / 2) + 1
	}
	panel := quorum.NewPanel(gw, minModels)

	hilPort, cleanup := buildHiLPort(runHiL)
	defer cleanup()

	var resolver reference.Resolver
	if token := runGitHubToken; token != "" || os.Getenv("GITHUB_TOKEN") != "" {
		if token == "" {
			token = os.Getenv("GITHUB_TOKEN")
		}
		resolver = reference.NewGitHubResolver(token)
	}

	tree := interaction.New()
	unsub := subscribeProgress()
	defer unsub()

	orch := orchestrator.New(gw, tree, panel, hilPort, executor, orchestrator.Config{
		Session: orchestrator.SessionMode{Scope: scope, Planning: planning},
		Model:   orchestrator.ModelConfig{Decision: decision, Reviewers: reviewers},
		Policy: orchestrator.AgentPolicy{
			PlanRule:       rule,
			FinalRule:      rule,
			RunFinalReview: runFinalReview,
		},
		Exec: orchestrator.ExecutionParams{
			ExploreTools:   readOnlyDefinitions(executor),
			ExecutionTools: executor.Definitions(),
			Resolver:       resolver,
			DefaultOwner:   runOwner,
			DefaultRepo:    runRepo,
		},
	})

	ia := tree.CreateRoot(types.FormAgent)
	result, err := orch.Run(ctx, ia, request)
	fmt.Println()
	fmt.Println(result.Summary)
	if err != nil {
		return err
	}
	if !result.Success {
		os.Exit(1)
	}
	return nil
}

// readOnlyDefinitions filters a tool manifest down to Low-risk tools, for
// the bounded exploration step of context gathering (spec §4.5 step 1b).
func readOnlyDefinitions(executor *tool.Executor) []types.ToolDefinition {
	var out []types.ToolDefinition
	for _, d := range executor.Definitions() {
		if d.Risk == types.RiskLow {
			out = append(out, d)
		}
	}
	return out
}

func parseModelRef(spec string) (orchestrator.DecisionModel, error) {
	providerID, modelID, err := splitProviderModel(spec)
	if err != nil {
		return orchestrator.DecisionModel{}, err
	}
	return orchestrator.DecisionModel{ProviderID: providerID, ModelID: modelID, Model: types.ModelRef(spec)}, nil
}

func parseReviewers(specs []string) ([]quorum.Reviewer, error) {
	reviewers := make([]quorum.Reviewer, 0, len(specs))
	for _, spec := range specs {
		providerID, modelID, err := splitProviderModel(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid --reviewer %q: %w", spec, err)
		}
		reviewers = append(reviewers, quorum.Reviewer{ProviderID: providerID, ModelID: modelID, Model: types.ModelRef(spec)})
	}
	return reviewers, nil
}

func splitProviderModel(spec string) (provider, model string, err error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected provider/model, got %q", spec)
	}
	return parts[0], parts[1], nil
}

func parseRule(spec string) (types.QuorumRule, error) {
	switch {
	case spec == "majority":
		return types.Majority(), nil
	case spec == "unanimous":
		return types.Unanimous(), nil
	case strings.HasPrefix(spec, "atleast:"):
		n, err := strconv.Atoi(strings.TrimPrefix(spec, "atleast:"))
		if err != nil {
			return types.QuorumRule{}, fmt.Errorf("invalid --rule %q: %w", spec, err)
		}
		return types.AtLeast(n), nil
	case strings.HasPrefix(spec, "pct:"):
		p, err := strconv.ParseFloat(strings.TrimPrefix(spec, "pct:"), 64)
		if err != nil {
			return types.QuorumRule{}, fmt.Errorf("invalid --rule %q: %w", spec, err)
		}
		return types.Percentage(p), nil
	default:
		return types.QuorumRule{}, fmt.Errorf("unknown --rule %q (want majority|unanimous|atleast:N|pct:P)", spec)
	}
}

func parseScope(spec string) (orchestrator.PhaseScope, error) {
	switch spec {
	case "full":
		return orchestrator.ScopeFull, nil
	case "fast":
		return orchestrator.ScopeFast, nil
	case "plan-only":
		return orchestrator.ScopePlanOnly, nil
	default:
		return "", fmt.Errorf("unknown --scope %q (want full|fast|plan-only)", spec)
	}
}

// buildHiLPort wires the configured Human-Intervention Port. "interactive"
// reads approve/reject decisions from stdin, driven off the same
// HumanInterventionNeeded events a GUI would subscribe to.
func buildHiLPort(mode string) (hil.Port, func()) {
	switch mode {
	case "auto-approve":
		return hil.AutoApprovePort{}, func() {}
	case "auto-reject":
		return hil.AutoRejectPort{}, func() {}
	default:
		checker := hil.NewInteractive()
		unsub := uievent.Subscribe(uievent.HumanInterventionNeeded, func(e uievent.Event) {
			data, ok := e.Data.(uievent.HumanInterventionRequiredData)
			if !ok {
				return
			}
			promptOperator(checker, data)
		})
		return checker, unsub
	}
}

// promptOperator reads one line from stdin and resolves the pending
// intervention or confirmation the event names.
func promptOperator(checker *hil.InteractiveChecker, data uievent.HumanInterventionRequiredData) {
	fmt.Printf("\n--- human intervention required (%s) ---\n%s\n", data.Kind, data.Plan)
	if data.Rationale != "" {
		fmt.Printf("request: %s\n", data.Rationale)
	}

	reader := bufio.NewReader(os.Stdin)
	if data.Kind == "execution_confirmation" {
		fmt.Print("confirm execution? [y/N]: ")
		line, _ := reader.ReadString('\n')
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
			checker.RespondConfirmation(data.ID, hil.ConfirmApprove)
		} else {
			checker.RespondConfirmation(data.ID, hil.ConfirmReject)
		}
		return
	}

	fmt.Print("approve/reject plan? [a/r]: ")
	line, _ := reader.ReadString('\n')
	kind := hil.DecisionReject
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "a") {
		kind = hil.DecisionApprove
	}
	checker.RespondIntervention(data.ID, hil.InterventionDecision{Kind: kind})
}

// subscribeProgress prints phase transitions and quorum votes as they
// happen, the CLI's equivalent of the teacher's streaming message callback.
func subscribeProgress() func() {
	unsubPhase := uievent.Subscribe(uievent.PhaseChanged, func(e uievent.Event) {
		if data, ok := e.Data.(uievent.PhaseChangedData); ok {
			fmt.Printf("[phase] %s\n", data.Phase)
		}
	})
	unsubPlan := uievent.Subscribe(uievent.PlanCreated, func(e uievent.Event) {
		if data, ok := e.Data.(uievent.PlanCreatedData); ok {
			fmt.Printf("[plan] %s (%d tasks, revision %d)\n", data.Objective, data.TaskCount, data.Revision)
		}
	})
	unsubVote := uievent.Subscribe(uievent.QuorumVote, func(e uievent.Event) {
		if data, ok := e.Data.(uievent.QuorumVoteData); ok {
			fmt.Printf("[vote] %s: %s approved=%v\n", data.Phase, data.Model, data.Approved)
		}
	})
	return func() {
		unsubPhase()
		unsubPlan()
		unsubVote()
	}
}
