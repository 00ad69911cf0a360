package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/chain"
	"github.com/teranos/loom/display"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pipeline"
)

// RunCmd runs a pipeline once
var RunCmd = &cobra.Command{
	Use:   "run <pipeline | file>",
	Short: "Run a pipeline",
	Long: `Run a pipeline from the pipelines directory (by name) or a definition
file, print each step as it completes, then the final context.

A failing step stops the run; the steps before it and their bindings are
still shown.

Examples:
  loom run brief --set topic="tidal power"
  loom run ./pipelines/brief.yaml --context ctx.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runContext string
	runSets    []string
	runTimeout time.Duration
)

func init() {
	RunCmd.Flags().StringVarP(&runContext, "context", "c", "", "Context file (JSON or Hjson)")
	RunCmd.Flags().StringArrayVarP(&runSets, "set", "s", nil, "Bind key=value in the context (repeatable)")
	RunCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Cancel the run after this long (0 = no limit)")
}

func runRun(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	def, err := findPipeline(env, args[0])
	if err != nil {
		return err
	}
	pctx, err := contextFromFlags(runContext, runSets)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	backend, err := env.backend(ctx, "pipeline:"+def.Name)
	if err != nil {
		return err
	}
	lib, err := env.library()
	if err != nil {
		return err
	}
	opts := []pipeline.BuildOption{
		pipeline.WithLibrary(lib),
		pipeline.WithMapConcurrency(env.cfg.GetMapConcurrency()),
		pipeline.WithLogger(env.log),
	}
	if needsRetriever(def) {
		r, err := env.retriever(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, pipeline.WithRetriever(r))
	}

	jsonOut := display.ShouldOutputJSON(cmd)
	if !jsonOut {
		opts = append(opts, pipeline.WithHooks(progressHooks(env.verbosity)))
	}
	comp, err := pipeline.Build(def, backend, opts...)
	if err != nil {
		return err
	}

	run, runErr := comp.Run(ctx, pctx)
	if jsonOut {
		out := map[string]any{
			"run_id":  run.ID,
			"state":   run.State(),
			"steps":   run.Steps,
			"context": pctx,
		}
		if runErr != nil {
			out["error"] = runErr.Error()
		}
		if err := display.OutputJSON(out); err != nil {
			return err
		}
		return runErr
	}

	data, err := json.MarshalIndent(pctx, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode context")
	}
	pterm.DefaultSection.Println("Context")
	fmt.Println(string(data))
	return runErr
}

// progressHooks prints one line per finished step. Higher verbosity adds
// token counts, the rendered messages and the raw completion.
func progressHooks(verbosity int) chain.Hooks {
	return chain.Hooks{
		StepDone: func(_ *chain.Run, i int, step chain.Step, result *chain.Result, err error, elapsed time.Duration) {
			label := strconv.Itoa(i) + " " + step.Name()
			took := ""
			if logger.ShouldOutput(verbosity, logger.OutputTiming) {
				took = " in " + elapsed.Round(time.Millisecond).String()
			}
			if err != nil {
				pterm.Error.Printf("%s failed%s\n", label, took)
				return
			}
			extra := ""
			if result != nil && result.Completion != nil && logger.ShouldOutput(verbosity, logger.OutputProgress) {
				extra = fmt.Sprintf(" (%d tokens)", result.Completion.Usage.TotalTokens)
			}
			pterm.Success.Printf("%s -> %s%s%s\n", label, step.OutputKey(), took, extra)
			if result == nil {
				return
			}
			if logger.ShouldOutput(verbosity, logger.OutputPrompts) {
				for _, m := range result.Messages {
					pterm.Printf("    [%s] %s\n", m.Role, display.Truncate(m.Content, 200))
				}
			}
			if result.Completion != nil && logger.ShouldOutput(verbosity, logger.OutputCompletions) {
				pterm.Printf("    %s: %s\n", logger.CategoryName(logger.OutputCompletions), result.Completion.Content)
			}
		},
	}
}

// findPipeline resolves a definition file path or a name in the pipelines directory
func findPipeline(env *environment, arg string) (*pipeline.Definition, error) {
	if ext := filepath.Ext(arg); ext != "" {
		if _, err := os.Stat(arg); err == nil {
			return pipeline.LoadFile(arg)
		}
	}
	defs, err := env.pipelines()
	if err != nil {
		return nil, err
	}
	def, ok := defs[arg]
	if !ok {
		return nil, errors.WithHintf(
			errors.NewNotFoundError("pipeline %q", arg),
			"pipelines are read from %s; available: %v", env.cfg.Pipelines.Dir, pipeline.Names(defs))
	}
	return def, nil
}

func needsRetriever(def *pipeline.Definition) bool {
	for _, s := range def.Steps {
		if s.Retrieve != nil {
			return true
		}
	}
	return false
}
