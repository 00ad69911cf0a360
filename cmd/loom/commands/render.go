package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/display"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/prompt"
)

// RenderCmd renders a template without calling a backend
var RenderCmd = &cobra.Command{
	Use:   "render [template-file | -]",
	Short: "Render a template against a context",
	Long: `Render a template (a file, stdin, or --prompt from the library) into
role-tagged messages. No backend is called.

Examples:
  loom render capital.prompt --set country=France
  echo '{{#user}}Hi {{name}}{{/user}}' | loom render - --set name=Ada
  loom render --prompt capital --version "^1" --context ctx.hjson`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRender,
}

var (
	renderPrompt  string
	renderVersion string
	renderContext string
	renderSets    []string
)

func init() {
	RenderCmd.Flags().StringVar(&renderPrompt, "prompt", "", "Library prompt to render instead of a file")
	RenderCmd.Flags().StringVar(&renderVersion, "version", "", "Semver constraint for --prompt")
	RenderCmd.Flags().StringVarP(&renderContext, "context", "c", "", "Context file (JSON or Hjson)")
	RenderCmd.Flags().StringArrayVarP(&renderSets, "set", "s", nil, "Bind key=value in the context (repeatable)")
}

func runRender(cmd *cobra.Command, args []string) error {
	tmpl, err := loadTemplate(cmd, args)
	if err != nil {
		return err
	}
	pctx, err := contextFromFlags(renderContext, renderSets)
	if err != nil {
		return err
	}
	msgs, err := tmpl.Render(pctx)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(msgs)
	}
	for _, m := range msgs {
		pterm.DefaultSection.WithLevel(2).Println(string(m.Role))
		fmt.Println(m.Content)
	}
	return nil
}

func loadTemplate(cmd *cobra.Command, args []string) (*prompt.Template, error) {
	switch {
	case renderPrompt != "" && len(args) > 0:
		return nil, errors.NewInvalidRequestError("give a template file or --prompt, not both")
	case renderPrompt != "":
		env, err := loadEnv(cmd)
		if err != nil {
			return nil, err
		}
		lib, err := env.library()
		if err != nil {
			return nil, err
		}
		if lib == nil {
			return nil, errors.WithHint(
				errors.NewNotFoundError("prompt library %s", env.cfg.Prompts.Dir),
				"set prompts.dir in am.toml")
		}
		var doc *prompt.Document
		if renderVersion != "" {
			doc, err = lib.GetVersion(renderPrompt, renderVersion)
		} else {
			doc, err = lib.Get(renderPrompt)
		}
		if err != nil {
			return nil, err
		}
		return doc.Template, nil
	case len(args) == 0:
		return nil, errors.NewInvalidRequestError("a template file, - for stdin, or --prompt is required")
	case args[0] == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, errors.Wrap(err, "failed to read stdin")
		}
		doc, err := prompt.ParseDocument(string(data))
		if err != nil {
			return nil, err
		}
		return doc.Template, nil
	}
	if _, err := os.Stat(args[0]); os.IsNotExist(err) {
		return nil, errors.NewNotFoundError("template file %s", args[0])
	}
	doc, err := prompt.LoadDocument(args[0])
	if err != nil {
		return nil, err
	}
	return doc.Template, nil
}
