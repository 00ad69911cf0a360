package commands

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/display"
	"github.com/teranos/loom/retriever"
)

// QueryCmd searches the vector store
var QueryCmd = &cobra.Command{
	Use:   "query <text>...",
	Short: "Search the vector store",
	Long: `Embed the query and list the k most similar indexed documents, highest
score first. This is what a retrieve step binds under "retrieved".

Examples:
  loom query how are tides predicted
  loom query "tidal power" -k 10 --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

var queryK int

func init() {
	QueryCmd.Flags().IntVarP(&queryK, "k", "k", 4, "Number of results")
}

func runQuery(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	r, err := env.retriever(cmd.Context())
	if err != nil {
		return err
	}
	hits, err := r.Search(cmd.Context(), strings.Join(args, " "), queryK)
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(retriever.HitsValue(hits))
	}
	rows := make([][]string, len(hits))
	for i, h := range hits {
		text, _ := h.Payload[retriever.PayloadText].(string)
		rows[i] = []string{strconv.Itoa(i + 1), strconv.FormatFloat(h.Score, 'f', 4, 64), h.ID, display.Truncate(text, 60)}
	}
	return display.Table([]string{"#", "Score", "ID", "Text"}, rows)
}
