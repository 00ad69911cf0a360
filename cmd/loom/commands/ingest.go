package commands

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/display"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/record"
)

// IngestCmd loads documents into the vector store
var IngestCmd = &cobra.Command{
	Use:   "ingest <path | url>...",
	Short: "Load documents into the vector store",
	Long: `Load text, Markdown, HTML and PDF documents (files or http(s) URLs), optionally
split each into word-balanced chunks, embed them and upsert them into the
configured vector store. Re-ingesting a source replaces its chunks in place.

Examples:
  loom ingest notes.md
  loom ingest docs/*.md --split 4
  loom ingest report.pdf
  loom ingest https://example.com/guide.html`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var ingestSplit int

func init() {
	IngestCmd.Flags().IntVar(&ingestSplit, "split", 1, "Split each document into this many chunks")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestSplit < 1 {
		return errors.NewInvalidRequestError("--split must be at least 1, got %d", ingestSplit)
	}
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, err := record.LoadAll(ctx, args)
	if err != nil {
		return err
	}
	var chunks []record.Record
	for _, d := range docs {
		if ingestSplit > 1 {
			chunks = append(chunks, d.Split(ingestSplit)...)
		} else {
			chunks = append(chunks, d)
		}
	}

	r, err := env.retriever(ctx)
	if err != nil {
		return err
	}
	ids, err := r.Index(ctx, chunks)
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]any{"documents": len(docs), "ids": ids})
	}
	rows := make([][]string, len(chunks))
	for i, c := range chunks {
		rows[i] = []string{ids[i], c.MetaString(record.MetaSource), strconv.Itoa(len(c.Text())), display.Truncate(c.Text(), 50)}
	}
	if err := display.Table([]string{"ID", "Source", "Chars", "Text"}, rows); err != nil {
		return err
	}
	pterm.Success.Printf("Indexed %d chunks from %d documents into %q\n", len(chunks), len(docs), env.cfg.GetCollection())
	return nil
}
