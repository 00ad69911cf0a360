package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/ai/provider"
	"github.com/teranos/loom/am"
	"github.com/teranos/loom/db"
	"github.com/teranos/loom/embed"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pipeline"
	"github.com/teranos/loom/prompt"
	"github.com/teranos/loom/retriever"
	"github.com/teranos/loom/vectorstore"
)

// environment lazily opens what a command needs from the configuration
type environment struct {
	cfg       *am.Config
	verbosity int
	log       *zap.SugaredLogger

	db      *sql.DB
	closers []func()
}

func loadEnv(cmd *cobra.Command) (*environment, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	verbosity, _ := cmd.Flags().GetCount("verbose")
	log := logger.Logger.With(logger.FieldComponent, cmd.Name())
	if logger.ShouldOutput(verbosity, logger.OutputConfig) {
		log.Debugw("Configuration loaded",
			"sources", am.SourcePaths(),
			"verbosity", logger.LevelName(verbosity),
			"database", cfg.GetDatabasePath(),
		)
	}
	return &environment{
		cfg:       cfg,
		verbosity: verbosity,
		log:       log,
	}, nil
}

// Close releases everything opened, newest first
func (e *environment) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// database opens and migrates the configured SQLite database
func (e *environment) database() (*sql.DB, error) {
	if e.db != nil {
		return e.db, nil
	}
	path := e.cfg.GetDatabasePath()
	conn, err := db.OpenWithMigrations(path, e.log)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	e.db = conn
	e.closers = append(e.closers, func() { _ = conn.Close() })
	return conn, nil
}

// backend assembles the completion backend with usage tracking and policies
func (e *environment) backend(ctx context.Context, operation string) (ai.Backend, error) {
	conn, err := e.database()
	if err != nil {
		return nil, err
	}
	b, err := provider.Build(ctx, e.cfg, provider.ClientConfig{
		DB:            conn,
		Verbosity:     e.verbosity,
		OperationType: operation,
		Logger:        e.log,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create completion backend")
	}
	if c, ok := b.(interface{ Close() error }); ok {
		e.closers = append(e.closers, func() { _ = c.Close() })
	}
	return b, nil
}

// retriever opens the configured embedder and vector store
func (e *environment) retriever(ctx context.Context) (*retriever.Retriever, error) {
	embedder, err := embed.New(ctx, e.cfg.Embeddings, e.cfg.Gemini.APIKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create embedder")
	}
	var conn *sql.DB
	if e.cfg.VectorStore.Backend == "" || e.cfg.VectorStore.Backend == vectorstore.BackendSQLite {
		if conn, err = e.database(); err != nil {
			return nil, err
		}
	}
	opened, err := vectorstore.Open(ctx, e.cfg, conn, e.log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open vector store")
	}
	e.closers = append(e.closers, opened.Close)
	return retriever.New(embedder, opened.Store, e.log), nil
}

// library loads the prompt library; a missing directory means no library
func (e *environment) library() (*prompt.Library, error) {
	dir := e.cfg.Prompts.Dir
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		e.log.Debugw("No prompt library", logger.FieldPath, dir)
		return nil, nil
	}
	return prompt.OpenLibrary(dir, e.log)
}

// pipelines loads the pipeline directory; a missing directory means none
func (e *environment) pipelines() (map[string]*pipeline.Definition, error) {
	defs, err := pipeline.LoadDir(e.cfg.Pipelines.Dir)
	if errors.IsNotFoundError(err) {
		return map[string]*pipeline.Definition{}, nil
	}
	return defs, err
}

// contextFromFlags builds the root context from --context and --set
func contextFromFlags(path string, sets []string) (*prompt.Context, error) {
	pctx := prompt.NewContext()
	if path != "" {
		var err error
		if pctx, err = pipeline.LoadContext(path); err != nil {
			return nil, err
		}
	}
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, errors.NewInvalidRequestError("--set %q: expected key=value", kv)
		}
		if err := pctx.Set(key, parseValue(raw)); err != nil {
			return nil, errors.Wrapf(err, "--set %s", key)
		}
	}
	return pctx, nil
}

// parseValue reads a JSON literal (number, list, object, true) and falls
// back to the raw string
func parseValue(raw string) any {
	var v any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	if v == nil {
		return raw
	}
	return v
}

// PrintError reports err with any hints attached to it
func PrintError(err error) {
	pterm.Error.Println(err.Error())
	for _, hint := range errors.GetAllHints(err) {
		pterm.Info.Println(hint)
	}
}
