package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/metrics"
	"github.com/teranos/loom/retriever"
	"github.com/teranos/loom/server"
)

// ServeCmd starts the HTTP server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the HTTP server",
	Long: `Serve template rendering and pipeline runs over HTTP, with Prometheus
metrics on /metrics.

  GET  /healthz
  GET  /metrics
  POST /v1/render
  GET  /v1/pipelines
  POST /v1/pipelines/{name}/run`,
	RunE: runServe,
}

var (
	serveAddr      string
	serveNoVectors bool
)

func init() {
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	ServeCmd.Flags().BoolVar(&serveNoVectors, "no-vectors", false, "Do not open the vector store; retrieve steps fail")
}

func runServe(cmd *cobra.Command, args []string) error {
	env, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := env.backend(ctx, "serve")
	if err != nil {
		return err
	}
	lib, err := env.library()
	if err != nil {
		return err
	}
	if lib != nil && env.cfg.Prompts.Watch {
		go func() {
			if err := lib.Watch(ctx); err != nil {
				env.log.Warnw("Prompt library watch stopped", logger.FieldError, err)
			}
		}()
	}
	defs, err := env.pipelines()
	if err != nil {
		return err
	}
	var r *retriever.Retriever
	if !serveNoVectors {
		if r, err = env.retriever(ctx); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = env.cfg.Server.Addr
	}
	if addr == "" {
		addr = am.DefaultServerAddr
	}
	srv, err := server.New(server.Options{
		Addr:           addr,
		Backend:        backend,
		Library:        lib,
		Pipelines:      defs,
		Retriever:      r,
		Metrics:        m,
		Gatherer:       reg,
		RequestTimeout: time.Duration(env.cfg.Server.RequestTimeoutSeconds) * time.Second,
		MapConcurrency: env.cfg.GetMapConcurrency(),
		Logger:         env.log,
	})
	if err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := reloadPipelines(env, srv); err != nil {
					env.log.Warnw("Pipeline reload failed, keeping previous definitions", logger.FieldError, err)
				}
			}
		}
	}()

	pterm.Info.Printf("loom serving %d pipelines on http://%s (SIGHUP reloads %s)\n", len(defs), addr, env.cfg.Pipelines.Dir)
	return srv.Start(ctx)
}

// reloadPipelines re-reads the pipelines directory into srv
func reloadPipelines(env *environment, srv *server.Server) error {
	defs, err := env.pipelines()
	if err != nil {
		return err
	}
	srv.SetPipelines(defs)
	env.log.Infow("Pipelines reloaded", logger.FieldCount, len(defs), logger.FieldPath, env.cfg.Pipelines.Dir)
	return nil
}
