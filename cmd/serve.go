package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ypodo/VisualQuestionAnswering/src/pipeline"
	"github.com/ypodo/VisualQuestionAnswering/src/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve generation and question answering over HTTP",
	Long: `serve loads the model once and exposes it as a JSON API: POST
/api/generate, POST /api/answer and GET /api/health. A client that sends
an X-Session-Id header cancels its previous in-flight request when a new
one arrives.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	listen := cfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	llamaModel, engine, err := loadEngine(cfg, nil)
	if err != nil {
		return err
	}
	defer llamaModel.Free()

	fetcher := pipeline.NewFetcher(cfg.Pipeline.ToFetcherOptions())
	defer fetcher.Close()

	textGeneration := pipeline.NewTextGeneration(engine)
	questionAnswering := pipeline.NewQuestionAnswering(engine, fetcher, cfg.Pipeline.ToQuestionAnsweringOptions())

	srv := server.New(textGeneration, questionAnswering, server.Options{
		ModelName: filepath.Base(cfg.Model.Dir),
		Defaults:  cfg.Generation.ToInferenceArgs(),
	})
	return srv.ListenAndServe(ctx, listen)
}
