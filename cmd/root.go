package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/config"
	"github.com/ypodo/VisualQuestionAnswering/src/inference"
	"github.com/ypodo/VisualQuestionAnswering/src/model"
)

var (
	configPath string
	modelDir   string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "vqa",
	Short: "document question answering on local LLaMA checkpoints",
	Long: `vqa runs LLaMA-architecture checkpoints without an ML framework underneath:
text generation, extractive document question answering and an HTTP API,
straight from a PyTorch consolidated checkpoint on local disk.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetHelpTemplate(`{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}Usage:
  {{.UseLine}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if .HasAvailableSubCommands}}

Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $VQA_CONFIG, then built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&modelDir, "model-dir", "", "model directory containing consolidated.00.pth (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "write debug logs to the configured log file")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the effective configuration: defaults, then config
// file, then environment, then persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if modelDir != "" {
		cfg.Model.Dir = modelDir
	}
	if debugMode {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// setupLogger installs common.GLogger per the log config. The returned
// cleanup closes only the debug log file. GLogger.Close would also close
// os.Stdout, so it is never called here.
func setupLogger(cfg *config.Config) (func(), error) {
	var debugFile *os.File
	var debugWriter io.Writer
	if cfg.Log.DebugEnabled() {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", cfg.Log.File, err)
		}
		debugFile = f
		debugWriter = f
	}
	logger, err := common.NewLogger(os.Stdout, debugWriter)
	if err != nil {
		if debugFile != nil {
			debugFile.Close()
		}
		return nil, err
	}
	common.GLogger = logger
	return func() {
		if debugFile != nil {
			debugFile.Close()
		}
	}, nil
}

// loadEngine loads the checkpoint and wraps it in an inference engine.
// The caller owns the model and must call Free on it.
func loadEngine(cfg *config.Config, logFn func(format string, v ...any)) (*model.Model, *inference.InferenceEngine, error) {
	llamaModel, err := model.LoadModelEx(cfg.Model.Dir, cfg.Model.ToLoadOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("loading model from %s: %w", cfg.Model.Dir, err)
	}
	engine := inference.NewInferenceEngine(llamaModel, cfg.Generation.ToInferenceArgs(), logFn)
	return llamaModel, engine, nil
}
