package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/apoorvam/goterminal"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ypodo/VisualQuestionAnswering/src/common"
	"github.com/ypodo/VisualQuestionAnswering/src/config"
	"github.com/ypodo/VisualQuestionAnswering/src/pipeline"
)

const defaultPrompt = "Can you explain what is Theory of relativity, shortly?"

var (
	genMaxNewTokens   int
	genSequenceLength int
	genTemperature    float32
	genTopK           int
	genTopP           float32
	genDoSample       bool
	genSeed           int64
	genRaw            bool
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "generate text from a prompt with a live console view",
	Long: `generate streams tokens from the model. On a terminal it paints a live
progress view with per-token timings, otherwise it writes the generated
text to stdout and a summary to stderr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().IntVar(&genMaxNewTokens, "max-new-tokens", 0, "maximum tokens to generate after the prompt (0: fill the sequence)")
	generateCmd.Flags().IntVar(&genSequenceLength, "sequence-length", 0, "total sequence length including the prompt (0: model maximum)")
	generateCmd.Flags().Float32Var(&genTemperature, "temperature", 0, "sampling temperature")
	generateCmd.Flags().IntVar(&genTopK, "top-k", 0, "top-k sampling cutoff")
	generateCmd.Flags().Float32Var(&genTopP, "top-p", 0, "top-p nucleus sampling cutoff")
	generateCmd.Flags().BoolVar(&genDoSample, "sample", false, "sample instead of greedy decoding")
	generateCmd.Flags().Int64Var(&genSeed, "seed", 0, "sampling seed (-1: time-based)")
	generateCmd.Flags().BoolVar(&genRaw, "raw", false, "send the prompt verbatim, without the chat template")
}

// applyGenerationFlags overrides config defaults with flags the user
// actually set, so an untouched flag never clobbers the config value.
func applyGenerationFlags(cmd *cobra.Command, args *common.InferenceArgs) {
	flags := cmd.Flags()
	if flags.Changed("max-new-tokens") {
		args.MaxNewTokens = genMaxNewTokens
	}
	if flags.Changed("sequence-length") {
		args.SequenceLength = genSequenceLength
	}
	if flags.Changed("temperature") {
		args.Temperature = genTemperature
	}
	if flags.Changed("top-k") {
		args.TopK = genTopK
	}
	if flags.Changed("top-p") {
		args.TopP = genTopP
	}
	if flags.Changed("sample") {
		args.DoSample = genDoSample
	}
	if flags.Changed("seed") {
		args.Seed = genSeed
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	prompt := defaultPrompt
	if len(args) == 1 {
		prompt = args[0]
	}

	inferenceArgs := cfg.Generation.ToInferenceArgs()
	applyGenerationFlags(cmd, &inferenceArgs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if isatty.IsTerminal(os.Stdout.Fd()) {
		return runGenerateConsole(ctx, cfg, prompt, inferenceArgs)
	}
	return runGeneratePlain(ctx, cfg, prompt, inferenceArgs)
}

// runGenerateConsole drives the engine stream into the repaint console.
func runGenerateConsole(ctx context.Context, cfg *config.Config, prompt string, args common.InferenceArgs) error {
	fmt.Println("Welcome to Visual Question Answering!")
	fmt.Print("=====================================\n\n\n")

	cons := newConsole(os.Stdout, goterminal.New(os.Stdout))
	cons.setProgress(fmt.Sprintf("Loading model \"%s\"...", cfg.Model.Dir))

	llamaModel, engine, err := loadEngine(cfg, cons.logLine)
	if err != nil {
		cons.finish()
		return err
	}
	defer llamaModel.Free()

	// The loader printed its metadata report below the progress block, so
	// painted-line accounting restarts from here.
	fmt.Print("\n\n\n")
	cons.reset()
	cons.setProgress(fmt.Sprintf("Model \"%s\" was loaded, starting inference...", cfg.Model.Dir))

	if !genRaw {
		prompt = pipeline.ChatPrompt(engine.Vocabulary(), "", prompt)
	}
	tokens, err := engine.Tokenize(prompt, true)
	if err != nil {
		cons.finish()
		return err
	}
	if args.SequenceLength > 0 && args.MaxNewTokens > 0 && args.SequenceLength < len(tokens)+args.MaxNewTokens {
		args.SequenceLength = len(tokens) + args.MaxNewTokens
	}
	displayLength := args.SequenceLength
	if displayLength <= 0 {
		displayLength = llamaModel.ModelArgs.MaxSequenceLength
	}

	promptPieces, promptText := engine.TokenBatchToString(tokens)
	cons.start(promptPieces, promptText, displayLength)

	partCh, errCh := engine.GenerateWithArgs(ctx, tokens, args)
	for partCh != nil || errCh != nil {
		select {
		case part, ok := <-partCh:
			if !ok {
				partCh = nil
				continue
			}
			cons.tokenGenerated(part)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err == nil {
				continue
			}
			cons.finish()
			if errors.Is(err, context.Canceled) {
				fmt.Println("Generation interrupted.")
				return nil
			}
			return err
		}
	}
	cons.finish()
	return nil
}

// runGeneratePlain writes only the generated text to stdout, so the
// command stays pipeable. The summary goes to stderr.
func runGeneratePlain(ctx context.Context, cfg *config.Config, prompt string, args common.InferenceArgs) error {
	llamaModel, engine, err := loadEngine(cfg, nil)
	if err != nil {
		return err
	}
	defer llamaModel.Free()

	if !genRaw {
		prompt = pipeline.ChatPrompt(engine.Vocabulary(), "", prompt)
	}
	textGeneration := pipeline.NewTextGeneration(engine)
	result, err := textGeneration.RunWithArgs(ctx, prompt, args)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "generation interrupted")
			return nil
		}
		return err
	}
	fmt.Println(result.Text)
	fmt.Fprintf(os.Stderr, "%d tokens in %s (finish reason: %s)\n",
		result.TokenCount, result.Duration.Round(time.Millisecond), result.FinishReason)
	return nil
}
