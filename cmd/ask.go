package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ypodo/VisualQuestionAnswering/src/pipeline"
)

var askJSON bool

var askCmd = &cobra.Command{
	Use:   "ask <document> <question>",
	Short: "answer a question from a document",
	Long: `ask fetches a document (URL, local file path or inline text), retrieves
the chunks most relevant to the question and extracts an answer. The
result carries the answer text, a confidence score and the half-open
word range [start, end) of the answer inside the document, or [-1, -1)
when the answer is not a literal span of it.`,
	Args: cobra.ExactArgs(2),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the result as JSON")
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	llamaModel, engine, err := loadEngine(cfg, nil)
	if err != nil {
		return err
	}
	defer llamaModel.Free()

	fetcher := pipeline.NewFetcher(cfg.Pipeline.ToFetcherOptions())
	defer fetcher.Close()
	questionAnswering := pipeline.NewQuestionAnswering(engine, fetcher, cfg.Pipeline.ToQuestionAnsweringOptions())

	answer, err := questionAnswering.AnswerWithArgs(ctx, args[0], args[1], cfg.Generation.ToInferenceArgs())
	if err != nil {
		return err
	}

	if askJSON {
		out, err := json.MarshalIndent(answer, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	color.Green("Answer: %s", answer.Answer)
	fmt.Printf("Score:  %.4f\n", answer.Score)
	if answer.Start >= 0 {
		fmt.Printf("Span:   words [%d, %d) of the document\n", answer.Start, answer.End)
	} else {
		fmt.Println("Span:   answer is not a literal span of the document")
	}
	return nil
}
