package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "load a model and print its metadata report",
	Long: `info loads the checkpoint, prints the tensor inventory and the model
metadata report, then frees the model without running inference.`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cleanup, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// Loading prints the tensor inventory and metadata report.
	llamaModel, _, err := loadEngine(cfg, nil)
	if err != nil {
		return err
	}
	defer llamaModel.Free()

	vocabulary := llamaModel.Vocabulary
	fmt.Print("\nVocabulary:\n")
	fmt.Print("=================================\n")
	fmt.Printf("%-60s = %s\n", "Kind", vocabulary.Kind.String())
	fmt.Printf("%-60s = %d\n", "Pieces", len(vocabulary.IdToToken))
	fmt.Printf("%-60s = %d\n", "Special tokens", len(vocabulary.SpecialTokens))
	fmt.Printf("%-60s = %d\n", "BeginOfSentenceId", vocabulary.BeginOfSentenceId)
	fmt.Printf("%-60s = %d\n", "EndOfSentenceId", vocabulary.EndOfSentenceId)
	fmt.Printf("%-60s = %d\n", "PadId", vocabulary.PadId)
	stops := make([]string, 0, len(vocabulary.StopTokenIds))
	for _, stopTokenId := range vocabulary.StopTokenIds {
		if int(stopTokenId) >= 0 && int(stopTokenId) < len(vocabulary.IdToToken) {
			stops = append(stops, vocabulary.IdToToken[stopTokenId].Piece)
		}
	}
	fmt.Printf("%-60s = %v %q\n", "Stop tokens", vocabulary.StopTokenIds, stops)
	return nil
}
