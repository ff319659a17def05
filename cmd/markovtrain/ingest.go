package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skywalker-88/tarpitgate/internal/markov"
)

var maxDistinctWords int

var ingestCmd = &cobra.Command{
	Use:   "ingest <file> [file...]",
	Short: "Tokenize one or more text files into the markov table",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := markov.Open(dbDriver, dbDSN)
		if err != nil {
			return fmt.Errorf("open markov store: %w", err)
		}

		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			err = markov.Train(store, f, maxDistinctWords)
			f.Close()
			if err != nil {
				return fmt.Errorf("train on %s: %w", path, err)
			}
			log.Info().Str("file", path).Msg("ingested")
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().IntVar(&maxDistinctWords, "max-distinct-words", 0, "evict least-frequent words above this count after ingest (0 disables eviction)")
}
