package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skywalker-88/tarpitgate/internal/markov"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report word and transition counts for the markov table",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := markov.Open(dbDriver, dbDSN)
		if err != nil {
			return fmt.Errorf("open markov store: %w", err)
		}
		words, transitions, err := store.LoadAll()
		if err != nil {
			return fmt.Errorf("load markov table: %w", err)
		}
		idx := markov.BuildIndex(words, transitions)
		fmt.Printf("words: %d\n", len(words))
		fmt.Printf("transitions: %d\n", len(transitions))
		fmt.Printf("usable: %v\n", !idx.Empty())
		return nil
	},
}
