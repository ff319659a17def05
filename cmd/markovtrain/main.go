// Command markovtrain builds and maintains the Markov prose table the
// tarpit generator reads from at startup.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("markovtrain failed")
	}
}

var rootCmd = &cobra.Command{
	Use:   "markovtrain",
	Short: "Train and inspect the tarpit's Markov prose table",
	Long:  "markovtrain ingests plain-text corpora into the SQL-backed word/transition table internal/tarpit reads for generated pages.",
}

var (
	dbDriver string
	dbDSN    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "sqlite", `SQL driver for the markov table ("sqlite" or "postgres")`)
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db-dsn", "file:markov.db?cache=shared", "data source name for the markov table")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(statsCmd)
}
