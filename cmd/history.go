package cmd

import (
	"fmt"
	"time"

	"github.com/BioHazard786/huddle/internal/history"
	"github.com/BioHazard786/huddle/internal/ui"
	"github.com/spf13/cobra"
)

var flagHistoryLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		records, err := store.List(flagHistoryLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(ui.Output, ui.HistoryTableView(records, time.Now()))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "number of calls to show (0 for all)")
	historyCmd.Flags().String("history", "", "call history file")
	rootCmd.AddCommand(historyCmd)
}
