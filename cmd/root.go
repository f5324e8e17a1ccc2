package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "registration",
	Short: "Competitive-event registration and admission control service",
	Long:  `Capacity-bounded admission control for competitive-event registration: slots, fair waitlists and rate-limited write paths.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
