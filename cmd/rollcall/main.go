package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var (
	// Set via ldflags.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Rollcall - attendance roll calls over Telegram",
	Long: `Rollcall announces events to a group chat, sends every roster member a
direct YES/NO prompt and keeps a live tally until the event starts.

Run "rollcall serve" to start the bot. The other commands talk to a running
instance through its admin API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rollcall version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	addClientFlags(rootCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(recipientCmd)
	rootCmd.AddCommand(settingCmd)
}
