// Package main is the nanokernel command-line front end: `boot`, `probe`,
// and `ps` subcommands, replacing gokvm's hand-rolled `flag` package
// (flag/flag.go) with the cobra/pflag tree `arctir-proctor` builds its own
// CLI with (proctor/cmd/cmd.go's SetupCLI/command-var idiom).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "nanokernel",
	Short: "A single-CPU MINIX-style microkernel core, hosted over Linux KVM.",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(psCmd)

	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Execute runs the cobra command tree; main, below, only calls this.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
