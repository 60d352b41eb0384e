package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandboxrun/sandboxrun/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "sandboxrund",
	Short: "Sandboxed desktop application hosting daemon",
	Long:  `sandboxrund launches native GUI applications inside a per-session sandbox and streams them to browsers over WebRTC.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sandboxrund v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/sandboxrun/sandboxrun.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(sandboxInitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
