package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "myoctl",
	Short: "Myo armband command-line tool",
	Long: `Command-line access to a Thalmic Myo armband over Bluetooth Low Energy:

- Read the device info characteristic (serial, unlock pose, classifier state)
- Stream EMG and IMU samples as CSV, optionally sub-sampled
- Print rolling EMG averages over half-second, one-second and five-second windows
- Trigger vibration patterns
- Bridge the stream to a PTY for serial-like access from other tools`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("myoctl {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(vibrateCmd)
	rootCmd.AddCommand(bridgeCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().Duration("connect-timeout", 0, "Connection timeout (overrides the configuration file)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
