package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/myolink/pkg/myo"
)

var vibratePattern int

var vibrateCmd = &cobra.Command{
	Use:   "vibrate <device-address>",
	Short: "Trigger a vibration pattern",
	Long: `Connects to the armband and sends a vibration command.
Patterns: 1 short, 2 medium, 3 long.

` + deviceAddressNote,
	Example: `  myoctl vibrate ` + exampleDeviceAddress + `
  myoctl vibrate ` + exampleDeviceAddress + ` --pattern 3`,
	Args: cobra.ExactArgs(1),
	RunE: runVibrate,
}

func init() {
	vibrateCmd.Flags().IntVarP(&vibratePattern, "pattern", "p", 1, "Vibration pattern (1-3)")
}

func runVibrate(cmd *cobra.Command, args []string) error {
	if vibratePattern < 1 || vibratePattern > 3 {
		return fmt.Errorf("--pattern %d: %w", vibratePattern, myo.ErrInvalidCommandParameter)
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, err := openSession(ctx, cmd, args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.machine.SendVibration(ctx, vibratePattern); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Vibration pattern %d sent\n", vibratePattern)
	return nil
}
