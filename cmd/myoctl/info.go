package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/myolink/pkg/myo"
)

const infoPollInterval = 20 * time.Millisecond

var infoJSON bool

var infoCmd = &cobra.Command{
	Use:   "info <device-address>",
	Short: "Read the Myo device info characteristic",
	Long: `Connects to the armband, reads the device info characteristic and prints
the serial number, unlock pose, classifier state and stream type.

` + deviceAddressNote,
	Example: `  myoctl info ` + exampleDeviceAddress + `
  myoctl info ` + exampleDeviceAddress + ` --json`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Output as JSON")
}

func runInfo(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, err := openSession(ctx, cmd, args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	format := s.cfg.OutputFormat
	if infoJSON {
		format = "json"
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer waitCancel()
	info, err := waitDeviceInfo(waitCtx, s.machine)
	if err != nil {
		return err
	}
	return writeDeviceInfo(cmd.OutOrStdout(), info, format)
}

// waitDeviceInfo polls until the info characteristic has been decoded.
// The read is queued after the machine turns Ready.
func waitDeviceInfo(ctx context.Context, m *myo.Machine) (myo.DeviceInfo, error) {
	ticker := time.NewTicker(infoPollInterval)
	defer ticker.Stop()
	for {
		if info, ok := m.DeviceInfo(); ok {
			return info, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return myo.DeviceInfo{}, fmt.Errorf("device info not available: %w", context.Cause(ctx))
		}
	}
}

// writeDeviceInfo prints info as JSON or as an aligned two-column table.
func writeDeviceInfo(w io.Writer, info myo.DeviceInfo, format string) error {
	fields := info.Fields()
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(fields)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(tw, "%s\t%v\n", pair.Key, pair.Value)
	}
	return tw.Flush()
}
