package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/myolink/internal/sink"
	"github.com/srg/myolink/pkg/myo"
)

var (
	streamEmg       bool
	streamImu       bool
	streamFrequency int
	streamDuration  time.Duration
	streamAverages  bool
	streamMQTT      string
	streamMQTTTopic string
	streamWebSocket string
)

var streamCmd = &cobra.Command{
	Use:   "stream <device-address>",
	Short: "Stream EMG and IMU samples as CSV",
	Long: `Connects to the armband, enables the requested data channels and writes one
CSV row per sample to stdout until interrupted or --duration elapses.

Row formats:
  emg,<ms>,<ch0>..<ch7>                     raw EMG values (-128..127)
  imu,<ms>,<qw>,<qx>,<qy>,<qz>,<ax>,<ay>,<az>,<gx>,<gy>,<gz>
  avg_500ms|avg_1s|avg_5s,<ms>,<ch0>..<ch7>  with --averages, once per second

Without --emg or --imu both channels are streamed. --frequency limits EMG rows
to the given rate in Hz; 0 or 200 forwards every sample.

Rows can also be forwarded as JSON events ({"kind","ms","values"}) to an MQTT
broker (--mqtt, one topic per row kind under --mqtt-topic) and to WebSocket
clients (--ws, served at ws://<addr>/stream).

` + deviceAddressNote,
	Example: `  myoctl stream ` + exampleDeviceAddress + `
  myoctl stream ` + exampleDeviceAddress + ` --emg --frequency 50 --duration 10s
  myoctl stream ` + exampleDeviceAddress + ` --emg --averages > session.csv
  myoctl stream ` + exampleDeviceAddress + ` --mqtt tcp://localhost:1883 --ws :8080`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func init() {
	streamCmd.Flags().BoolVar(&streamEmg, "emg", false, "Stream EMG samples")
	streamCmd.Flags().BoolVar(&streamImu, "imu", false, "Stream IMU samples")
	streamCmd.Flags().IntVar(&streamFrequency, "frequency", 0, frequencyUsage())
	streamCmd.Flags().DurationVar(&streamDuration, "duration", 0, "Stop after this long (0 streams until Ctrl+C)")
	streamCmd.Flags().BoolVar(&streamAverages, "averages", false, "Print rolling EMG averages once per second")
	streamCmd.Flags().StringVar(&streamMQTT, "mqtt", "", "Also publish rows to this MQTT broker (e.g. tcp://localhost:1883)")
	streamCmd.Flags().StringVar(&streamMQTTTopic, "mqtt-topic", "myo", "MQTT topic prefix")
	streamCmd.Flags().StringVar(&streamWebSocket, "ws", "", "Also serve rows to WebSocket clients on this address (e.g. :8080)")
}

func frequencyUsage() string {
	presets := make([]string, len(myo.FrequencyPresets))
	for i, hz := range myo.FrequencyPresets {
		presets[i] = strconv.Itoa(hz)
	}
	return fmt.Sprintf("EMG output rate in Hz, 0-%d (presets: %s; overrides the configuration file)",
		myo.MaxFrequency, strings.Join(presets, ", "))
}

// streamOptions selects what streamSamples publishes.
type streamOptions struct {
	emg      bool
	imu      bool
	averages bool
	sink     sink.Sink // optional extra destination for every row
}

func runStream(cmd *cobra.Command, args []string) error {
	opts := streamOptions{emg: streamEmg, imu: streamImu, averages: streamAverages}
	if !opts.emg && !opts.imu {
		opts.emg, opts.imu = true, true
	}
	if opts.averages && !opts.emg {
		return fmt.Errorf("--averages requires the EMG channel")
	}
	if cmd.Flags().Changed("frequency") && (streamFrequency < 0 || streamFrequency > myo.MaxFrequency) {
		return fmt.Errorf("--frequency %d: %w", streamFrequency, myo.ErrInvalidFrequency)
	}
	if streamDuration < 0 {
		return fmt.Errorf("--duration must not be negative, got %s", streamDuration)
	}

	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, err := openSession(ctx, cmd, args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	if cmd.Flags().Changed("frequency") {
		if err := s.machine.SetFrequency(ctx, streamFrequency); err != nil {
			return err
		}
	}
	if streamDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, streamDuration)
		defer stop()
	}

	fanout, err := openSinks(cmd, s.logger)
	if err != nil {
		return err
	}
	defer fanout.Close()
	if fanout.Len() > 0 {
		opts.sink = fanout
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Streaming... Press Ctrl+C to stop")
	err = streamSamples(ctx, s.machine, cmd.OutOrStdout(), opts)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// openSinks connects the sinks requested on the command line.
func openSinks(cmd *cobra.Command, logger *logrus.Logger) (*sink.Fanout, error) {
	var sinks []sink.Sink
	if streamMQTT != "" {
		m, err := sink.DialMQTT(sink.MQTTOptions{
			Broker:   streamMQTT,
			ClientID: "myoctl-" + strconv.Itoa(os.Getpid()),
			Topic:    streamMQTTTopic,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
	}
	if streamWebSocket != "" {
		h, err := sink.ListenHub(streamWebSocket, sink.HubOptions{Logger: logger})
		if err != nil {
			_ = sink.NewFanout(logger, sinks...).Close()
			return nil, err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving rows at %s\n", h.URL())
		sinks = append(sinks, h)
	}
	return sink.NewFanout(logger, sinks...), nil
}

// streamSamples starts the selected channels and writes CSV rows to out until
// ctx is done or the connection drops. Streaming is stopped on return.
func streamSamples(ctx context.Context, m *myo.Machine, out io.Writer, opts streamOptions) error {
	emgSub := m.SubscribeEmg()
	defer emgSub.Close()
	imuSub := m.SubscribeImu()
	defer imuSub.Close()
	states := m.SubscribeState()
	defer states.Close()

	var err error
	switch {
	case opts.emg && opts.imu:
		err = m.StartStreaming(ctx)
	case opts.emg:
		err = m.StartEmgStreaming(ctx)
	default:
		err = m.StartImuStreaming(ctx)
	}
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		_ = m.StopStreaming(stopCtx)
	}()

	w := csv.NewWriter(out)
	write := func(rec []string) error {
		if opts.sink != nil {
			// network sinks are best effort
			_ = opts.sink.Write(rec)
		}
		if err := w.Write(rec); err != nil {
			return err
		}
		w.Flush()
		return w.Error()
	}
	f := newSampleFormatter(time.Now)

	var history *myo.EmgHistory
	var avgTick <-chan time.Time
	if opts.averages {
		history = myo.NewEmgHistory()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		avgTick = ticker.C
	}

	emgC, imuC := emgSub.C(), imuSub.C()
	if !opts.emg {
		emgC = nil
	}
	if !opts.imu {
		imuC = nil
	}

	for {
		select {
		case sample, ok := <-emgC:
			if !ok {
				emgC = nil
				continue
			}
			if history != nil {
				_ = history.Record(sample)
			}
			if err := write(f.emg(sample)); err != nil {
				return err
			}
		case sample, ok := <-imuC:
			if !ok {
				imuC = nil
				continue
			}
			if err := write(f.imu(sample)); err != nil {
				return err
			}
		case <-avgTick:
			for _, rec := range f.averages(history.Averages()) {
				if err := write(rec); err != nil {
					return err
				}
			}
		case st, ok := <-states.C():
			if !ok || st == myo.Disconnected {
				return ErrConnectionLost
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
