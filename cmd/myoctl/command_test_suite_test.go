package main

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/srg/myolink/internal/device"
	"github.com/srg/myolink/internal/testutils"
	"github.com/srg/myolink/pkg/config"
	"github.com/srg/myolink/pkg/myo"
)

const testDeviceAddress = "C8:2F:8A:11:22:33"

var (
	emgPayload = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	emgCmd     = myo.MustBuildCommand(myo.EmgFilteredOnly)
	stopCmd    = myo.MustBuildCommand(myo.StopStreaming)
)

// CommandTestSuite runs cobra commands against a FakeTransport.
type CommandTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *testutils.FakeTransport

	savedFactory func(*logrus.Logger, *config.Config) myo.TransportFactory
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = testutils.NewFakeTransport()
	s.savedFactory = transportFactory
	transportFactory = func(*logrus.Logger, *config.Config) myo.TransportFactory {
		return func(device.PeripheralHandle) (myo.Transport, error) {
			return s.transport, nil
		}
	}
	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	transportFactory = s.savedFactory
}

// resetFlags restores every flag of cmd and its children to its default,
// since cobra keeps parsed values between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// ExecuteCommand runs the root command with args and returns what was
// written to stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// FireEmgWhile delivers EMG notifications every few milliseconds until stop
// is closed. Notifications sent before streaming starts are dropped by the
// machine, so the loop keeps going.
func (s *CommandTestSuite) FireEmgWhile(stop <-chan struct{}) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if s.transport.CountWrites(emgCmd) > 0 && s.transport.Events() != nil {
					s.transport.FireNotification(myo.Emg0UUID, emgPayload)
				}
			}
		}
	}()
	return &wg
}

// rows returns the non-empty lines of out starting with prefix.
func rows(out, prefix string) []string {
	var found []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			found = append(found, line)
		}
	}
	return found
}
