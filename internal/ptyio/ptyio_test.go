package ptyio

import (
	"bufio"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/myolink/internal/testutils"
)

func openPTY(t *testing.T, opts Options) *PTY {
	t.Helper()
	opts.Logger = testutils.NewTestHelper(t).Logger
	p, err := Open(opts)
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func openSlave(t *testing.T, p *PTY) *os.File {
	t.Helper()
	f, err := os.OpenFile(p.TTYName(), os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestPTY_WriteLineReachesSlave(t *testing.T) {
	p := openPTY(t, Options{})
	slave := openSlave(t, p)

	require.NoError(t, p.WriteLine("1,2,3"))

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(slave).ReadString('\n')
		got <- line
	}()
	select {
	case line := <-got:
		assert.Equal(t, "1,2,3\r\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("line never reached the slave")
	}
	assert.Eventually(t, func() bool { return p.Stats().WriteBytesTotal == 7 }, time.Second, 10*time.Millisecond)
}

func TestPTY_SlaveInputIsSplitIntoLines(t *testing.T) {
	p := openPTY(t, Options{})
	slave := openSlave(t, p)

	_, err := slave.WriteString("vibrate 2\r\n\nsta")
	require.NoError(t, err)
	_, err = slave.WriteString("rt\n")
	require.NoError(t, err)

	var lines []string
	for len(lines) < 2 {
		select {
		case l := <-p.Lines():
			lines = append(lines, l)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %v", lines)
		}
	}
	assert.Equal(t, []string{"vibrate 2", "start"}, lines)
}

func TestPTY_WriteOverflowIsCounted(t *testing.T) {
	p := openPTY(t, Options{WriteCap: 16})

	n, err := p.Write([]byte(strings.Repeat("x", 40)))

	require.NoError(t, err)
	assert.LessOrEqual(t, n, 16)
	assert.EqualValues(t, 40-n, p.Stats().DroppedWriteCount)
	assert.Error(t, p.WriteLine(strings.Repeat("y", 40)))
}

func TestPTY_Close(t *testing.T) {
	p := openPTY(t, Options{})

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")

	_, err := p.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
	_, open := <-p.Lines()
	assert.False(t, open)
}
