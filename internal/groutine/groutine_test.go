package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoDone_PropagatesName(t *testing.T) {
	names := make(chan string, 1)
	done := GoDone(context.Background(), "myo-test-worker", func(ctx context.Context) {
		names <- GetName(ctx)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}
	assert.Equal(t, "myo-test-worker", <-names)
}

func TestGetName_Empty(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	//nolint:staticcheck // nil context is handled explicitly
	assert.Equal(t, "", GetName(nil))
}
