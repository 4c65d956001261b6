package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeBinary_NotOnPathReportsNotInstalled(t *testing.T) {
	avail := probeBinary(context.Background(), "bitk-does-not-exist-on-path", nil, time.Second)
	require.False(t, avail.Installed)
	require.False(t, avail.Executable)
	require.Equal(t, "not found on PATH", avail.Error)
}

func TestProbeBinary_DeadlineExceededReportsTimeout(t *testing.T) {
	avail := probeBinary(context.Background(), "sleep", []string{"1"}, 10*time.Millisecond)
	require.True(t, avail.Installed)
	require.False(t, avail.Executable)
	require.Equal(t, "timeout", avail.Error)
}
