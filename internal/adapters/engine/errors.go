package engine

import (
	"fmt"
	"os"

	"github.com/WuChenDi/bitk/internal/domain"
)

func wrapSpawnFailed(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
}

// interruptSignal is the graceful-cancel signal sent to a subprocess
// before the hard-kill deadline elapses.
func interruptSignal() os.Signal {
	return os.Interrupt
}
