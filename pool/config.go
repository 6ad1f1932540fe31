package pool

import (
	"fmt"
	"strings"
)

// ShutdownMode defines what happens to outstanding work when the pool is
// shut down.
type ShutdownMode int

const (
	// ShutdownDrain stops accepting jobs, runs everything already queued and
	// waits for the workers to go idle.
	ShutdownDrain ShutdownMode = iota

	// ShutdownAbandon stops accepting jobs and drops everything still queued.
	// Jobs already running are not interrupted; they keep their worker until
	// they return, but nobody waits for them.
	ShutdownAbandon
)

func (m ShutdownMode) String() string {
	switch m {
	case ShutdownDrain:
		return "drain"
	case ShutdownAbandon:
		return "abandon"
	default:
		return fmt.Sprintf("ShutdownMode(%d)", int(m))
	}
}

func ParseShutdownMode(s string) (ShutdownMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drain":
		return ShutdownDrain, nil
	case "abandon":
		return ShutdownAbandon, nil
	default:
		return 0, fmt.Errorf("unknown shutdown mode %q (want drain or abandon)", s)
	}
}

type Config struct {
	Workers      int
	ShutdownMode ShutdownMode

	// ForceInterrupt makes a task timeout cancel the context passed to its
	// work. It is off by default: a timed-out task releases its waiter but
	// the work keeps its worker until it returns on its own.
	ForceInterrupt bool
}

func DefaultConfig() Config {
	return Config{
		Workers:      2,
		ShutdownMode: ShutdownDrain,
	}
}

func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0, got %d", c.Workers)
	}
	switch c.ShutdownMode {
	case ShutdownDrain, ShutdownAbandon:
	default:
		return fmt.Errorf("invalid shutdown mode %v", c.ShutdownMode)
	}
	return nil
}
