package dist

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config describes this process's place in the training job. It is read
// from the launcher-provided environment (torchrun-compatible variable
// names) so the same launch tooling works unchanged.
type Config struct {
	Rank       int
	World      int
	MasterAddr string
	MasterPort int
	Timeout    time.Duration
}

// DefaultTimeout bounds every rendezvous and collective operation. A peer
// that does not arrive within it is treated as failed instead of stalling
// the run forever.
const DefaultTimeout = 2 * time.Minute

const defaultMasterPort = 29500

// FromEnv reads RANK (fallback LOCAL_RANK), WORLD_SIZE, MASTER_ADDR and
// MASTER_PORT. A single-process run needs no environment at all.
func FromEnv() (Config, error) {
	cfg := Config{
		Rank:       0,
		World:      1,
		MasterAddr: "127.0.0.1",
		MasterPort: defaultMasterPort,
		Timeout:    DefaultTimeout,
	}

	if v := os.Getenv("WORLD_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid WORLD_SIZE %q", v)
		}
		cfg.World = n
	}
	rankVar := os.Getenv("RANK")
	if rankVar == "" {
		rankVar = os.Getenv("LOCAL_RANK")
	}
	if rankVar != "" {
		n, err := strconv.Atoi(rankVar)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid RANK %q", rankVar)
		}
		cfg.Rank = n
	}
	if cfg.Rank >= cfg.World {
		return Config{}, fmt.Errorf("rank %d out of range for world size %d", cfg.Rank, cfg.World)
	}
	if v := os.Getenv("MASTER_ADDR"); v != "" {
		cfg.MasterAddr = v
	}
	if v := os.Getenv("MASTER_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return Config{}, fmt.Errorf("invalid MASTER_PORT %q", v)
		}
		cfg.MasterPort = n
	}
	return cfg, nil
}
