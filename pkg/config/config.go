// Package config loads the TOML configuration shared by the supervisor and
// the participants of a segment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/srediag/shmipc-core/internal/logging"
	"github.com/srediag/shmipc-core/pkg/chunk"
	"github.com/srediag/shmipc-core/pkg/relptr"
	"github.com/srediag/shmipc-core/pkg/shm"
)

const (
	// MinSegmentSize is the smallest segment accepted.
	MinSegmentSize = 64 << 10
	// MaxSegmentSize is the largest segment accepted.
	MaxSegmentSize = 32 << 30
	minScanInterval = time.Millisecond
)

var ErrInvalidConfig = errors.New("invalid config")

var log = logging.New("config")

// SegmentConfig names the segment and its size.
type SegmentConfig struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
	ID   uint16 `toml:"id"`
	Size int    `toml:"size"`
}

// SupervisorConfig tunes the supervisor daemon.
type SupervisorConfig struct {
	ScanInterval   time.Duration `toml:"scan_interval"`
	Workers        int           `toml:"workers"`
	MetricsAddress string        `toml:"metrics_address"`
}

// Config is the full configuration.
type Config struct {
	Segment         SegmentConfig         `toml:"segment"`
	Chunks          []chunk.SizeCountPair `toml:"chunks"`
	LedgerCapacity  uint32                `toml:"ledger_capacity"`
	MaxParticipants uint32                `toml:"max_participants"`
	Supervisor      SupervisorConfig      `toml:"supervisor"`
	LogLevel        string                `toml:"log_level"`
}

// DefaultConfig is the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Segment: SegmentConfig{
			Name: "shmipc",
			ID:   1,
			Size: 64 << 20,
		},
		Chunks: []chunk.SizeCountPair{
			{Size: 128, Count: 4096},
			{Size: 1024, Count: 2048},
			{Size: 16 << 10, Count: 512},
			{Size: 128 << 10, Count: 64},
		},
		LedgerCapacity:  256,
		MaxParticipants: 64,
		Supervisor: SupervisorConfig{
			ScanInterval:   100 * time.Millisecond,
			Workers:        4,
			MetricsAddress: ":9464",
		},
		LogLevel: "warn",
	}
}

// Load reads path over the defaults and verifies the result.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
		for _, key := range md.Undecoded() {
			log.Warnf("config %s: unknown key %s", path, key)
		}
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Layout returns the segment layout the configuration describes.
func (c *Config) Layout() shm.LayoutConfig {
	return shm.LayoutConfig{
		Classes:         c.Chunks,
		LedgerCapacity:  c.LedgerCapacity,
		MaxParticipants: c.MaxParticipants,
	}
}

// OpenOptions returns the options to map the configured segment.
func (c *Config) OpenOptions(create bool) shm.OpenOptions {
	return shm.OpenOptions{
		Name:   c.Segment.Name,
		Path:   c.Segment.Path,
		ID:     c.Segment.ID,
		Size:   c.Segment.Size,
		Create: create,
	}
}

// Level returns the configured log level.
func (c *Config) Level() int {
	l, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelWarn
	}
	return l
}

// VerifyConfig checks c for errors.
func VerifyConfig(c *Config) error {
	if c.Segment.Name == "" && c.Segment.Path == "" {
		return fmt.Errorf("%w: segment name or path is required", ErrInvalidConfig)
	}
	if c.Segment.ID == relptr.MaxID {
		return fmt.Errorf("%w: segment id %#x is reserved", ErrInvalidConfig, c.Segment.ID)
	}
	if c.Segment.Size < MinSegmentSize || c.Segment.Size > MaxSegmentSize {
		return fmt.Errorf("%w: segment size %d must be in [%d, %d]",
			ErrInvalidConfig, c.Segment.Size, MinSegmentSize, MaxSegmentSize)
	}
	if len(c.Chunks) == 0 {
		return fmt.Errorf("%w: at least one chunk class is required", ErrInvalidConfig)
	}
	for i := 1; i < len(c.Chunks); i++ {
		if c.Chunks[i].Size <= c.Chunks[i-1].Size {
			return fmt.Errorf("%w: chunk sizes must be strictly ascending, got %d after %d",
				ErrInvalidConfig, c.Chunks[i].Size, c.Chunks[i-1].Size)
		}
	}
	l, err := shm.ComputeLayout(c.Layout())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if l.Total > c.Segment.Size {
		return fmt.Errorf("%w: layout needs %d bytes, segment size is %d", ErrInvalidConfig, l.Total, c.Segment.Size)
	}
	if c.Supervisor.ScanInterval < minScanInterval {
		return fmt.Errorf("%w: scan interval %s is below %s", ErrInvalidConfig, c.Supervisor.ScanInterval, minScanInterval)
	}
	if c.Supervisor.Workers < 1 {
		return fmt.Errorf("%w: workers %d must be positive", ErrInvalidConfig, c.Supervisor.Workers)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
