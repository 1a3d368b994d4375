// Package config loads the record spec.md §6 names — listen address,
// pool sizing, worker count — from an optional TOML file, then lets
// flag overrides win. The teacher carries no config layer at all; this
// follows the TOML idiom the rest of the retrieval pack's modules use
// for their own config files (SPEC_FULL.md §A).
package config

import (
	"fmt"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Defaults per spec.md §6.
const (
	DefaultListenAddr      = "0.0.0.0"
	DefaultListenPort      = 2025
	DefaultBacklog         = 128
	DefaultMaxConnections  = 1024
	DefaultRingDepth       = 1024
	DefaultRingBufferBytes = 32 * 1024
	DefaultBuddyPoolBytes  = 1 << 20
	DefaultBuddyMinBlock   = 4096
	DefaultAcceptPrearm    = 10
	minWorkerThreads       = 4
)

// Config is the full set of tunables the server façade needs to wire
// the reactor, the dispatcher, and the two-tier pool.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	ListenPort int    `toml:"listen_port"`
	Backlog    int    `toml:"backlog"`

	MaxConnections int `toml:"max_connections"`
	RingDepth      int `toml:"ring_depth"`

	RingBufferBytes int `toml:"ring_buffer_bytes"`
	BuddyPoolBytes  int `toml:"buddy_pool_bytes"`
	BuddyMinBlock   int `toml:"buddy_min_block"`

	WorkerThreads     int `toml:"worker_threads"`
	AcceptPrearmCount int `toml:"accept_prearm_count"`

	StaticRoot string `toml:"static_root"`
}

// Default returns the spec.md §6 defaults. WorkerThreads is resolved to
// runtime.NumCPU(), floored at minWorkerThreads, per §6's "hardware
// concurrency, minimum 4" rule.
func Default() Config {
	workers := runtime.NumCPU()
	if workers < minWorkerThreads {
		workers = minWorkerThreads
	}
	return Config{
		ListenAddr:        DefaultListenAddr,
		ListenPort:        DefaultListenPort,
		Backlog:           DefaultBacklog,
		MaxConnections:    DefaultMaxConnections,
		RingDepth:         DefaultRingDepth,
		RingBufferBytes:   DefaultRingBufferBytes,
		BuddyPoolBytes:    DefaultBuddyPoolBytes,
		BuddyMinBlock:     DefaultBuddyMinBlock,
		WorkerThreads:     workers,
		AcceptPrearmCount: DefaultAcceptPrearm,
	}
}

// Load starts from Default() and overlays any field present in the TOML
// file at path. A missing path is not an error — the caller passes an
// empty string when no config file was given on the command line.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects a config that would make the reactor or pools
// unconstructible, per spec.md §7's Fatal error class (init failures
// exit the process with a non-zero code rather than limping along).
func (c Config) Validate() error {
	// 0 is the standard "let the OS assign an ephemeral port" sentinel
	// (used by TestServerServesGreetingEndToEnd to bind a free port),
	// so only negative values and the range above the 16-bit port space
	// are rejected.
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port %d out of range", c.ListenPort)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive")
	}
	if c.RingBufferBytes <= 0 {
		return fmt.Errorf("config: ring_buffer_bytes must be positive")
	}
	if c.BuddyMinBlock <= 0 || c.BuddyPoolBytes < c.BuddyMinBlock {
		return fmt.Errorf("config: buddy_pool_bytes must be >= buddy_min_block")
	}
	if c.WorkerThreads <= 0 {
		return fmt.Errorf("config: worker_threads must be positive")
	}
	return nil
}
