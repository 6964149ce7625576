// Package config holds the wiring-level settings external to the core
// subsystems: listen ports, directory sources, and persisted-state location.
// Process startup and flag parsing are left to cmd/tor-client.
package config

import (
	"github.com/rivergate/shadowcircuit/directory"
)

// Config is the set of knobs cmd/tor-client wires into the directory
// client, circuit manager, and SOCKS5 proxy at startup.
type Config struct {
	// SocksPort is the loopback TCP port the SOCKS5 proxy binds.
	SocksPort uint16
	// ControlPort is reserved for a future control-port surface; the core
	// does not listen on it today.
	ControlPort uint16
	// DirectorySources are the consensus authorities/mirrors the directory
	// client fetches from, tried in order. An empty slice puts the
	// directory client in mock mode (Seed-only, no network fetch).
	DirectorySources []directory.Source
	// EntryGuards is a pinned-preference list of guard relay identities
	// (hex-encoded fingerprints), consulted by relay selection before
	// falling back to weighted random choice among suitable guards.
	EntryGuards []string
	// DataDirectory is where a persisted consensus cache would live. The
	// core's directory client holds its consensus in memory only; this
	// field exists for a future on-disk cache without churning the
	// config shape then.
	DataDirectory string
}

// Default returns the standard Tor-client port assignment with no
// configured directory sources (mock mode) and no pinned guards.
func Default() Config {
	return Config{
		SocksPort:   9050,
		ControlPort: 9051,
	}
}
