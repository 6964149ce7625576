package directory

import "time"

// Consensus is a parsed network-consensus document: a validity window plus
// the full relay map. Treated as immutable once installed; a refresh
// replaces it atomically.
type Consensus struct {
	ValidAfter       time.Time
	ValidUntil       time.Time
	Relays           []Relay
	// BandwidthWeights holds the "bandwidth-weights" line's Wgg/Wgd/Wmm/Wmg/Wme/Wmd/Wee/...
	// table. Parsed and exposed for inspection, but selection.go's
	// SelectRelay deliberately does not consult it: the flat
	// sum-of-suitable-bandwidths draw is what's specified, not a
	// per-position weight table (see DESIGN.md).
	BandwidthWeights map[string]int64
}

// Relay is an immutable relay descriptor as carried in the consensus.
type Relay struct {
	Nickname        string
	Identity        [20]byte // fingerprint of the long-term identity key
	Address         string
	ORPort          uint16
	DirPort         uint16
	Flags           RelayFlags
	Bandwidth       int64  // advertised bandwidth (opaque weight units)
	MicrodescDigest string // base64 digest from the "m" line

	// Populated by the microdescriptor-fetch hook after the "r"/"s"/"w" pass.
	NtorOnionKey [32]byte
	HasNtorKey   bool
}

// Clone returns a value copy of the relay, so a caller holding it cannot pin
// the consensus snapshot it came from.
func (r Relay) Clone() Relay {
	return r
}

// RelayFlags is the flag set from a relay's "s" line. Unrecognized flags are
// preserved verbatim in Other rather than dropped.
type RelayFlags struct {
	Authority bool
	BadExit   bool
	Exit      bool
	Fast      bool
	Guard     bool
	HSDir     bool
	Middle    bool
	Running   bool
	Stable    bool
	V2Dir     bool
	Valid     bool
	Other     []string
}
