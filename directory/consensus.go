package directory

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rivergate/shadowcircuit/xerr"
)

const defaultBandwidth = 1_000_000

// bandwidthLookaheadLines is how many lines after an "r" line the parser
// will scan for a "w Bandwidth=" line before falling back to the default.
const bandwidthLookaheadLines = 5

// ParseConsensus parses a line-oriented network-consensus document. An empty
// relay map fails with Directory/InvalidConsensus.
func ParseConsensus(text string) (*Consensus, error) {
	c := &Consensus{BandwidthWeights: make(map[string]int64)}

	lines := strings.Split(text, "\n")
	var current *Relay
	linesSinceRelay := 0
	bandwidthSet := false

	flush := func() {
		if current != nil {
			c.Relays = append(c.Relays, *current)
		}
	}

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		if current != nil {
			linesSinceRelay++
		}

		switch {
		case strings.HasPrefix(line, "valid-after "):
			t, err := time.Parse("2006-01-02 15:04:05", line[len("valid-after "):])
			if err == nil {
				c.ValidAfter = t
			}

		case strings.HasPrefix(line, "valid-until "):
			t, err := time.Parse("2006-01-02 15:04:05", line[len("valid-until "):])
			if err == nil {
				c.ValidUntil = t
			}

		case strings.HasPrefix(line, "r "):
			flush()
			relay, err := parseRouterLine(line)
			if err != nil {
				current = nil
				continue
			}
			current = relay
			linesSinceRelay = 0
			bandwidthSet = false

		case strings.HasPrefix(line, "m "):
			if current != nil {
				parts := strings.Fields(line)
				if len(parts) >= 2 {
					current.MicrodescDigest = strings.TrimPrefix(parts[1], "sha256=")
				}
			}

		case strings.HasPrefix(line, "s "):
			if current != nil {
				parseFlags(current, line)
			}

		case strings.HasPrefix(line, "w "):
			if current != nil && linesSinceRelay <= bandwidthLookaheadLines {
				if bw, ok := parseBandwidth(line); ok {
					current.Bandwidth = bw
					bandwidthSet = true
				}
			}

		case strings.HasPrefix(line, "bandwidth-weights "):
			parseBandwidthWeights(c, line)
		}

		if current != nil && !bandwidthSet && linesSinceRelay == bandwidthLookaheadLines {
			current.Bandwidth = defaultBandwidth
			bandwidthSet = true
		}
	}
	flush()

	for i := range c.Relays {
		if c.Relays[i].Bandwidth == 0 {
			c.Relays[i].Bandwidth = defaultBandwidth
		}
	}

	if len(c.Relays) == 0 {
		return nil, xerr.New(xerr.Directory, "directory.ParseConsensus", fmt.Errorf("consensus has an empty relay map"))
	}
	return c, nil
}

// parseRouterLine parses an "r" line's nine whitespace-separated fields:
// r <nickname> <identity-b64> <digest-b64> <YYYY-MM-DD> <HH:MM:SS> <ip> <or-port> <dir-port>
// The digest field is not retained on Relay (microdescriptor lookup keys off
// the "m" line instead).
func parseRouterLine(line string) (*Relay, error) {
	parts := strings.Fields(line)
	if len(parts) != 9 {
		return nil, fmt.Errorf("r line has %d fields, want 9: %q", len(parts), line)
	}

	id, err := decodeIdentity(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}

	orPort, err := strconv.ParseUint(parts[7], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse ORPort: %w", err)
	}
	dirPort, err := strconv.ParseUint(parts[8], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse DirPort: %w", err)
	}

	relay := &Relay{
		Nickname: parts[1],
		Address:  parts[6],
		ORPort:   uint16(orPort),
		DirPort:  uint16(dirPort),
	}
	relay.Identity = id
	return relay, nil
}

// decodeIdentity decodes an unpadded, URL-safe base64 identity token into a
// 20-byte fingerprint, substituting URL-safe characters back to the
// standard alphabet and restoring the padding the consensus omits.
func decodeIdentity(tok string) ([20]byte, error) {
	var id [20]byte
	std := strings.NewReplacer("-", "+", "_", "/").Replace(tok)
	if pad := len(std) % 4; pad != 0 {
		std += strings.Repeat("=", 4-pad)
	}
	b, err := base64.StdEncoding.DecodeString(std)
	if err != nil {
		return id, err
	}
	if len(b) != 20 {
		return id, fmt.Errorf("identity is %d bytes, want 20", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func parseFlags(relay *Relay, line string) {
	for _, f := range strings.Fields(line)[1:] {
		switch f {
		case "Authority":
			relay.Flags.Authority = true
		case "BadExit":
			relay.Flags.BadExit = true
		case "Exit":
			relay.Flags.Exit = true
		case "Fast":
			relay.Flags.Fast = true
		case "Guard":
			relay.Flags.Guard = true
		case "HSDir":
			relay.Flags.HSDir = true
		case "Middle":
			relay.Flags.Middle = true
		case "Running":
			relay.Flags.Running = true
		case "Stable":
			relay.Flags.Stable = true
		case "V2Dir":
			relay.Flags.V2Dir = true
		case "Valid":
			relay.Flags.Valid = true
		default:
			relay.Flags.Other = append(relay.Flags.Other, f)
		}
	}
}

func parseBandwidth(line string) (int64, bool) {
	for _, field := range strings.Fields(line)[1:] {
		if strings.HasPrefix(field, "Bandwidth=") {
			bw, err := strconv.ParseInt(field[len("Bandwidth="):], 10, 64)
			if err == nil {
				return bw, true
			}
		}
	}
	return 0, false
}

func parseBandwidthWeights(c *Consensus, line string) {
	for _, field := range strings.Fields(line)[1:] {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) == 2 {
			if val, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				c.BandwidthWeights[parts[0]] = val
			}
		}
	}
}

// ValidateFreshness is informational per spec §4.3 ("validity window is
// informational"): it reports whether the consensus claims to be current,
// but FetchConsensus does not reject a consensus that fails it.
func ValidateFreshness(c *Consensus) error {
	now := time.Now().UTC()
	const skew = 5 * time.Minute
	if c.ValidAfter.IsZero() || c.ValidUntil.IsZero() {
		return fmt.Errorf("consensus missing validity timestamps")
	}
	if now.Before(c.ValidAfter.Add(-skew)) {
		return fmt.Errorf("consensus is from the future (valid-after %s, now %s)", c.ValidAfter, now)
	}
	if now.After(c.ValidUntil.Add(skew)) {
		return fmt.Errorf("consensus has expired (valid-until %s, now %s)", c.ValidUntil, now)
	}
	return nil
}
