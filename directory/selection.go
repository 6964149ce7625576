package directory

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/rivergate/shadowcircuit/xerr"
)

// HopRole is the position-dependent suitability role a relay must satisfy.
type HopRole int

const (
	RoleGuard HopRole = iota
	RoleMiddle
	RoleExit
)

// RoleForPosition maps a hop index within a circuit of the given total length
// to its role: hop 0 is the guard, the last hop is the exit, everything
// between is middle.
func RoleForPosition(hopIndex, totalHops int) HopRole {
	switch {
	case hopIndex == 0:
		return RoleGuard
	case hopIndex == totalHops-1:
		return RoleExit
	default:
		return RoleMiddle
	}
}

// suitable reports whether r satisfies the flag requirements for role.
func suitable(r Relay, role HopRole) bool {
	if r.Flags.BadExit {
		return false
	}
	switch role {
	case RoleGuard:
		return r.Flags.Guard && r.Flags.Fast && r.Flags.Running && r.Flags.Valid
	case RoleExit:
		return r.Flags.Exit && r.Flags.Fast
	case RoleMiddle:
		if r.Flags.Middle {
			return r.Flags.Fast
		}
		return r.Flags.Fast && r.Flags.Stable && !r.Flags.Guard && !r.Flags.Exit
	default:
		return false
	}
}

// fallbackSuitable is the relaxed Running∧Valid∧¬BadExit set used when no
// relay satisfies the role-specific suitability rule.
func fallbackSuitable(r Relay) bool {
	return r.Flags.Running && r.Flags.Valid && !r.Flags.BadExit
}

// SelectRelay performs bandwidth-weighted random selection among relays
// satisfying role, excluding any relay whose identity is in exclude. Falls
// back to the Running∧Valid∧¬BadExit set if the role-specific set is empty;
// fails NoSuitableRelays if that is empty too.
func SelectRelay(c *Consensus, role HopRole, exclude map[[20]byte]bool) (*Relay, error) {
	candidates := filterRelays(c.Relays, exclude, func(r Relay) bool { return suitable(r, role) && r.HasNtorKey })
	if len(candidates) == 0 {
		candidates = filterRelays(c.Relays, exclude, func(r Relay) bool { return fallbackSuitable(r) && r.HasNtorKey })
	}
	if len(candidates) == 0 {
		return nil, xerr.New(xerr.Directory, "directory.SelectRelay", errNoSuitableRelays{})
	}

	idx, err := weightedDraw(candidates)
	if err != nil {
		return nil, xerr.New(xerr.Directory, "directory.SelectRelay", err)
	}
	picked := candidates[idx].Clone()
	return &picked, nil
}

func filterRelays(relays []Relay, exclude map[[20]byte]bool, pred func(Relay) bool) []Relay {
	var out []Relay
	for _, r := range relays {
		if exclude[r.Identity] {
			continue
		}
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// weightedDraw draws an index proportional to each candidate's bandwidth:
// sum the total, draw uniformly in [0, total) via crypto/rand, and resolve
// the draw with weightedDrawAt. A total of 0 selects uniformly at random.
func weightedDraw(candidates []Relay) (int, error) {
	var total int64
	for _, r := range candidates {
		if r.Bandwidth > 0 {
			total += r.Bandwidth
		}
	}
	if total <= 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand: %w", err)
		}
		return int(n.Int64()), nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	return weightedDrawAt(candidates, n.Int64()), nil
}

// weightedDrawAt resolves a draw already taken from [0, total-bandwidth) to
// a candidate index: walk the list, subtracting each candidate's bandwidth
// from draw, returning the first index where the subtraction goes below
// zero (the last index if draw reaches the end, which a valid draw never
// does). Split out from weightedDraw so the resolution step — the part spec
// fixes as a deterministic property — can be driven with a forced draw
// value instead of crypto/rand.
func weightedDrawAt(candidates []Relay, draw int64) int {
	for i, r := range candidates {
		bw := r.Bandwidth
		if bw < 0 {
			bw = 0
		}
		draw -= bw
		if draw < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

type errNoSuitableRelays struct{}

func (errNoSuitableRelays) Error() string { return "no suitable relays for requested role" }
