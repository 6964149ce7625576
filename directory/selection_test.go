package directory

import (
	"testing"

	"github.com/rivergate/shadowcircuit/xerr"
)

func relay(id byte, bw int64, flags RelayFlags) Relay {
	r := Relay{Bandwidth: bw, Flags: flags, HasNtorKey: true}
	r.Identity[0] = id
	return r
}

func TestSelectRelayDeterministicSingleCandidate(t *testing.T) {
	c := &Consensus{Relays: []Relay{
		relay(1, 1000, RelayFlags{Guard: true, Fast: true, Running: true, Valid: true}),
	}}
	got, err := SelectRelay(c, RoleGuard, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity[0] != 1 {
		t.Fatalf("got relay %d, want 1", got.Identity[0])
	}
}

func TestSelectRelayFallsBackToRunningValid(t *testing.T) {
	c := &Consensus{Relays: []Relay{
		relay(1, 1000, RelayFlags{Running: true, Valid: true}), // not Exit-flagged
	}}
	got, err := SelectRelay(c, RoleExit, nil)
	if err != nil {
		t.Fatalf("expected fallback selection to succeed: %v", err)
	}
	if got.Identity[0] != 1 {
		t.Fatal("expected fallback relay returned")
	}
}

func TestSelectRelayNoSuitableRelaysFails(t *testing.T) {
	c := &Consensus{Relays: []Relay{
		relay(1, 1000, RelayFlags{BadExit: true}),
	}}
	_, err := SelectRelay(c, RoleExit, nil)
	if !xerr.Is(err, xerr.Directory) {
		t.Fatalf("expected Directory/NoSuitableRelays error, got %v", err)
	}
}

func TestSelectRelayExcludesIdentities(t *testing.T) {
	c := &Consensus{Relays: []Relay{
		relay(1, 1000, RelayFlags{Guard: true, Fast: true, Running: true, Valid: true}),
	}}
	exclude := map[[20]byte]bool{}
	var id [20]byte
	id[0] = 1
	exclude[id] = true

	_, err := SelectRelay(c, RoleGuard, exclude)
	if !xerr.Is(err, xerr.Directory) {
		t.Fatalf("expected excluded relay to leave no candidates, got %v", err)
	}
}

func TestRoleForPosition(t *testing.T) {
	if RoleForPosition(0, 3) != RoleGuard {
		t.Fatal("hop 0 should be guard")
	}
	if RoleForPosition(1, 3) != RoleMiddle {
		t.Fatal("hop 1 of 3 should be middle")
	}
	if RoleForPosition(2, 3) != RoleExit {
		t.Fatal("last hop should be exit")
	}
	if RoleForPosition(0, 1) != RoleGuard {
		t.Fatal("single-hop circuit: hop 0 takes guard role precedence")
	}
}

func TestWeightedDrawAtForcedDraws(t *testing.T) {
	candidates := []Relay{
		relay('A', 1, RelayFlags{}),
		relay('B', 2, RelayFlags{}),
		relay('C', 3, RelayFlags{}),
	}
	cases := []struct {
		draw int64
		want byte
	}{
		{0, 'A'},
		{1, 'B'},
		{2, 'B'},
		{3, 'C'},
		{4, 'C'},
		{5, 'C'},
	}
	for _, tc := range cases {
		idx := weightedDrawAt(candidates, tc.draw)
		if got := candidates[idx].Identity[0]; got != tc.want {
			t.Fatalf("draw %d: resolved to relay %q, want %q", tc.draw, got, tc.want)
		}
	}
}

func TestWeightedRandomSkewedWeightFavored(t *testing.T) {
	candidates := []Relay{
		relay(1, 1, RelayFlags{}),
		relay(2, 1000000, RelayFlags{}),
	}
	var heavy int
	for i := 0; i < 1000; i++ {
		idx, err := weightedDraw(candidates)
		if err != nil {
			t.Fatal(err)
		}
		if idx == 1 {
			heavy++
		}
	}
	if heavy < 950 {
		t.Fatalf("heavy weight selected %d/1000 times, expected at least 950", heavy)
	}
}

func TestWeightedDrawZeroWeightsUniform(t *testing.T) {
	candidates := []Relay{
		relay(1, 0, RelayFlags{}),
		relay(2, 0, RelayFlags{}),
	}
	idx, err := weightedDraw(candidates)
	if err != nil {
		t.Fatal(err)
	}
	if idx != 0 && idx != 1 {
		t.Fatalf("index out of range: %d", idx)
	}
}
