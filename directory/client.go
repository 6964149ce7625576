package directory

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rivergate/shadowcircuit/xerr"
)

// freshnessThreshold is how long a cached consensus is served without a
// refresh attempt.
const freshnessThreshold = time.Hour

// MicrodescFetcher resolves onion keys for relays that the consensus itself
// does not carry, batched by microdescriptor digest. A relay whose key
// cannot be resolved is left with HasNtorKey=false and is excluded from
// selection rather than failing the whole fetch.
type MicrodescFetcher interface {
	FetchMicrodescriptors(ctx context.Context, relays []Relay) error
}

// httpMicrodescFetcher fetches microdescriptors over HTTP from the given
// mirror/authority addresses, trying each in turn.
type httpMicrodescFetcher struct {
	addrs []string
}

func (f *httpMicrodescFetcher) FetchMicrodescriptors(ctx context.Context, relays []Relay) error {
	var lastErr error
	for _, addr := range f.addrs {
		if err := UpdateRelaysWithMicrodescriptors(addr, relays); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// Client is the directory subsystem's public entry point: a single-writer/
// multi-reader consensus cache with a fetch policy serialized so at most one
// refresh is in flight at a time.
type Client struct {
	sources     []Source
	micro       MicrodescFetcher
	validate    func(ctx context.Context, text string) error // optional signature-verification hook
	entryGuards map[[20]byte]bool                            // pinned guard fingerprints, preferred over weighted draw

	mu        sync.RWMutex
	consensus *Consensus
	fetchedAt time.Time

	group singleflight.Group
	log   *slog.Logger
}

// NewClient builds a directory client over the given ordered sources. An
// empty sources slice puts the client in mock mode: FetchConsensus then only
// ever returns whatever was last installed via Seed.
func NewClient(sources []Source, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	addrs := make([]string, 0, len(sources))
	for _, s := range sources {
		addrs = append(addrs, s.Addr)
	}
	return &Client{
		sources: sources,
		micro:   &httpMicrodescFetcher{addrs: addrs},
		log:     logger,
	}
}

// WithSignatureValidation installs an optional signature-verification hook,
// invoked with the refresh's context and the raw consensus text before it is
// installed. Not required by default: the core accepts an unsigned consensus
// when sources agree on a non-empty relay map. NewAuthorityValidator builds
// the stricter quorum-enforcing hook from FetchKeyCerts + ValidateSignatures.
func (c *Client) WithSignatureValidation(validate func(ctx context.Context, text string) error) {
	c.validate = validate
}

// WithMicrodescFetcher overrides the default HTTP microdescriptor fetcher,
// mainly for tests.
func (c *Client) WithMicrodescFetcher(f MicrodescFetcher) {
	c.micro = f
}

// WithEntryGuards pins a preference set of guard relays by hex-encoded
// fingerprint (matching the format keycert.go computes identities in).
// Malformed entries are skipped. A circuit's guard hop is drawn from this set
// when one of its members is suitable and not already excluded; otherwise
// selection falls back to the normal weighted draw.
func (c *Client) WithEntryGuards(fingerprints []string) {
	guards := make(map[[20]byte]bool, len(fingerprints))
	for _, fp := range fingerprints {
		raw, err := hex.DecodeString(strings.TrimSpace(fp))
		if err != nil || len(raw) != 20 {
			continue
		}
		var id [20]byte
		copy(id[:], raw)
		guards[id] = true
	}
	c.entryGuards = guards
}

// Seed installs a consensus directly, bypassing fetch. Used for mock mode
// (empty DirectorySources) and tests.
func (c *Client) Seed(cons *Consensus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consensus = cons
	c.fetchedAt = time.Now()
}

// FetchConsensus returns the cached consensus if its age is below the
// freshness threshold; otherwise it fetches from the configured sources,
// parses, best-effort resolves onion keys, validates, installs, and returns
// the new consensus. Concurrent calls serialize on a single in-flight fetch.
func (c *Client) FetchConsensus(ctx context.Context) (*Consensus, error) {
	c.mu.RLock()
	cons, age := c.consensus, time.Since(c.fetchedAt)
	c.mu.RUnlock()
	if cons != nil && age < freshnessThreshold {
		return cons, nil
	}

	v, err, _ := c.group.Do("consensus", func() (any, error) {
		// Re-check: another goroutine may have refreshed while we waited
		// to enter the singleflight call.
		c.mu.RLock()
		cons, age := c.consensus, time.Since(c.fetchedAt)
		c.mu.RUnlock()
		if cons != nil && age < freshnessThreshold {
			return cons, nil
		}
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Consensus), nil
}

func (c *Client) refresh(ctx context.Context) (*Consensus, error) {
	if len(c.sources) == 0 {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.consensus == nil {
			return nil, xerr.New(xerr.Directory, "directory.refresh", fmt.Errorf("mock mode: no consensus seeded"))
		}
		return c.consensus, nil
	}

	text, err := fetchFromSources(ctx, c.sources)
	if err != nil {
		return nil, err
	}

	if c.validate != nil {
		if err := c.validate(ctx, text); err != nil {
			return nil, xerr.New(xerr.Directory, "directory.refresh", fmt.Errorf("signature validation failed: %w", err))
		}
	}

	cons, err := ParseConsensus(text)
	if err != nil {
		return nil, err
	}

	if c.micro != nil {
		if err := c.micro.FetchMicrodescriptors(ctx, cons.Relays); err != nil {
			c.log.Warn("microdescriptor fetch failed, proceeding with partial onion keys", "error", err)
		}
	}

	if err := ValidateFreshness(cons); err != nil {
		c.log.Warn("consensus freshness check failed", "error", err)
	}

	c.mu.Lock()
	c.consensus = cons
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.log.Info("consensus installed", "relays", len(cons.Relays))
	return cons, nil
}

// SelectRelay returns a relay suitable for hopIndex within a circuit of
// totalHops hops, bandwidth-weighted among the suitable set, excluding any
// relay whose identity is already in use elsewhere in the circuit.
func (c *Client) SelectRelay(hopIndex, totalHops int, exclude map[[20]byte]bool) (*Relay, error) {
	c.mu.RLock()
	cons := c.consensus
	c.mu.RUnlock()
	if cons == nil {
		return nil, xerr.New(xerr.Directory, "directory.SelectRelay", fmt.Errorf("no consensus installed"))
	}
	role := RoleForPosition(hopIndex, totalHops)
	if role == RoleGuard && len(c.entryGuards) > 0 {
		if pinned := c.selectPinnedGuard(cons, exclude); pinned != nil {
			return pinned, nil
		}
	}
	return SelectRelay(cons, role, exclude)
}

// selectPinnedGuard returns the first pinned, suitable, non-excluded guard it
// finds in consensus order, or nil if none of the pinned set qualifies.
func (c *Client) selectPinnedGuard(cons *Consensus, exclude map[[20]byte]bool) *Relay {
	for _, r := range cons.Relays {
		if !c.entryGuards[r.Identity] || exclude[r.Identity] {
			continue
		}
		if !r.HasNtorKey || !suitable(r, RoleGuard) {
			continue
		}
		picked := r.Clone()
		return &picked
	}
	return nil
}
