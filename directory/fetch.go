package directory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rivergate/shadowcircuit/xerr"
)

const (
	authorityTimeout = 30 * time.Second
	mirrorTimeout    = 120 * time.Second
	maxHourWalkback  = 48
	maxConsensusSize = 10 * 1024 * 1024
)

// Source is one configured consensus source: a directory authority or an
// archival mirror keyed by wall-clock hour.
type Source struct {
	Addr     string // host:port
	Archival bool   // true for hour-keyed archival mirrors
}

// fetchFromSources attempts each source in order, trying each one until a
// non-empty, parseable body is returned. Archival sources walk back from the
// current UTC hour up to maxHourWalkback hours looking for a published
// object. Returns Directory/RequestFailed if every attempt fails.
func fetchFromSources(ctx context.Context, sources []Source) (string, error) {
	var lastErr error
	for _, src := range sources {
		if src.Archival {
			body, err := fetchArchivalWalkback(ctx, src.Addr)
			if err != nil {
				lastErr = err
				continue
			}
			if _, err := ParseConsensus(body); err != nil {
				lastErr = err
				continue
			}
			return body, nil
		}
		body, err := fetchOne(ctx, src.Addr, authorityTimeout, "/tor/status-vote/current/consensus-microdesc")
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := ParseConsensus(body); err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no directory sources configured")
	}
	return "", xerr.New(xerr.Directory, "directory.fetchFromSources", fmt.Errorf("all sources failed: %w", lastErr))
}

func fetchArchivalWalkback(ctx context.Context, addr string) (string, error) {
	now := time.Now().UTC().Truncate(time.Hour)
	var lastErr error
	for i := 0; i <= maxHourWalkback; i++ {
		hour := now.Add(-time.Duration(i) * time.Hour).Format("2006-01-02-15")
		path := fmt.Sprintf("/tor/status-vote/current/consensus-microdesc/%s", hour)
		body, err := fetchOne(ctx, addr, mirrorTimeout, path)
		if err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}
	return "", fmt.Errorf("archival mirror %s: no object in last %d hours: %w", addr, maxHourWalkback, lastErr)
}

func fetchOne(ctx context.Context, addr string, timeout time.Duration, path string) (string, error) {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DisableCompression: true, // directory servers mishandle Accept-Encoding
		},
	}
	url := fmt.Sprintf("http://%s%s", addr, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", addr, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch from %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("fetch from %s: HTTP %d", addr, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConsensusSize))
	if err != nil {
		return "", fmt.Errorf("read body from %s: %w", addr, err)
	}
	if len(body) == 0 {
		return "", fmt.Errorf("empty body from %s", addr)
	}
	return string(body), nil
}
