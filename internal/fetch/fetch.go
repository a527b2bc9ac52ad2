// Package fetch downloads a URL to a path with bounded exponential-backoff
// retries, in the retry style used throughout the daemon's network
// collaborators (Steam RPCs retry the same way).
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/kether/mapd/internal/core"
)

const (
	userAgent      = "mapd/1.0"
	attemptTimeout = 300 * time.Second
	maxAttempts    = 3
)

// Fetcher downloads URLs to local paths. It does not classify transport or
// status errors beyond "retryable"; callers own scratch-path cleanup since
// a failed download's partial write is not guaranteed removed.
type Fetcher struct {
	client *http.Client
}

func New() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: attemptTimeout}}
}

// Download writes the full response body of url to outPath, retrying up to
// maxAttempts times with a 2^attempt second sleep between attempts.
func (f *Fetcher) Download(ctx context.Context, url, outPath string) error {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = f.attempt(ctx, url, outPath)
		if lastErr == nil {
			return nil
		}
	}

	return core.Wrap(core.KindNetwork, fmt.Sprintf("download failed after %d attempts", maxAttempts), lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, url, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	return nil
}
