package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/parloapp/parlo-core/internal/errors"
)

// maxFetchBytes caps a single fetched blob. A source exceeding it would
// blow through the cache budget anyway.
const maxFetchBytes = 256 << 20

// httpFetcher retrieves blobs over HTTP, the common case for audio and
// image assets referenced by synced entities.
type httpFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a Fetcher that GETs the source locator.
func NewHTTPFetcher(timeout time.Duration) Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch implements Fetcher.
func (f *httpFetcher) Fetch(ctx context.Context, sourceLocator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceLocator, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid source locator", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, "fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperrors.New(apperrors.ErrTransientNetwork,
			fmt.Sprintf("source returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, apperrors.New(apperrors.ErrPermanentRemote,
			fmt.Sprintf("source returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransientNetwork, "fetch interrupted", err)
	}
	return data, nil
}
