package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Fetcher resolves a source locator to module bytes.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// sourceFetcher reads http(s) URLs over the network and treats every
// other locator as a local file path.
type sourceFetcher struct {
	client *http.Client
}

func newSourceFetcher(timeout time.Duration) *sourceFetcher {
	return &sourceFetcher{
		client: &http.Client{Timeout: timeout},
	}
}

func (f *sourceFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		return f.fetchURL(ctx, locator)
	}

	data, err := os.ReadFile(locator)
	if err != nil {
		return nil, fmt.Errorf("read module file: %w", err)
	}
	return data, nil
}

func (f *sourceFetcher) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch module: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch module: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read module body: %w", err)
	}
	return data, nil
}
