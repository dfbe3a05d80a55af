package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxFetchBytes bounds how much of a page is read before sanitization.
const maxFetchBytes = 1 << 20

// HTTPFetcher retrieves allowlisted pages for the research tools. It
// re-checks the fence on every request so a redirect or a racing allowlist
// change cannot slip an unvetted URL through.
type HTTPFetcher struct {
	fence  *Fence
	client *http.Client
}

func NewHTTPFetcher(fence *Fence) *HTTPFetcher {
	return &HTTPFetcher{
		fence: fence,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects would escape the allowlist.
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch returns the raw body text of an allowlisted URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if !f.fence.IsAllowedURL(rawURL) {
		return "", fmt.Errorf("url %q is not allowlisted", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html, text/plain")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	return string(body), nil
}
