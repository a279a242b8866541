package docs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

const DefaultBaseURL = "https://docs.rs"

// Fetcher downloads artifacts from docs.rs (or a compatible mirror).
type Fetcher struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
}

func (f *Fetcher) base() string {
	if f.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimSuffix(f.BaseURL, "/")
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return httpClient
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	ua := f.UserAgent
	if ua == "" {
		ua = "implindex/0.1.0"
	}
	req.Header.Set("User-Agent", ua)

	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(body))
	}
	return resp, nil
}

// FetchRustdocJSON downloads and decompresses rustdoc JSON from docs.rs.
// The version "latest" is resolved by docs.rs via redirect.
func (f *Fetcher) FetchRustdocJSON(ctx context.Context, name, version string) ([]byte, error) {
	if version == "" {
		version = "latest"
	}

	resp, err := f.get(ctx, fmt.Sprintf("%s/crate/%s/%s/json", f.base(), name, version))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// docs.rs returns zstd-compressed JSON
	decoder, err := zstd.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	data, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("decompressing rustdoc JSON: %w", err)
	}

	return data, nil
}

// maxFragmentSize bounds a single remote fragment script.
const maxFragmentSize = 16 << 20

// FetchFragment downloads a raw fragment script. Relative URLs are resolved
// against the base URL.
func (f *Fetcher) FetchFragment(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = f.base() + "/" + strings.TrimPrefix(url, "/")
	}
	resp, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFragmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if len(data) > maxFragmentSize {
		return nil, fmt.Errorf("fragment %s exceeds %d bytes", url, maxFragmentSize)
	}
	return data, nil
}

// DocRoot returns the documentation root URL for a crate version, which is
// what relative links inside implementor fragments are relative to.
func (f *Fetcher) DocRoot(name, version string) string {
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("%s/%s/%s/", f.base(), name, version)
}
