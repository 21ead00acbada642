package versionwatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher resolves a Source to its latest known version string plus an
// optional canonical URL for that release.
type Fetcher interface {
	Fetch(ctx context.Context, source Source) (version string, sourceURL string, err error)
}

// httpFetcher implements Fetcher for the three built-in registry shapes
// plus the custom extractor hook. Its *http.Client carries a bounded
// timeout and a tuned transport, mirrored from the teacher's
// eventhooks.NewWebhookSubscriber HTTP client construction.
type httpFetcher struct {
	client   *http.Client
	userAgent string
}

// NewHTTPFetcher builds the default Fetcher used by production watchers.
// timeout bounds every single HTTP request per spec.md §4.1's "HTTP
// timeout is a hard upper bound per request".
func NewHTTPFetcher(timeout time.Duration) Fetcher {
	return &httpFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
		userAgent: "ai-agent-village-monitor",
	}
}

func (f *httpFetcher) Fetch(ctx context.Context, source Source) (string, string, error) {
	switch source.Type {
	case SourceNPM:
		return f.fetchNPM(ctx, source.Source)
	case SourceGitHubReleases:
		return f.fetchGitHubReleases(ctx, source.Source)
	case SourceHomebrew:
		return f.fetchHomebrew(ctx, source.Source)
	case SourceCustom:
		return f.fetchCustom(ctx, source)
	default:
		return "", "", fmt.Errorf("unknown source type %q", source.Type)
	}
}

func (f *httpFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request to %s failed: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (f *httpFetcher) fetchNPM(ctx context.Context, pkg string) (string, string, error) {
	url := fmt.Sprintf("https://registry.npmjs.org/%s/latest", pkg)
	body, err := f.get(ctx, url)
	if err != nil {
		return "", "", err
	}
	var payload struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", fmt.Errorf("decode npm response: %w", err)
	}
	return payload.Version, url, nil
}

func (f *httpFetcher) fetchGitHubReleases(ctx context.Context, orgRepo string) (string, string, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", orgRepo)
	body, err := f.get(ctx, url)
	if err != nil {
		return "", "", err
	}
	var payload struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", fmt.Errorf("decode github releases response: %w", err)
	}
	version := strings.TrimPrefix(payload.TagName, "v")
	return version, payload.HTMLURL, nil
}

func (f *httpFetcher) fetchHomebrew(ctx context.Context, formula string) (string, string, error) {
	url := fmt.Sprintf("https://formulae.brew.sh/api/formula/%s.json", formula)
	body, err := f.get(ctx, url)
	if err != nil {
		return "", "", err
	}
	var payload struct {
		Versions struct {
			Stable string `json:"stable"`
		} `json:"versions"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", fmt.Errorf("decode homebrew response: %w", err)
	}
	return payload.Versions.Stable, url, nil
}

func (f *httpFetcher) fetchCustom(ctx context.Context, source Source) (string, string, error) {
	if source.VersionExtractor == nil {
		return "", "", fmt.Errorf("custom source %q has no version extractor", source.Source)
	}
	body, err := f.get(ctx, source.Source)
	if err != nil {
		return "", "", err
	}
	version, err := source.VersionExtractor(body)
	if err != nil {
		return "", "", fmt.Errorf("extract custom version: %w", err)
	}
	return version, source.Source, nil
}
