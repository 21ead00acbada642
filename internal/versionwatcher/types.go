// Package versionwatcher polls upstream registries for each configured
// provider's latest release and exposes the last-known version per
// provider to the rest of the pipeline.
package versionwatcher

import "time"

// SourceType enumerates the kinds of upstream registries a Source can
// point at.
type SourceType string

const (
	SourceNPM            SourceType = "npm"
	SourceGitHubReleases SourceType = "github_releases"
	SourceHomebrew       SourceType = "homebrew"
	SourceCustom         SourceType = "custom"
)

// VersionExtractor pulls a version string out of a custom source's raw
// response body.
type VersionExtractor func(body []byte) (string, error)

// Source describes one upstream registry to poll for one provider.
type Source struct {
	ProviderID       string
	Type             SourceType
	Source           string // package name, "org/repo", or formula name
	CheckIntervalMs  int64
	VersionExtractor VersionExtractor // required iff Type == SourceCustom
}

// KnownVersion is the last version observed for a provider, from either a
// source poll or a heartbeat report.
type KnownVersion struct {
	ProviderID string
	Version    string
	SourceURL  string
	ObservedAt time.Time
}

// DiscoveredVersion is returned by checkAllSources/checkSource and is the
// payload of a VersionDiscovered event.
type DiscoveredVersion struct {
	ProviderID      string
	Version         string
	PreviousVersion string
	SourceURL       string
	DiscoveredAt    time.Time
}
