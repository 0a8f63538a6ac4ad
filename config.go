package offlinecache

import (
	"net/http"
	"strings"

	"github.com/dgduncan/go-offline-cache/caches"
)

const (
	DefaultPrecacheName = "impact-forge-v1"
	DefaultRuntimeName  = "impact-forge-runtime-v1"

	DefaultAPISegment   = "/api/"
	DefaultRoutingParam = "canisterId"

	defaultInstallConcurrency = 4

	defaultOfflineText = "Offline - please check your connection"
	defaultOfflineHTML = "<!DOCTYPE html><html><head><title>Offline</title></head>" +
		"<body><h1>Offline</h1><p>Please check your connection.</p></body></html>"
)

// DefaultManifest is the application shell cached at install time.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/assets/generated/favicon-blue-flame-transparent.dim_32x32.png",
	"/assets/generated/impact-forge-icon-transparent.dim_200x200.png",
}

type Config struct {
	// PrecacheName and RuntimeName are the version-tagged names of the two current stores. Any
	// other store is purged on activation.
	PrecacheName string
	RuntimeName  string

	// Manifest lists the origin-relative paths fetched into the precache at install time.
	Manifest []string

	// APISegment and RoutingParam drive the default bypass rule: a request whose path contains
	// APISegment, or whose query contains RoutingParam, always goes to the network.
	APISegment   string
	RoutingParam string

	// Bypass replaces the default bypass rule when set. New fills an empty APISegment and
	// RoutingParam with their defaults unless Bypass is set, so a Bypass returning false is the
	// way to intercept every same-origin request.
	Bypass func(r *http.Request) bool

	// MaxEntrySize is the largest body the runtime cache keeps. Larger responses are passed
	// through without being cached.
	MaxEntrySize int64

	// InstallConcurrency bounds the number of manifest fetches in flight during install.
	InstallConcurrency int

	OfflineText string
	OfflineHTML string
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		PrecacheName:       DefaultPrecacheName,
		RuntimeName:        DefaultRuntimeName,
		Manifest:           append([]string(nil), DefaultManifest...),
		APISegment:         DefaultAPISegment,
		RoutingParam:       DefaultRoutingParam,
		InstallConcurrency: defaultInstallConcurrency,
		MaxEntrySize:       caches.DefaultMaxEntrySize,
		OfflineText:        defaultOfflineText,
		OfflineHTML:        defaultOfflineHTML,
	}
}

// Validate reports whether the configuration names two distinct stores.
func (c Config) Validate() error {
	if c.PrecacheName == "" || c.RuntimeName == "" {
		return caches.ValidationError{Reason: "cache names must not be empty"}
	}
	if c.PrecacheName == c.RuntimeName {
		return caches.ValidationError{Reason: "precache and runtime cache names must differ"}
	}
	if c.InstallConcurrency < 0 {
		return caches.ValidationError{Reason: "install concurrency must not be negative"}
	}
	if c.MaxEntrySize < 0 {
		return caches.ValidationError{Reason: "max entry size must not be negative"}
	}

	return nil
}

// ShouldBypass reports whether r must skip every cache store.
func (c Config) ShouldBypass(r *http.Request) bool {
	if c.Bypass != nil {
		return c.Bypass(r)
	}

	if c.APISegment != "" && strings.Contains(r.URL.Path, c.APISegment) {
		return true
	}

	return c.RoutingParam != "" && strings.Contains(r.URL.RawQuery, c.RoutingParam)
}

// current reports whether name is one of the two current store names.
func (c Config) current(name string) bool {
	return name == c.PrecacheName || name == c.RuntimeName
}

// withDefaults fills zero values left by callers that build a Config by hand.
func (c Config) withDefaults() Config {
	if c.Bypass == nil {
		if c.APISegment == "" {
			c.APISegment = DefaultAPISegment
		}
		if c.RoutingParam == "" {
			c.RoutingParam = DefaultRoutingParam
		}
	}
	if c.InstallConcurrency == 0 {
		c.InstallConcurrency = defaultInstallConcurrency
	}
	if c.MaxEntrySize == 0 {
		c.MaxEntrySize = caches.DefaultMaxEntrySize
	}
	if c.OfflineText == "" {
		c.OfflineText = defaultOfflineText
	}
	if c.OfflineHTML == "" {
		c.OfflineHTML = defaultOfflineHTML
	}

	return c
}
