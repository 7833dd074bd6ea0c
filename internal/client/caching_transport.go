package client

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// NewCachingHTTPClient creates an HTTP client with disk-based caching.
// Used to fetch signing keys, which the server publishes with Cache-Control
// headers, so repeated token verification does not refetch the key set.
func NewCachingHTTPClient(cacheDir string) *http.Client {
	if cacheDir == "" {
		return NewInMemoryCachingHTTPClient()
	}

	// Use disk-based cache for persistence across runs
	return &http.Client{
		Transport: httpcache.NewTransport(diskcache.New(cacheDir)),
	}
}

// NewInMemoryCachingHTTPClient creates an HTTP client with in-memory caching only.
func NewInMemoryCachingHTTPClient() *http.Client {
	return &http.Client{
		Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
	}
}
