package github

import (
	"net/http"

	gh "github.com/google/go-github/v82/github"
)

// NewCachingClientWithBaseURL builds a Client on the production transport
// stack, over base, pointed at baseURL.
func NewCachingClientWithBaseURL(base http.RoundTripper, baseURL string) (*Client, error) {
	return withBaseURL(gh.NewClient(newHTTPClient(base)), baseURL)
}
