package track17

import (
	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// httpDoer is the slice of the HTTP client the package actually needs.
// tls_client.HttpClient satisfies it; tests substitute scripted fakes.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// BrowserProfile bundles a TLS client profile with its corresponding browser headers.
type BrowserProfile struct {
	TLSProfile      profiles.ClientProfile
	UserAgent       string
	SecChUa         string
	FullVersionList string
	Platform        string
	Mobile          string
}

// DefaultProfile is the default browser profile used for new clients.
// Set to Chrome143Profile in tls_chrome.go.
var DefaultProfile = Chrome143Profile

// NewHTTPClient builds the browser-impersonating HTTP client all components
// share: cookie jar, Chrome TLS profile, no redirect following, optional
// outbound proxy. proxyURL may be empty.
func NewHTTPClient(logger tls_client.Logger, proxyURL string) (tls_client.HttpClient, error) {
	return NewHTTPClientWithProfile(logger, proxyURL, DefaultProfile.TLSProfile)
}

// NewHTTPClientWithProfile builds a client with a specific TLS profile.
func NewHTTPClientWithProfile(logger tls_client.Logger, proxyURL string, profile profiles.ClientProfile) (tls_client.HttpClient, error) {
	if logger == nil {
		logger = tls_client.NewNoopLogger()
	}

	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(30),
		tls_client.WithClientProfile(profile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
	}

	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	return tls_client.NewHttpClient(logger, options...)
}
