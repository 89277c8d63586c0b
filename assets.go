package track17

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"golang.org/x/net/html"
)

// trackingPageURL is the page whose markup references the fingerprint bundle.
const trackingPageURL = "https://t.17track.net/en"

// assetTTL is how long fetched assets stay usable. The CDN rotates chunk
// hashes on deploys, roughly daily, so an hour is comfortably inside that.
const assetTTL = time.Hour

// Assets holds the fingerprint bundle and page configuration needed to
// generate credentials.
type Assets struct {
	// SignModuleJS is the fingerprint bundle content (chunk 839, ~319KB).
	SignModuleJS string
	// BaseURL is the CDN chunk directory, e.g.
	// https://static.17track.net/t/2026-01/_next/static/chunks/
	BaseURL string
	// Version is the page's configs.md5 marker, e.g. "1.0.156".
	Version string
	// FetchedAt is when the assets were downloaded.
	FetchedAt time.Time
}

// Fresh reports whether the assets are present and within their TTL.
func (a *Assets) Fresh() bool {
	if a == nil || a.SignModuleJS == "" {
		return false
	}
	return time.Since(a.FetchedAt) < assetTTL
}

var (
	versionMarkerRe = regexp.MustCompile(`configs\.md5\s*=\s*'([^']+)'`)
	cdnBaseRe       = regexp.MustCompile(`(https://static\.17track\.net/t/[^/]+/_next/static/chunks/)`)
	runtimeDirectRe = regexp.MustCompile(`(https://static\.17track\.net/[^"]*webpack-[a-f0-9]+\.js)`)

	// The webpack runtime maps chunk id 839 to an 8-hex-char name and a
	// 16-hex-char content hash inside its chunk URL function.
	chunkNameRe       = regexp.MustCompile(`839:"([a-f0-9]{8})"`)
	chunkHashRe       = regexp.MustCompile(`839:"([a-f0-9]{16})"`)
	signChunkDirectRe = regexp.MustCompile(`(ff19fa74\.[a-f0-9]+\.js)`)
)

// AssetSource supplies the fingerprint bundle and page configuration.
// AssetFetcher is the production implementation; tests substitute fakes.
type AssetSource interface {
	Fetch(ctx context.Context) (*Assets, error)
}

// AssetFetcher downloads the fingerprint bundle by walking the page markup:
// tracking page -> webpack runtime -> chunk 839.
type AssetFetcher struct {
	client  httpDoer
	profile *BrowserProfile
	logger  Logger
}

// NewAssetFetcher creates a fetcher using the given HTTP client.
func NewAssetFetcher(client httpDoer, logger Logger) *AssetFetcher {
	if logger == nil {
		logger = NopLogger()
	}
	return &AssetFetcher{client: client, profile: DefaultProfile, logger: logger}
}

// Fetch downloads the page, resolves the bundle location, and returns the
// assembled assets.
func (f *AssetFetcher) Fetch(ctx context.Context) (*Assets, error) {
	page, err := f.fetchText(ctx, trackingPageURL, trackingPageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch tracking page: %w", err)
	}
	f.logger.Log("Tracking page fetched (%d bytes)", len(page))

	version := extractVersionMarker(page)
	if version == "" {
		version = defaultAssetVersion
	}

	baseURL := extractCDNBase(page)
	if baseURL == "" {
		return nil, fmt.Errorf("no CDN chunk base URL in page markup")
	}

	runtimeURL := findRuntimeScriptURL(page)
	if runtimeURL == "" {
		return nil, fmt.Errorf("no webpack runtime script in page markup")
	}
	f.logger.Log("Webpack runtime: %s", runtimeURL)

	runtimeJS, err := f.fetchText(ctx, runtimeURL, trackingPageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch webpack runtime: %w", err)
	}

	chunkURL := resolveSignChunkURL(runtimeJS, baseURL)
	if chunkURL == "" {
		return nil, fmt.Errorf("no fingerprint chunk mapping in webpack runtime")
	}
	f.logger.Log("Fingerprint bundle: %s", chunkURL)

	bundleJS, err := f.fetchText(ctx, chunkURL, trackingPageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch fingerprint bundle: %w", err)
	}
	f.logger.Log("Fingerprint bundle fetched (%d bytes)", len(bundleJS))

	return &Assets{
		SignModuleJS: bundleJS,
		BaseURL:      baseURL,
		Version:      version,
		FetchedAt:    time.Now(),
	}, nil
}

func (f *AssetFetcher) fetchText(ctx context.Context, targetURL, referer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return "", err
	}

	req.Header = http.Header{
		"user-agent":         {f.profile.UserAgent},
		"accept":             {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		"sec-fetch-site":     {"same-origin"},
		"sec-fetch-mode":     {"no-cors"},
		"sec-fetch-dest":     {"script"},
		"sec-ch-ua":          {f.profile.SecChUa},
		"sec-ch-ua-mobile":   {"?0"},
		"sec-ch-ua-platform": {`"Windows"`},
		"referer":            {referer},
		"accept-encoding":    {"gzip, deflate, br, zstd"},
		"accept-language":    {"en-US,en;q=0.9"},
		http.HeaderOrderKey: {
			"user-agent",
			"accept",
			"sec-fetch-site",
			"sec-fetch-mode",
			"sec-fetch-dest",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
			"referer",
			"accept-encoding",
			"accept-language",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := readResponseBody(resp)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != 200 {
		preview := string(body)
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return "", fmt.Errorf("unexpected status %d for %s: %s", resp.StatusCode, targetURL, preview)
	}

	return string(body), nil
}

// extractVersionMarker pulls the window.YQ.configs.md5 value out of the page.
func extractVersionMarker(page string) string {
	if m := versionMarkerRe.FindStringSubmatch(page); m != nil {
		return m[1]
	}
	return ""
}

// extractCDNBase finds the chunk directory URL from any script reference.
func extractCDNBase(page string) string {
	if m := cdnBaseRe.FindStringSubmatch(page); m != nil {
		return m[1]
	}
	return ""
}

// findRuntimeScriptURL locates the webpack runtime script. The App Router
// marks it with id="_R_"; if that tag is missing, any webpack-<hash>.js
// reference on the static CDN is accepted.
func findRuntimeScriptURL(page string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(page))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		token := tokenizer.Token()
		if token.Data != "script" {
			continue
		}
		var id, src string
		for _, attr := range token.Attr {
			switch attr.Key {
			case "id":
				id = attr.Val
			case "src":
				src = attr.Val
			}
		}
		if id == "_R_" && src != "" {
			return src
		}
	}

	if m := runtimeDirectRe.FindStringSubmatch(page); m != nil {
		return m[1]
	}
	return ""
}

// resolveSignChunkURL builds the bundle URL from the runtime's chunk mapping.
// Falls back to a direct filename match when the mapping format changes.
func resolveSignChunkURL(runtimeJS, baseURL string) string {
	name := chunkNameRe.FindStringSubmatch(runtimeJS)
	hash := chunkHashRe.FindStringSubmatch(runtimeJS)
	if name != nil && hash != nil {
		return baseURL + name[1] + "." + hash[1] + ".js"
	}

	if m := signChunkDirectRe.FindStringSubmatch(runtimeJS); m != nil {
		return baseURL + m[1]
	}
	return ""
}
