package track17

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Credential is an immutable snapshot of everything needed to sign a request.
type Credential struct {
	// Sign is the fingerprint signature generated by the sandbox.
	Sign string
	// DeviceID is the stable `_yq_bid` identifier for this cache's lifetime.
	DeviceID string
	// AssetVersion is the configs.md5 marker the signature was generated under.
	AssetVersion string
}

// CredentialCache holds the current credential and the assets it was derived
// from, shared by every goroutine issuing tracking requests.
//
// Reads take the state lock only briefly. Refreshes serialize on a dedicated
// mutex so concurrent expiry detection triggers exactly one regeneration; the
// state lock is NOT held across the network fetch or the sandbox run, so
// readers stay unblocked while a refresh is in flight.
type CredentialCache struct {
	fetcher   AssetSource
	signer    SignatureSource
	logger    Logger
	refreshMu sync.Mutex

	mu         sync.RWMutex
	credential *Credential
	assets     *Assets
	deviceID   string
}

// NewCredentialCache creates an empty cache. A fresh device id is generated
// once and reused for every credential produced by this cache.
func NewCredentialCache(fetcher AssetSource, signer SignatureSource, logger Logger) *CredentialCache {
	if logger == nil {
		logger = NopLogger()
	}
	return &CredentialCache{
		fetcher:  fetcher,
		signer:   signer,
		logger:   logger,
		deviceID: GenerateDeviceID(),
	}
}

// GetValid returns the cached credential when both it and the underlying
// assets are still fresh. This is the fast path taken on every request.
func (c *CredentialCache) GetValid() (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.credential != nil && c.assets.Fresh() {
		return *c.credential, true
	}
	return Credential{}, false
}

// Refresh regenerates the credential. Concurrent callers coalesce: the first
// one does the work, the rest return its result via the double-check.
func (c *CredentialCache) Refresh(ctx context.Context) (Credential, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another goroutine may have finished a refresh while we waited.
	if cred, ok := c.GetValid(); ok {
		c.logger.Log("Credential already refreshed by another caller")
		return cred, nil
	}

	c.logger.Log("Refreshing credentials...")

	assets, err := c.currentOrFetchAssets(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("refresh assets: %w", err)
	}

	sign, err := c.signer.AcquireSignature(ctx, assets.SignModuleJS)
	if err != nil {
		return Credential{}, fmt.Errorf("generate signature: %w", err)
	}

	cred := Credential{
		Sign:         sign,
		DeviceID:     c.deviceID,
		AssetVersion: assets.Version,
	}

	c.mu.Lock()
	c.credential = &cred
	c.mu.Unlock()

	c.logger.Log("Credentials refreshed (sign: %d chars, version: %s)", len(sign), assets.Version)
	return cred, nil
}

// currentOrFetchAssets reuses fresh cached assets or downloads new ones.
// Called with refreshMu held; the state lock is only taken for the store.
func (c *CredentialCache) currentOrFetchAssets(ctx context.Context) (*Assets, error) {
	c.mu.RLock()
	cached := c.assets
	c.mu.RUnlock()

	if cached.Fresh() {
		c.logger.Log("Reusing cached assets (age: %s)", time.Since(cached.FetchedAt).Round(time.Second))
		return cached, nil
	}

	assets, err := c.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.assets = assets
	c.mu.Unlock()

	return assets, nil
}

// Invalidate drops the credential and the assets it came from. Called when
// the API signals expiry; the next Refresh starts from a clean slate.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Log("Invalidating cached credentials and assets")
	c.credential = nil
	c.assets = nil
}

// HeaderForBody computes the Last-Event-ID value for a request body using
// this cache's device id and the current asset version. Works even before the
// first refresh by falling back to the default version.
func (c *CredentialCache) HeaderForBody(requestBodyJSON string) string {
	c.mu.RLock()
	version := defaultAssetVersion
	if c.assets != nil && c.assets.Version != "" {
		version = c.assets.Version
	}
	deviceID := c.deviceID
	c.mu.RUnlock()

	return GenerateLastEventID(requestBodyJSON, LastEventIDConfig{
		DeviceID:     deviceID,
		AssetVersion: version,
	})
}

// DeviceID returns the stable `_yq_bid` value for this cache.
func (c *CredentialCache) DeviceID() string {
	return c.deviceID
}
