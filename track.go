package track17

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

const apiURL = "https://t.17track.net/track/restapi"

const (
	codeInvalidSign    = -11
	codeInvalidSession = -14
	codePending        = 100
	codeSuccess        = 200
	codeNotFound       = 400
)

const (
	// New tracking numbers can take around 100 seconds to become queryable,
	// so the polling budget covers that at a 2 second cadence.
	defaultMaxPendingRetries = 50
	defaultRetryDelay        = 2 * time.Second

	// A refresh that immediately yields another expiry code means the site
	// rejects our credentials outright; bail instead of looping forever.
	maxConsecutiveRefreshes = 3
)

// requestTimeZoneOffset is the fixed timeZoneOffset value the site's own
// frontend sends regardless of the visitor's actual zone.
const requestTimeZoneOffset = -480

// Tracker resolves tracking numbers against the API, handling credential
// expiry, carrier correction and pending-registration polling.
type Tracker struct {
	client  httpDoer
	cache   *CredentialCache
	profile *BrowserProfile
	logger  Logger

	maxPendingRetries int
	retryDelay        time.Duration
}

// NewTracker creates a tracker using the given HTTP client and credential
// cache. The cache may be shared with other trackers.
func NewTracker(client httpDoer, cache *CredentialCache, logger Logger) *Tracker {
	if logger == nil {
		logger = NopLogger()
	}
	return &Tracker{
		client:            client,
		cache:             cache,
		profile:           DefaultProfile,
		logger:            logger,
		maxPendingRetries: defaultMaxPendingRetries,
		retryDelay:        defaultRetryDelay,
	}
}

// Track resolves a single tracking number.
func (t *Tracker) Track(ctx context.Context, number string, carrier uint32) (*TrackingResponse, error) {
	return t.TrackMultiple(ctx, []string{number}, carrier)
}

// TrackMultiple resolves a batch of tracking numbers in one session. The
// returned shipments preserve the order of the input numbers; numbers the
// site never finished ingesting come back as placeholder shipments with the
// pending code.
func (t *Tracker) TrackMultiple(ctx context.Context, numbers []string, carrier uint32) (*TrackingResponse, error) {
	if len(numbers) == 0 {
		return nil, fmt.Errorf("no tracking numbers given")
	}

	cred, ok := t.cache.GetValid()
	if !ok {
		var err error
		cred, err = t.cache.Refresh(ctx)
		if err != nil {
			return nil, NewFatalError(fmt.Errorf("acquire credentials: %w", err))
		}
	}

	items := make([]TrackingItem, len(numbers))
	for i, num := range numbers {
		items[i] = TrackingItem{Num: num, FC: carrier, SC: 0}
	}

	resolved := make(map[string]Shipment)
	sessionGUID := ""
	pendingRetries := 0
	consecutiveRefreshes := 0

	for {
		pending := pendingItems(items, resolved)
		if len(pending) == 0 {
			break
		}

		resp, err := t.makeRequest(ctx, pending, sessionGUID, cred)
		if err != nil {
			return nil, err
		}

		// Expired signature or session: regenerate and resubmit the same
		// pending set. This is a correctness retry, not a polling retry, so
		// it does not touch the budget.
		if resp.Meta.Code == codeInvalidSign || resp.Meta.Code == codeInvalidSession {
			consecutiveRefreshes++
			if consecutiveRefreshes > maxConsecutiveRefreshes {
				return nil, NewFatalError(fmt.Errorf("credentials rejected %d times in a row (code %d)", consecutiveRefreshes, resp.Meta.Code))
			}
			t.logger.Log("Credentials expired (code %d), refreshing...", resp.Meta.Code)
			t.cache.Invalidate()
			cred, err = t.cache.Refresh(ctx)
			if err != nil {
				return nil, NewFatalError(fmt.Errorf("refresh credentials: %w", err))
			}
			continue
		}
		consecutiveRefreshes = 0

		if resp.Meta.Code < 0 {
			return nil, &ProtocolError{Code: resp.Meta.Code, Message: resp.Meta.Message}
		}

		if resp.GUID != "" {
			sessionGUID = resp.GUID
		}

		for _, shipment := range resp.Shipments {
			num := shipment.Number

			// Auto-detect miss with server-side suggestions: adopt the
			// suggested carrier and poll again.
			if shipment.Code == codeNotFound {
				if suggested, ok := suggestedCarrier(&shipment); ok {
					t.logger.Log("Auto-detect failed for %s, retrying with carrier %d", num, suggested)
					for i := range items {
						if items[i].Num == num {
							items[i].FC = suggested
						}
					}
					continue
				}
			}

			if !shipmentNeedsRetry(&shipment) {
				resolved[num] = shipment
			}
		}

		stillPending := len(pendingItems(items, resolved))
		if stillPending == 0 {
			continue
		}

		if pendingRetries >= t.maxPendingRetries {
			t.logger.Log("Max retries reached, returning partial results for %d package(s)", stillPending)
			for _, item := range items {
				if _, ok := resolved[item.Num]; !ok {
					resolved[item.Num] = Shipment{
						Code:    codePending,
						Number:  item.Num,
						Carrier: item.FC,
					}
				}
			}
			break
		}

		pendingRetries++
		t.logger.Log("Tracking data incomplete for %d package(s), retrying (%d/%d)...", stillPending, pendingRetries, t.maxPendingRetries)
		if err := sleepCtx(ctx, t.retryDelay); err != nil {
			return nil, err
		}
	}

	shipments := make([]Shipment, 0, len(numbers))
	for _, num := range numbers {
		if s, ok := resolved[num]; ok {
			shipments = append(shipments, s)
		}
	}

	return &TrackingResponse{
		GUID:      sessionGUID,
		Shipments: shipments,
		Meta:      Meta{Code: codeSuccess, Message: "Ok"},
	}, nil
}

func pendingItems(items []TrackingItem, resolved map[string]Shipment) []TrackingItem {
	var pending []TrackingItem
	for _, item := range items {
		if _, ok := resolved[item.Num]; !ok {
			pending = append(pending, item)
		}
	}
	return pending
}

func (t *Tracker) makeRequest(ctx context.Context, items []TrackingItem, guid string, cred Credential) (*TrackingResponse, error) {
	payload := TrackingRequest{
		Data:           items,
		GUID:           guid,
		TimeZoneOffset: requestTimeZoneOffset,
		Sign:           cred.Sign,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	cookie := "country=US; _yq_bid=" + cred.DeviceID + "; v5_Culture=en"
	header := http.Header{
		"user-agent":         {t.profile.UserAgent},
		"accept":             {"application/json, text/plain, */*"},
		"content-type":       {"application/json"},
		"origin":             {"https://t.17track.net"},
		"referer":            {"https://t.17track.net/en"},
		"sec-fetch-site":     {"same-origin"},
		"sec-fetch-mode":     {"cors"},
		"sec-fetch-dest":     {"empty"},
		"sec-ch-ua":          {t.profile.SecChUa},
		"sec-ch-ua-mobile":   {"?0"},
		"sec-ch-ua-platform": {`"Windows"`},
		"accept-encoding":    {"gzip, deflate, br, zstd"},
		"accept-language":    {"en-US,en;q=0.9"},
		http.HeaderOrderKey: {
			"user-agent",
			"accept",
			"content-type",
			"origin",
			"referer",
			"last-event-id",
			"cookie",
			"sec-fetch-site",
			"sec-fetch-mode",
			"sec-fetch-dest",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
			"accept-encoding",
			"accept-language",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}

	// The first request of a session identifies itself with the generated
	// session header; once the server hands back a guid, that takes over.
	if guid == "" {
		sessionHeader := t.cache.HeaderForBody(string(body))
		header["last-event-id"] = []string{sessionHeader}
		cookie += "; Last-Event-ID=" + sessionHeader
	}
	header["cookie"] = []string{cookie}
	req.Header = header

	nums := make([]string, len(items))
	for i, item := range items {
		nums[i] = fmt.Sprintf("%s:%d", item.Num, item.FC)
	}
	t.logger.Log("Submitting %v (guid: %q, sign: %d chars)", nums, shortGUID(guid), len(cred.Sign))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracking request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read tracking response: %w", err)
	}

	if resp.StatusCode != 200 {
		preview := string(respBody)
		if len(preview) > 500 {
			preview = preview[:500]
		}
		return nil, fmt.Errorf("tracking request failed: status %d: %s", resp.StatusCode, preview)
	}

	var parsed TrackingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse tracking response: %w", err)
	}

	t.logger.Log("Response: meta.code=%d, %d shipment(s)", parsed.Meta.Code, len(parsed.Shipments))
	return &parsed, nil
}

// shipmentNeedsRetry reports whether a shipment should stay in the pending
// set: pending registration, or nominal success with no event data yet.
func shipmentNeedsRetry(s *Shipment) bool {
	if s.Code == codePending {
		return true
	}
	if s.Code == codeSuccess {
		return !s.HasEvents()
	}
	return false
}

// suggestedCarrier picks a carrier from a not-found shipment's suggestion
// list. Major US carriers are preferred in a fixed order, then whatever the
// server listed first.
func suggestedCarrier(s *Shipment) (uint32, bool) {
	for _, extra := range s.Extra {
		if len(extra.Multi) == 0 {
			continue
		}
		for _, preferred := range []uint32{CarrierFedEx, CarrierUPS, CarrierUSPS} {
			for _, c := range extra.Multi {
				if c == preferred {
					return preferred, true
				}
			}
		}
		return extra.Multi[0], true
	}
	return 0, false
}

func shortGUID(guid string) string {
	if len(guid) > 8 {
		return guid[:8]
	}
	return guid
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
