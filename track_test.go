package track17

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	payload TrackingRequest
	header  http.Header
}

// scriptedDoer replays a fixed sequence of API responses and records every
// request it receives.
type scriptedDoer struct {
	mu        sync.Mutex
	responses []*TrackingResponse
	errs      []error
	requests  []capturedRequest
}

func (d *scriptedDoer) queue(resp *TrackingResponse) {
	d.responses = append(d.responses, resp)
	d.errs = append(d.errs, nil)
}

func (d *scriptedDoer) queueErr(err error) {
	d.responses = append(d.responses, nil)
	d.errs = append(d.errs, err)
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	var payload TrackingRequest
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("scripted doer: bad request body: %w", err)
	}
	d.requests = append(d.requests, capturedRequest{payload: payload, header: req.Header.Clone()})

	idx := len(d.requests) - 1
	if idx >= len(d.responses) {
		return nil, fmt.Errorf("scripted doer: unexpected request #%d", idx+1)
	}
	if d.errs[idx] != nil {
		return nil, d.errs[idx]
	}

	body, err := json.Marshal(d.responses[idx])
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(string(body))),
	}, nil
}

func resolvedShipment(num string, carrier uint32) Shipment {
	desc := "Delivered"
	stage := "Delivered"
	return Shipment{
		Code:    200,
		Number:  num,
		Carrier: carrier,
		Details: &ShipmentDetails{
			LatestEvent: &TrackingEvent{Description: &desc, Stage: &stage},
		},
	}
}

func pendingShipment(num string, carrier uint32) Shipment {
	return Shipment{Code: codePending, Number: num, Carrier: carrier}
}

func apiResponse(code int, guid string, shipments ...Shipment) *TrackingResponse {
	return &TrackingResponse{
		GUID:      guid,
		Shipments: shipments,
		Meta:      Meta{Code: code, Message: "Ok"},
	}
}

func newTestTracker(doer httpDoer) (*Tracker, *fakeAssetSource, *fakeSigner) {
	source := &fakeAssetSource{assets: &Assets{SignModuleJS: "bundle", Version: "1.0.156"}}
	signer := &fakeSigner{sign: "test-sign"}
	cache := NewCredentialCache(source, signer, nil)
	tracker := NewTracker(doer, cache, nil)
	tracker.retryDelay = time.Millisecond
	return tracker, source, signer
}

func TestTrackSingleResolved(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(200, "guid-1", resolvedShipment("1Z999", CarrierUPS)))
	tracker, _, _ := newTestTracker(doer)

	resp, err := tracker.Track(context.Background(), "1Z999", CarrierAuto)
	require.NoError(t, err)
	require.Len(t, resp.Shipments, 1)
	assert.Equal(t, "1Z999", resp.Shipments[0].Number)
	assert.Equal(t, 200, resp.Shipments[0].Code)
	assert.Len(t, doer.requests, 1)
}

func TestTrackCredentialExpiryRefreshes(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(codeInvalidSign, ""))
	doer.queue(apiResponse(200, "guid-1", resolvedShipment("NUM1", CarrierUSPS)))
	tracker, source, signer := newTestTracker(doer)

	resp, err := tracker.Track(context.Background(), "NUM1", CarrierAuto)
	require.NoError(t, err)
	require.Len(t, resp.Shipments, 1)
	assert.Equal(t, "NUM1", resp.Shipments[0].Number)

	// One initial acquisition plus one refresh after the expiry signal; the
	// invalidation also dropped the assets, forcing a second fetch.
	assert.Equal(t, int32(2), signer.calls.Load())
	assert.Equal(t, int32(2), source.fetches.Load())
	assert.Len(t, doer.requests, 2)
}

func TestTrackSessionExpiryDoesNotConsumeBudget(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(codeInvalidSession, ""))
	doer.queue(apiResponse(200, "guid-1", resolvedShipment("NUM1", CarrierUSPS)))
	tracker, _, _ := newTestTracker(doer)
	tracker.maxPendingRetries = 0

	// With a zero polling budget the call still succeeds: the expiry round
	// is a correctness retry, not a polling retry.
	resp, err := tracker.Track(context.Background(), "NUM1", CarrierAuto)
	require.NoError(t, err)
	require.Len(t, resp.Shipments, 1)
	assert.Equal(t, 200, resp.Shipments[0].Code)
}

func TestTrackRepeatedExpiryIsFatal(t *testing.T) {
	doer := &scriptedDoer{}
	for range 5 {
		doer.queue(apiResponse(codeInvalidSign, ""))
	}
	tracker, _, _ := newTestTracker(doer)

	_, err := tracker.Track(context.Background(), "NUM1", CarrierAuto)
	require.Error(t, err)
	assert.True(t, IsFatalError(err))
}

func TestTrackCarrierSuggestionUpdatesOneItem(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(200, "guid-1",
		resolvedShipment("A", CarrierUPS),
		Shipment{
			Code:   codeNotFound,
			Number: "B",
			Extra:  []ShipmentExtra{{Multi: []uint32{CarrierUSPS, CarrierFedEx}}},
		},
	))
	doer.queue(apiResponse(200, "guid-1", resolvedShipment("B", CarrierFedEx)))
	tracker, _, _ := newTestTracker(doer)

	resp, err := tracker.TrackMultiple(context.Background(), []string{"A", "B"}, CarrierAuto)
	require.NoError(t, err)
	require.Len(t, resp.Shipments, 2)

	// The second round only resubmits B, with the suggested carrier. FedEx
	// outranks USPS in the preference order even though USPS was listed first.
	require.Len(t, doer.requests, 2)
	second := doer.requests[1].payload
	require.Len(t, second.Data, 1)
	assert.Equal(t, "B", second.Data[0].Num)
	assert.Equal(t, CarrierFedEx, second.Data[0].FC)
}

func TestTrackSuggestionFallsBackToFirst(t *testing.T) {
	s := Shipment{
		Code:   codeNotFound,
		Number: "X",
		Extra:  []ShipmentExtra{{Multi: []uint32{190008, 190012}}},
	}
	carrier, ok := suggestedCarrier(&s)
	require.True(t, ok)
	assert.Equal(t, uint32(190008), carrier)
}

func TestTrackBudgetExhaustionYieldsPlaceholder(t *testing.T) {
	doer := &scriptedDoer{}
	// A resolves immediately, B stays pending in every round.
	doer.queue(apiResponse(200, "guid-1", resolvedShipment("A", CarrierUPS), pendingShipment("B", CarrierAuto)))
	doer.queue(apiResponse(200, "guid-1", pendingShipment("B", CarrierAuto)))
	doer.queue(apiResponse(200, "guid-1", pendingShipment("B", CarrierAuto)))
	tracker, _, _ := newTestTracker(doer)
	tracker.maxPendingRetries = 2

	resp, err := tracker.TrackMultiple(context.Background(), []string{"A", "B"}, CarrierAuto)
	require.NoError(t, err)
	require.Len(t, resp.Shipments, 2)

	assert.Equal(t, "A", resp.Shipments[0].Number)
	assert.Equal(t, 200, resp.Shipments[0].Code)
	assert.Equal(t, "B", resp.Shipments[1].Number)
	assert.Equal(t, codePending, resp.Shipments[1].Code)
	assert.Nil(t, resp.Shipments[1].Details)
}

func TestTrackOutputPreservesInputOrder(t *testing.T) {
	doer := &scriptedDoer{}
	// Server returns shipments in reverse order.
	doer.queue(apiResponse(200, "guid-1",
		resolvedShipment("C", CarrierDHL),
		resolvedShipment("B", CarrierUPS),
		resolvedShipment("A", CarrierUSPS),
	))
	tracker, _, _ := newTestTracker(doer)

	resp, err := tracker.TrackMultiple(context.Background(), []string{"A", "B", "C"}, CarrierAuto)
	require.NoError(t, err)
	require.Len(t, resp.Shipments, 3)
	assert.Equal(t, "A", resp.Shipments[0].Number)
	assert.Equal(t, "B", resp.Shipments[1].Number)
	assert.Equal(t, "C", resp.Shipments[2].Number)
}

func TestTrackTwoRoundResolution(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(200, "session-guid", resolvedShipment("A", CarrierUPS), pendingShipment("B", CarrierAuto)))
	doer.queue(apiResponse(200, "session-guid", resolvedShipment("B", CarrierUSPS)))
	tracker, _, _ := newTestTracker(doer)

	resp, err := tracker.TrackMultiple(context.Background(), []string{"A", "B"}, CarrierAuto)
	require.NoError(t, err)
	require.Len(t, resp.Shipments, 2)
	assert.Equal(t, "A", resp.Shipments[0].Number)
	assert.Equal(t, "B", resp.Shipments[1].Number)
	assert.Equal(t, 200, resp.Shipments[1].Code)

	// Second round resubmits only the unresolved number under the session guid.
	require.Len(t, doer.requests, 2)
	second := doer.requests[1].payload
	require.Len(t, second.Data, 1)
	assert.Equal(t, "B", second.Data[0].Num)
	assert.Equal(t, "session-guid", second.GUID)
}

func TestTrackFirstRequestCarriesSessionHeader(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(200, "guid-1", pendingShipment("A", CarrierAuto)))
	doer.queue(apiResponse(200, "guid-1", resolvedShipment("A", CarrierUPS)))
	tracker, _, _ := newTestTracker(doer)

	_, err := tracker.Track(context.Background(), "A", CarrierAuto)
	require.NoError(t, err)
	require.Len(t, doer.requests, 2)

	// The tracker sets lowercase header keys for fhttp's header ordering, so
	// read the map directly instead of via the canonicalizing Get.
	first := doer.requests[0].header
	assert.NotEmpty(t, strings.Join(first["last-event-id"], ""))
	assert.Contains(t, strings.Join(first["cookie"], "; "), "Last-Event-ID=")
	assert.Contains(t, strings.Join(first["cookie"], "; "), "_yq_bid=")
	assert.Equal(t, "", doer.requests[0].payload.GUID)

	// Once the server issued a guid the header and cookie segment disappear.
	second := doer.requests[1].header
	assert.Empty(t, strings.Join(second["last-event-id"], ""))
	assert.NotContains(t, strings.Join(second["cookie"], "; "), "Last-Event-ID=")
	assert.Contains(t, strings.Join(second["cookie"], "; "), "_yq_bid=")
	assert.Equal(t, "guid-1", doer.requests[1].payload.GUID)
}

func TestTrackRequestPayloadShape(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(200, "guid-1", resolvedShipment("A", CarrierUPS)))
	tracker, _, _ := newTestTracker(doer)

	_, err := tracker.Track(context.Background(), "A", CarrierUPS)
	require.NoError(t, err)

	payload := doer.requests[0].payload
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "A", payload.Data[0].Num)
	assert.Equal(t, CarrierUPS, payload.Data[0].FC)
	assert.Equal(t, uint32(0), payload.Data[0].SC)
	assert.Equal(t, requestTimeZoneOffset, payload.TimeZoneOffset)
	assert.Equal(t, "test-sign", payload.Sign)
}

func TestTrackUnknownNegativeCodeIsProtocolError(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(-5, ""))
	tracker, _, _ := newTestTracker(doer)

	_, err := tracker.Track(context.Background(), "A", CarrierAuto)
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, -5, protoErr.Code)
}

func TestTrackTransportErrorPropagates(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queueErr(errors.New("connection reset by peer"))
	tracker, _, _ := newTestTracker(doer)

	_, err := tracker.Track(context.Background(), "A", CarrierAuto)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestTrackCancelledDuringRetryDelay(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(200, "guid-1", pendingShipment("A", CarrierAuto)))
	tracker, _, _ := newTestTracker(doer)
	tracker.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := tracker.Track(ctx, "A", CarrierAuto)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not honor cancellation during retry delay")
	}
}

func TestTrackEmptyInput(t *testing.T) {
	tracker, _, _ := newTestTracker(&scriptedDoer{})
	_, err := tracker.TrackMultiple(context.Background(), nil, CarrierAuto)
	require.Error(t, err)
}

func TestShipmentNeedsRetry(t *testing.T) {
	pending := pendingShipment("A", CarrierAuto)
	assert.True(t, shipmentNeedsRetry(&pending))

	emptySuccess := Shipment{Code: 200, Number: "A"}
	assert.True(t, shipmentNeedsRetry(&emptySuccess))

	hollowDetails := Shipment{Code: 200, Number: "A", Details: &ShipmentDetails{}}
	assert.True(t, shipmentNeedsRetry(&hollowDetails))

	resolved := resolvedShipment("A", CarrierUPS)
	assert.False(t, shipmentNeedsRetry(&resolved))

	providerOnly := Shipment{
		Code:   200,
		Number: "A",
		Details: &ShipmentDetails{
			Tracking: &TrackingDetails{Providers: []Provider{{Events: []TrackingEvent{{}}}}},
		},
	}
	assert.False(t, shipmentNeedsRetry(&providerOnly))

	notFound := Shipment{Code: codeNotFound, Number: "A"}
	assert.False(t, shipmentNeedsRetry(&notFound))
}
