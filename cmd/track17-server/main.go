package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"track17"
)

type serverConfig struct {
	addr     string
	proxyURL string
}

func configFromEnv(logger *zap.Logger) serverConfig {
	cfg := serverConfig{addr: ":3000"}
	if port := os.Getenv("PORT"); port != "" {
		cfg.addr = ":" + port
	}
	if raw := os.Getenv("PROXY"); raw != "" {
		if proxy, ok := track17.ParseProxy(raw); ok {
			cfg.proxyURL = proxy.URL()
			logger.Info("Using upstream proxy", zap.String("proxy", proxy.HostPort()))
		} else {
			logger.Warn("Failed to parse PROXY, continuing without proxy", zap.String("raw", raw))
		}
	}
	return cfg
}

type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge

	totalRequests    atomic.Uint64
	requestsInFlight atomic.Int64
	startTime        time.Time
}

func newMetrics() *metrics {
	return &metrics{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "track17_requests_total",
			Help: "Total tracking API requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "track17_request_duration_seconds",
			Help:    "Tracking request latency by endpoint.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"endpoint"}),
		inFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "track17_requests_in_flight",
			Help: "Tracking requests currently being served.",
		}),
		startTime: time.Now(),
	}
}

type server struct {
	tracker *track17.Tracker
	logger  *zap.Logger
	metrics *metrics
}

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := configFromEnv(logger)

	logger.Info("Initializing tracking client...")
	client, err := track17.NewHTTPClient(nil, cfg.proxyURL)
	if err != nil {
		logger.Fatal("Failed to create HTTP client", zap.Error(err))
	}

	moduleLogger := track17.NewZapLogger(logger)
	fetcher := track17.NewAssetFetcher(client, moduleLogger)
	sandbox := track17.NewSandbox(moduleLogger)
	cache := track17.NewCredentialCache(fetcher, sandbox, moduleLogger)

	srv := &server{
		tracker: track17.NewTracker(client, cache, moduleLogger),
		logger:  logger,
		metrics: newMetrics(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("POST /api/track", srv.handleTrack)
	mux.HandleFunc("POST /api/track/batch", srv.handleTrackBatch)
	mux.HandleFunc("GET /api/metrics", srv.handleMetrics)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         cfg.addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Server listening", zap.String("addr", cfg.addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	logger.Info("Server shut down gracefully")
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type trackRequest struct {
	TrackingNumber string  `json:"tracking_number"`
	CarrierCode    *uint32 `json:"carrier_code"`
}

type batchTrackRequest struct {
	TrackingNumbers []string `json:"tracking_numbers"`
	CarrierCode     *uint32  `json:"carrier_code"`
}

type trackResponse struct {
	Success bool      `json:"success"`
	Data    trackData `json:"data"`
}

type batchTrackResponse struct {
	Success bool        `json:"success"`
	Data    []trackData `json:"data"`
}

type metricsResponse struct {
	TotalRequests    uint64 `json:"total_requests"`
	RequestsInFlight int64  `json:"requests_in_flight"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type trackData struct {
	TrackingNumber string      `json:"tracking_number"`
	Carrier        uint32      `json:"carrier"`
	Status         string      `json:"status"`
	LatestEvent    *eventData  `json:"latest_event"`
	AllEvents      []eventData `json:"all_events"`
}

type eventData struct {
	Time        string `json:"time"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Version: "1.0.0"})
}

func (s *server) handleTrack(w http.ResponseWriter, r *http.Request) {
	done := s.observe("track")
	defer done()

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TrackingNumber == "" {
		s.writeError(w, "track", http.StatusBadRequest, "tracking_number is required")
		return
	}

	carrier := track17.CarrierAuto
	if req.CarrierCode != nil {
		carrier = *req.CarrierCode
	}

	s.logger.Info("Tracking package",
		zap.String("number", req.TrackingNumber),
		zap.Uint32("carrier", carrier))

	resp, err := s.tracker.Track(r.Context(), req.TrackingNumber, carrier)
	if err != nil {
		s.logger.Error("Tracking error", zap.Error(err))
		s.writeError(w, "track", http.StatusInternalServerError, err.Error())
		return
	}
	if len(resp.Shipments) == 0 {
		s.writeError(w, "track", http.StatusNotFound, "No tracking data found for this package")
		return
	}

	s.metrics.requestsTotal.WithLabelValues("track", "ok").Inc()
	writeJSON(w, http.StatusOK, trackResponse{
		Success: true,
		Data:    trackDataFromShipment(&resp.Shipments[0]),
	})
}

func (s *server) handleTrackBatch(w http.ResponseWriter, r *http.Request) {
	done := s.observe("track_batch")
	defer done()

	var req batchTrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "track_batch", http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.TrackingNumbers) == 0 {
		s.writeError(w, "track_batch", http.StatusBadRequest, "tracking_numbers cannot be empty")
		return
	}

	carrier := track17.CarrierAuto
	if req.CarrierCode != nil {
		carrier = *req.CarrierCode
	}

	s.logger.Info("Batch tracking packages",
		zap.Int("count", len(req.TrackingNumbers)),
		zap.Uint32("carrier", carrier))

	resp, err := s.tracker.TrackMultiple(r.Context(), req.TrackingNumbers, carrier)
	if err != nil {
		s.logger.Error("Batch tracking error", zap.Error(err))
		s.writeError(w, "track_batch", http.StatusInternalServerError, err.Error())
		return
	}

	data := make([]trackData, len(resp.Shipments))
	for i := range resp.Shipments {
		data[i] = trackDataFromShipment(&resp.Shipments[i])
	}

	s.metrics.requestsTotal.WithLabelValues("track_batch", "ok").Inc()
	writeJSON(w, http.StatusOK, batchTrackResponse{Success: true, Data: data})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metricsResponse{
		TotalRequests:    s.metrics.totalRequests.Load(),
		RequestsInFlight: s.metrics.requestsInFlight.Load(),
		UptimeSeconds:    int64(time.Since(s.metrics.startTime).Seconds()),
	})
}

// observe tracks one request's lifecycle across both metric surfaces.
func (s *server) observe(endpoint string) func() {
	start := time.Now()
	s.metrics.totalRequests.Add(1)
	s.metrics.requestsInFlight.Add(1)
	s.metrics.inFlight.Inc()
	return func() {
		s.metrics.requestsInFlight.Add(-1)
		s.metrics.inFlight.Dec()
		s.metrics.requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *server) writeError(w http.ResponseWriter, endpoint string, status int, message string) {
	s.metrics.requestsTotal.WithLabelValues(endpoint, "error").Inc()
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func trackDataFromShipment(shipment *track17.Shipment) trackData {
	data := trackData{
		TrackingNumber: shipment.Number,
		Carrier:        shipment.Carrier,
		Status:         "UNKNOWN",
		AllEvents:      []eventData{},
	}
	if shipment.Details == nil {
		return data
	}

	if latest := shipment.Details.LatestEvent; latest != nil {
		data.Status = latest.State().String()
		ev := eventDataFromEvent(latest)
		data.LatestEvent = &ev
	}

	if tracking := shipment.Details.Tracking; tracking != nil && len(tracking.Providers) > 0 {
		for i := range tracking.Providers[0].Events {
			data.AllEvents = append(data.AllEvents, eventDataFromEvent(&tracking.Providers[0].Events[i]))
		}
	}
	return data
}

func eventDataFromEvent(event *track17.TrackingEvent) eventData {
	data := eventData{Time: "N/A", Description: "N/A"}
	if event.TimeISO != nil {
		data.Time = *event.TimeISO
	} else if event.Time != nil {
		data.Time = *event.Time
	}
	if event.Description != nil {
		data.Description = *event.Description
	}
	if loc := event.RawLocation(); loc != "" {
		data.Location = track17.FormatLocation(loc)
	}
	return data
}
