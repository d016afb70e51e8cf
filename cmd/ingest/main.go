// The ingest service accepts event notifications over HTTP, screens the
// destination, and enqueues a delivery task for the workers. Destinations
// are validated here as well as in the engine so obviously bad requests
// fail at the API boundary instead of poisoning the queue.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bmcallister/signalhook/internal/auth"
	"github.com/bmcallister/signalhook/internal/config"
	"github.com/bmcallister/signalhook/internal/health"
	"github.com/bmcallister/signalhook/internal/logging"
	"github.com/bmcallister/signalhook/internal/metrics"
	"github.com/bmcallister/signalhook/internal/safety"
	"github.com/bmcallister/signalhook/internal/task"
	"github.com/bmcallister/signalhook/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("signalhook-ingest")

	shutdown, err := tracing.Init(ctx, "signalhook-ingest")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := &server{
		producer:  producer,
		validator: safety.New(),
		logger:    logger,
		cfg:       cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", srv.publishEvent)
	mux.HandleFunc("/healthz", health.HTTPHandler(nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var root http.Handler = mux
	if cfg.Ingest.JWTPublicKey != "" {
		validator, err := auth.NewJWTValidator(cfg.Ingest.JWTPublicKey, cfg.Ingest.JWTIssuer, cfg.Ingest.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator setup failed")
		}
		root = validator.HTTPMiddleware(mux)
	} else {
		logger.Plain().Warn("JWT_PUBLIC_KEY not set, ingest API is unauthenticated")
	}

	httpSrv := &http.Server{
		Addr:         cfg.Ingest.HTTPPort,
		Handler:      root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("ingest HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("ingest HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down ingest")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("ingest stopped")
}

// publisher is the slice of nsq.Producer the handler needs.
type publisher interface {
	Publish(topic string, body []byte) error
}

type server struct {
	producer  publisher
	validator *safety.Validator
	logger    *logging.Logger
	cfg       config.Config
}

type publishRequest struct {
	DestinationURL string            `json:"destination_url"`
	EventType      string            `json:"event_type"`
	ObjectID       string            `json:"object_id,omitempty"`
	Payload        map[string]any    `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	SigningSecret  string            `json:"signing_secret,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type publishResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

func (s *server) publishEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingest.publishEvent")
	defer span.End()

	tenantID := auth.TenantFromContext(ctx)
	if tenantID == "" {
		tenantID = r.Header.Get("X-Tenant-Id")
	}
	if tenantID == "" {
		http.Error(w, "missing tenant identity", http.StatusBadRequest)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.DestinationURL == "" || req.EventType == "" {
		http.Error(w, "destination_url and event_type are required", http.StatusBadRequest)
		return
	}
	if ok, reason := s.validateDestination(req.DestinationURL); !ok {
		http.Error(w, "invalid destination: "+reason, http.StatusBadRequest)
		return
	}

	eventID := "evt_" + uuid.NewString()
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.String("tenant_id", tenantID),
		attribute.String("event_type", req.EventType),
	)

	t := task.Task{
		EventID:        eventID,
		TenantID:       tenantID,
		DestinationURL: req.DestinationURL,
		EventType:      req.EventType,
		ObjectID:       req.ObjectID,
		Payload:        req.Payload,
		Headers:        req.Headers,
		SigningSecret:  req.SigningSecret,
		MaxAttempts:    req.MaxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
		PublishedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		TraceHeaders:   tracing.InjectNSQHeaders(ctx),
	}
	body, err := json.Marshal(t)
	if err != nil {
		http.Error(w, "failed to encode task", http.StatusInternalServerError)
		return
	}
	if err := s.producer.Publish(s.cfg.NSQ.TasksTopic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithTenant(tenantID).WithEvent(eventID).WithError(err).Error("task publish failed")
		http.Error(w, "failed to enqueue delivery", http.StatusServiceUnavailable)
		return
	}

	metrics.RecordEventPublished(tenantID)
	s.logger.WithContext(ctx).WithTenant(tenantID).WithEvent(eventID).
		WithDestination(req.DestinationURL).Info("event accepted")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(publishResponse{EventID: eventID, Status: "queued"})
}

func (s *server) validateDestination(url string) (bool, string) {
	if s.cfg.Engine.AllowLocalhost {
		return s.validator.ValidateForTesting(url, true)
	}
	return s.validator.Validate(url)
}
