// The worker consumes delivery tasks from NSQ and runs each one through
// the delivery engine. The engine owns validation, signing, and the retry
// loop, so every task is finished after a single engine call; terminal
// failures are published to the dead letter topic when enabled.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bmcallister/signalhook/internal/config"
	"github.com/bmcallister/signalhook/internal/db"
	"github.com/bmcallister/signalhook/internal/engine"
	"github.com/bmcallister/signalhook/internal/health"
	"github.com/bmcallister/signalhook/internal/logging"
	"github.com/bmcallister/signalhook/internal/metrics"
	"github.com/bmcallister/signalhook/internal/record"
	"github.com/bmcallister/signalhook/internal/task"
	"github.com/bmcallister/signalhook/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("signalhook-worker")

	shutdown, err := tracing.Init(ctx, "signalhook-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.WorkerPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	eng := engine.New(engine.Options{
		Recorder: record.NewPostgres(pool, logger),
		Metrics:  metrics.NewRecorder(),
		Logger:   logger,
		Backoff: engine.Backoff{
			Base: cfg.Engine.BackoffBase,
			Max:  cfg.Engine.BackoffMax,
		},
		AllowLocalhost: cfg.Engine.AllowLocalhost,
	})

	conf := nsq.NewConfig()
	conf.MaxInFlight = 64
	consumer, err := nsq.NewConsumer(cfg.NSQ.TasksTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	h := &handler{
		engine: eng,
		logger: logger,
		cfg:    cfg,
	}
	if cfg.Engine.PublishDLQ {
		dlqProducer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer dlqProducer.Stop()
		h.dlqProducer = dlqProducer
	}
	consumer.AddHandler(h)

	// Connecting directly to nsqd forces channel creation instead of the
	// channel being lazily created on first publish.
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker stopped")
}

// dlqPublisher is the slice of nsq.Producer the handler needs.
type dlqPublisher interface {
	Publish(topic string, body []byte) error
}

type handler struct {
	engine      *engine.Engine
	logger      *logging.Logger
	cfg         config.Config
	dlqProducer dlqPublisher
}

// HandleMessage runs one delivery task end to end. The engine's retry
// loop is bounded, so the message is always finished: NSQ-level requeues
// would double up on the engine's own attempts.
func (h *handler) HandleMessage(m *nsq.Message) error {
	var t task.Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		h.logger.Plain().WithError(err).Error("bad task payload, dropping")
		return nil
	}

	ctx := tracing.ExtractNSQHeaders(context.Background(), t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("event_id", t.EventID),
		attribute.String("tenant_id", t.TenantID),
		attribute.String("event_type", t.EventType),
	)
	defer span.End()

	req := engine.Request{
		DestinationURL: t.DestinationURL,
		Payload:        t.Payload,
		Headers:        t.Headers,
		MaxAttempts:    t.MaxAttempts,
		SigningSecret:  t.SigningSecret,
		EventType:      t.EventType,
		TenantID:       t.TenantID,
		ObjectID:       t.ObjectID,
	}
	if t.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(t.TimeoutSeconds) * time.Second
	} else {
		req.Timeout = h.cfg.Engine.Timeout
	}
	if req.MaxAttempts < 1 {
		req.MaxAttempts = h.cfg.Engine.MaxAttempts
	}

	res := h.engine.Deliver(ctx, req)
	span.SetAttributes(
		attribute.String("delivery_id", res.DeliveryID),
		attribute.String("delivery.status", string(res.Status)),
		attribute.Int("delivery.attempts", res.Attempts),
	)

	if res.Status == engine.StatusFailed && h.dlqProducer != nil {
		reason := fmt.Sprintf("delivery failed after %d attempt(s)", res.Attempts)
		env := task.NewDeadLetter(t, res.DeliveryID, res.Attempts, res.ResponseCode, res.Error, reason)
		b, err := json.Marshal(env)
		if err != nil {
			h.logger.WithContext(ctx).WithDelivery(res.DeliveryID).WithError(err).Error("dlq envelope marshal failed")
			tracing.SetSpanError(ctx, err)
			return nil
		}
		if err := h.dlqProducer.Publish(h.cfg.NSQ.DLQTopic, b); err != nil {
			h.logger.WithContext(ctx).WithDelivery(res.DeliveryID).WithError(err).Error("dlq publish failed")
			tracing.SetSpanError(ctx, err)
		} else {
			metrics.RecordDLQ()
			h.logger.WithContext(ctx).WithDelivery(res.DeliveryID).
				WithField("topic", h.cfg.NSQ.DLQTopic).Info("dlq published")
		}
	}
	return nil
}
