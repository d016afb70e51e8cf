// fake-receiver is a local webhook endpoint for exercising the delivery
// pipeline end to end. It verifies signatures when ENDPOINT_SECRET is set
// and can simulate flakiness by failing the first N requests with a 500.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bmcallister/signalhook/internal/config"
	"github.com/bmcallister/signalhook/internal/signing"
)

func main() {
	cfg := config.FromEnv().FakeReceiver

	h := &receiver{
		failFirstN: int64(cfg.FailFirstN),
		secret:     cfg.EndpointSecret,
		tolerance:  time.Duration(cfg.LeewaySeconds) * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", h.handleHook)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	log.Printf("fake-receiver listening on %s", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

type receiver struct {
	failFirstN int64
	reqCount   atomic.Int64
	secret     string
	tolerance  time.Duration
}

func (h *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := h.reqCount.Add(1)
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if h.secret != "" {
		sig := r.Header.Get(signing.SignatureHeader)
		ts := r.Header.Get(signing.TimestampHeader)
		if !signing.Verify(body, sig, ts, h.secret, h.tolerance) {
			log.Printf("fake-receiver rejected signature ts=%s", ts)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if n <= h.failFirstN {
		log.Printf("FAILING (%d/%d) %s body=%s", n, h.failFirstN, r.URL.Path, truncate(string(body), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s body=%q", r.URL.Path, truncate(string(body), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
