package cmd

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDeliverCmdFailureReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	origURL, origPayload, origAllow := deliverURL, deliverPayload, allowLocalhost
	origDSN, origTimeout := dbDSN, timeout
	defer func() {
		deliverURL, deliverPayload, allowLocalhost = origURL, origPayload, origAllow
		dbDSN, timeout = origDSN, origTimeout
	}()

	deliverURL = srv.URL
	deliverPayload = `{"event":"x"}`
	allowLocalhost = true
	dbDSN = ""
	timeout = 10 * time.Second

	err := deliverCmd.RunE(deliverCmd, nil)
	if err == nil {
		t.Fatal("RunE() expected error for a 400 response")
	}
	if !deliverCmd.SilenceUsage {
		t.Error("failed delivery should not print command usage")
	}
}

func TestDeliverCmdSuccessReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	origURL, origPayload, origAllow := deliverURL, deliverPayload, allowLocalhost
	origDSN, origTimeout := dbDSN, timeout
	defer func() {
		deliverURL, deliverPayload, allowLocalhost = origURL, origPayload, origAllow
		dbDSN, timeout = origDSN, origTimeout
	}()

	deliverURL = srv.URL
	deliverPayload = `{"event":"x"}`
	allowLocalhost = true
	dbDSN = ""
	timeout = 10 * time.Second

	if err := deliverCmd.RunE(deliverCmd, nil); err != nil {
		t.Fatalf("RunE() unexpected error: %v", err)
	}
}
