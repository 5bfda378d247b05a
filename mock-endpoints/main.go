package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

// Local receiver for poking the delivery engine by hand. Each endpoint
// exercises one branch of the attempt state machine.
var received atomic.Int64

type ack struct {
	Received bool   `json:"received"`
	Endpoint string `json:"endpoint"`
}

type nack struct {
	Error string `json:"error"`
}

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	// Always 200 — the happy path.
	http.HandleFunc("/webhook/success", func(w http.ResponseWriter, r *http.Request) {
		logAttempt(r, 200)
		respond(w, http.StatusOK, ack{Received: true, Endpoint: "success"})
	})

	// 200 after 3s — trips the delivery timeout when it is set lower.
	http.HandleFunc("/webhook/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
		logAttempt(r, 200)
		respond(w, http.StatusOK, ack{Received: true, Endpoint: "slow"})
	})

	// Always 500 — every attempt retries until the budget runs out.
	http.HandleFunc("/webhook/fail", func(w http.ResponseWriter, r *http.Request) {
		logAttempt(r, 500)
		respond(w, http.StatusInternalServerError, nack{Error: "simulated receiver outage"})
	})

	// Always 400 — the delivery fails terminally on the first attempt.
	http.HandleFunc("/webhook/reject", func(w http.ResponseWriter, r *http.Request) {
		logAttempt(r, 400)
		respond(w, http.StatusBadRequest, nack{Error: "payload rejected"})
	})

	// 503 twice, then 200 — watches the backoff gaps play out.
	var flaky atomic.Int64
	http.HandleFunc("/webhook/flaky", func(w http.ResponseWriter, r *http.Request) {
		if flaky.Add(1)%3 != 0 {
			logAttempt(r, 503)
			respond(w, http.StatusServiceUnavailable, nack{Error: "temporarily unavailable"})
			return
		}
		logAttempt(r, 200)
		respond(w, http.StatusOK, ack{Received: true, Endpoint: "flaky"})
	})

	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]int64{"webhooks_received": received.Load()})
	})

	log.Printf("mock receiver listening on :%s", port)
	log.Printf("  POST /webhook/success  200")
	log.Printf("  POST /webhook/slow     200 after 3s")
	log.Printf("  POST /webhook/fail     500 (retries until budget exhausted)")
	log.Printf("  POST /webhook/reject   400 (fails terminally)")
	log.Printf("  POST /webhook/flaky    503 x2, then 200")
	log.Printf("  GET  /stats            received count")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("mock receiver: %v", err)
	}
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func logAttempt(r *http.Request, status int) {
	n := received.Add(1)
	log.Printf("webhook #%d: %s -> %d event=%s attempt=%s id=%s sig=%s",
		n,
		r.URL.Path,
		status,
		r.Header.Get("X-Webhook-Event"),
		r.Header.Get("X-Webhook-Attempt"),
		clip(r.Header.Get("X-Webhook-ID"), 8),
		clip(r.Header.Get("X-Webhook-Signature-256"), 18),
	)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
