package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/pipeline/model"
)

// WebhookReceiver is an HTTP test server standing in for the notification
// endpoint. It records every delivery and answers with a configurable
// sequence of status codes.
type WebhookReceiver struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	received  []ReceivedNotification
	responses []int
	fallback  int
}

// ReceivedNotification captures one delivery.
type ReceivedNotification struct {
	Event          model.NotificationEvent
	IdempotencyKey string
	Tenant         string
	Status         int
	ReceivedAt     time.Time
}

func newWebhookReceiver(t *testing.T) *WebhookReceiver {
	t.Helper()

	wr := &WebhookReceiver{t: t, fallback: http.StatusAccepted}
	wr.server = httptest.NewServer(http.HandlerFunc(wr.handle))
	t.Cleanup(wr.server.Close)
	return wr
}

func (wr *WebhookReceiver) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	var event model.NotificationEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	wr.mu.Lock()
	status := wr.fallback
	if len(wr.responses) > 0 {
		status = wr.responses[0]
		wr.responses = wr.responses[1:]
	}
	wr.received = append(wr.received, ReceivedNotification{
		Event:          event,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Tenant:         r.Header.Get("X-Pipeline-Tenant"),
		Status:         status,
		ReceivedAt:     time.Now(),
	})
	wr.mu.Unlock()

	w.WriteHeader(status)
}

// URL returns the receiver's endpoint.
func (wr *WebhookReceiver) URL() string {
	return wr.server.URL + "/hooks/pipeline"
}

// RespondWith queues status codes for the next deliveries, in order.
func (wr *WebhookReceiver) RespondWith(statuses ...int) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.responses = append(wr.responses, statuses...)
}

// AlwaysRespond sets the status used once the queue is empty.
func (wr *WebhookReceiver) AlwaysRespond(status int) {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.fallback = status
}

// Received returns a copy of every delivery so far.
func (wr *WebhookReceiver) Received() []ReceivedNotification {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	out := make([]ReceivedNotification, len(wr.received))
	copy(out, wr.received)
	return out
}

// Reset clears recorded deliveries.
func (wr *WebhookReceiver) Reset() {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	wr.received = nil
}
