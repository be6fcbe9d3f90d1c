package capabilities

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegistry_RegisterGet(t *testing.T) {
	reg := NewRegistry()
	c := SlackWebhook{WebhookURL: "https://example.com"}
	reg.Register(c)
	got := reg.Get("slack")
	if got != c {
		t.Fatalf("Get(slack): got %+v", got)
	}
	if reg.Get("nonexistent") != nil {
		t.Fatal("Get(nonexistent) should be nil")
	}
}

func TestSlackWebhook_Notify(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := SlackWebhook{WebhookURL: srv.URL, Channel: "#fleet", Username: "fleetcore"}
	if err := c.Notify(context.Background(), "approval pending"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if payload["text"] != "approval pending" || payload["channel"] != "#fleet" {
		t.Fatalf("payload: %v", payload)
	}
}

func TestSlackWebhook_Notify_emptyURL(t *testing.T) {
	c := SlackWebhook{}
	if err := c.Notify(context.Background(), "msg"); err == nil {
		t.Fatal("expected error when webhook URL empty")
	}
}

func TestSlackWebhook_Notify_serverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := SlackWebhook{WebhookURL: srv.URL}
	if err := c.Notify(context.Background(), "msg"); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestNotifyAll(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(SlackWebhook{WebhookURL: srv.URL})
	if err := reg.NotifyAll(context.Background(), "task failed"); err != nil {
		t.Fatalf("NotifyAll: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected 1 delivery, got %d", hits)
	}
}
