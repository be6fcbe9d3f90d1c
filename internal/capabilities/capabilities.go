// Package capabilities holds outbound integrations the daemon notifies
// when something needs a human: pending approvals, terminal task failures.
// The core never blocks on a notifier.
package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Notifier sends a message to an external target (e.g. a Slack channel).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, message string) error
}

// Registry holds loaded notifiers by name.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

func NewRegistry() *Registry {
	return &Registry{notifiers: make(map[string]Notifier)}
}

func (r *Registry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[n.Name()] = n
}

func (r *Registry) Get(name string) Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifiers[name]
}

// NotifyAll fans the message out to every registered notifier and returns
// the first error, after trying all of them.
func (r *Registry) NotifyAll(ctx context.Context, message string) error {
	r.mu.RLock()
	targets := make([]Notifier, 0, len(r.notifiers))
	for _, n := range r.notifiers {
		targets = append(targets, n)
	}
	r.mu.RUnlock()

	var first error
	for _, n := range targets {
		if err := n.Notify(ctx, message); err != nil && first == nil {
			first = fmt.Errorf("%s: %w", n.Name(), err)
		}
	}
	return first
}

var webhookClient = &http.Client{Timeout: 10 * time.Second}

// SlackWebhook posts messages to a Slack channel via incoming webhook URL.
type SlackWebhook struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, message string) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	payload := map[string]any{"text": message}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := webhookClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
