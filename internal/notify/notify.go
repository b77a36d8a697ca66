// Package notify tells the outside world that a checkpoint needs human
// attention. Delivery is best-effort: a notification failure must never
// fail the run transition that produced it.
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type Notifier interface {
	CheckpointOpened(runID, checkpointType string)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) CheckpointOpened(runID, checkpointType string) {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("checkpoint opened: run=%s type=%s", runID, checkpointType)
}

// WebhookNotifier POSTs notifications to a configured URL. Errors are
// logged and dropped.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Logger *log.Logger
}

func NewWebhookNotifier(url string, timeout time.Duration) WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return WebhookNotifier{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (n WebhookNotifier) CheckpointOpened(runID, checkpointType string) {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	body, err := json.Marshal(map[string]string{
		"event":           "checkpoint.opened",
		"run_id":          runID,
		"checkpoint_type": checkpointType,
	})
	if err != nil {
		logger.Printf("notify: marshal payload: %v", err)
		return
	}
	resp, err := n.Client.Post(n.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Printf("notify: post %s: %v", n.URL, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Printf("notify: post %s: status %d", n.URL, resp.StatusCode)
	}
}

// Noop discards notifications.
type Noop struct{}

func (Noop) CheckpointOpened(string, string) {}
