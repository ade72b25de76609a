package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/zone-dispatch/internal/models"
)

// WebhookPublisher posts each event as JSON to a partner endpoint.
type WebhookPublisher struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookPublisher(endpoint string) *WebhookPublisher {
	return &WebhookPublisher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *WebhookPublisher) Publish(ctx context.Context, ev models.DispatchEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(ev.Type))
	req.Header.Set("X-Event-ID", ev.ID)
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", p.Endpoint, resp.StatusCode)
	}
	return nil
}
