// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tombee/relay/internal/store"
	"github.com/tombee/relay/pkg/errors"
	"github.com/tombee/relay/pkg/httpclient"
)

// Webhook throttling defaults: one delivery per second per endpoint with a
// small burst.
const (
	DefaultWebhookRate  = 1.0
	DefaultWebhookBurst = 5
)

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	// Rate is deliveries per second per endpoint. Zero uses DefaultWebhookRate.
	Rate float64

	// Burst is the per-endpoint burst. Zero uses DefaultWebhookBurst.
	Burst int
}

// WebhookSink posts events to the project's enabled webhook endpoints.
type WebhookSink struct {
	store  store.NotificationStore
	client *http.Client
	rate   rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewWebhookSink creates a sink. A nil client uses http.DefaultClient.
func NewWebhookSink(st store.NotificationStore, client *http.Client, cfg WebhookConfig) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultWebhookRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultWebhookBurst
	}
	return &WebhookSink{
		store:    st,
		client:   client,
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Name implements Sink.
func (w *WebhookSink) Name() string { return "webhook" }

// Send implements Sink. Every subscribed endpoint is attempted; the returned
// error joins the individual failures.
func (w *WebhookSink) Send(ctx context.Context, ev *Event) error {
	if ev.ProjectID == "" {
		return nil
	}
	hooks, err := w.store.ListWebhooks(ctx, ev.ProjectID)
	if err != nil {
		return errors.Wrap(err, "listing webhooks")
	}

	var errs []error
	for _, hook := range hooks {
		if !hook.Subscribed(ev.Event) {
			continue
		}
		if err := w.deliver(ctx, hook, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (w *WebhookSink) deliver(ctx context.Context, hook *store.Webhook, ev *Event) error {
	if err := w.limiter(hook.URL).Wait(ctx); err != nil {
		return errors.Wrapf(err, "throttling webhook %s", hook.ID)
	}

	body, err := Payload(hook.Format, ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "building webhook request %s", hook.ID)
	}
	req.Header.Set("Content-Type", "application/json")

	host := ""
	if u, perr := url.Parse(hook.URL); perr == nil {
		host = u.Host
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &errors.TransportError{Op: "webhook", Host: host, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &errors.TransportError{
			Op:         "webhook",
			Host:       host,
			StatusCode: resp.StatusCode,
			Body:       string(excerpt),
			Cause:      fmt.Errorf("webhook %s returned %s", httpclient.SanitizeRawURL(hook.URL), resp.Status),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (w *WebhookSink) limiter(endpoint string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(w.rate, w.burst)
		w.limiters[endpoint] = l
	}
	return l
}

// Payload encodes ev for an endpoint format. Slack endpoints receive
// {"text": ...}; everything else receives the event itself.
func Payload(format string, ev *Event) ([]byte, error) {
	var v any = ev
	if format == store.WebhookFormatSlack {
		v = map[string]string{"text": ev.Text()}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding event")
	}
	return data, nil
}
