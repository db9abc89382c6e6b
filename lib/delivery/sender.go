// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/config"
	"github.com/remodance/remodance/lib/fault"
	"github.com/remodance/remodance/lib/netutil"
	"github.com/remodance/remodance/lib/version"
)

// Sender delivers one event to the collector. A nil error means the
// collector accepted it.
type Sender interface {
	Send(ctx context.Context, event attendance.Event) error
}

// Prober checks whether the collector can be reached at all. A nil
// error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// StatusError is a non-2xx response from the collector.
type StatusError struct {
	StatusCode int
	Status     string

	// Body is the start of the response body, for diagnostics.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector responded %s", e.Status)
	}
	return fmt.Sprintf("collector responded %s: %s", e.Status, e.Body)
}

// HTTPSender POSTs events as JSON and probes reachability with a TCP
// dial to the endpoint's host. The endpoint and token can be changed
// while the sender is in use.
type HTTPSender struct {
	client    *http.Client
	dialer    *net.Dialer
	userAgent string

	mu       sync.RWMutex
	endpoint string
	token    string
}

// HTTPSenderConfig holds the parameters for NewHTTPSender.
type HTTPSenderConfig struct {
	Endpoint string
	Token    string

	// Client defaults to an http.Client without a timeout; the worker
	// bounds every send with its own context deadline.
	Client *http.Client

	// ProbeTimeout bounds the reachability dial. Defaults to 3s.
	ProbeTimeout time.Duration

	// UserAgent defaults to version.UserAgent().
	UserAgent string
}

// NewHTTPSender returns an HTTPSender.
func NewHTTPSender(cfg HTTPSenderConfig) *HTTPSender {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = version.UserAgent()
	}
	return &HTTPSender{
		client:    cfg.Client,
		dialer:    &net.Dialer{Timeout: cfg.ProbeTimeout},
		userAgent: cfg.UserAgent,
		endpoint:  cfg.Endpoint,
		token:     cfg.Token,
	}
}

// Update replaces the endpoint and token. It reports whether either
// changed.
func (s *HTTPSender) Update(endpoint, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.endpoint != endpoint || s.token != token
	s.endpoint = endpoint
	s.token = token
	return changed
}

// Endpoint returns the current endpoint.
func (s *HTTPSender) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

func (s *HTTPSender) current() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint, s.token
}

func endpointFault(err error) error {
	return fault.Configuration("delivery: endpoint", err).
		WithHint("set api_endpoint to an absolute http(s) URL in the settings, then resume delivery")
}

// Send POSTs the event. The request carries the event's idempotency
// key so the collector can drop replays.
func (s *HTTPSender) Send(ctx context.Context, event attendance.Event) error {
	endpoint, token := s.current()
	if err := config.ValidateEndpoint(endpoint); err != nil {
		return endpointFault(err)
	}

	body, err := event.MarshalPayload()
	if err != nil {
		return fmt.Errorf("delivery: encoding event %d: %w", event.ID, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return endpointFault(err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", s.userAgent)
	if event.Key != "" {
		request.Header.Set("Idempotency-Key", event.Key)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fault.Transient("delivery: post", err)
	}
	defer netutil.DrainAndClose(response.Body)

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return &StatusError{
		StatusCode: response.StatusCode,
		Status:     response.Status,
		Body:       netutil.ErrorBody(response.Body, 512),
	}
}

// Probe dials the endpoint's host and port.
func (s *HTTPSender) Probe(ctx context.Context) error {
	endpoint, _ := s.current()
	if err := config.ValidateEndpoint(endpoint); err != nil {
		return endpointFault(err)
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return endpointFault(err)
	}

	port := parsed.Port()
	if port == "" {
		port = "80"
		if parsed.Scheme == "https" {
			port = "443"
		}
	}
	conn, err := s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(parsed.Hostname(), port))
	if err != nil {
		return fault.Transient("delivery: probe", err)
	}
	conn.Close()
	return nil
}
