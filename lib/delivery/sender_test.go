// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/fault"
)

func sampleEvent() attendance.Event {
	return attendance.Event{
		ID:        7,
		Key:       "0b6f0a8e-key",
		Type:      attendance.CheckOut,
		Source:    attendance.SourceManual,
		UserID:    "ada",
		DeviceID:  "lab-7",
		Time:      "17:30:00",
		Date:      "2026-03-02",
		Timestamp: "2026-03-02T17:30:00Z",
	}
}

func TestHTTPSenderPostsPayload(t *testing.T) {
	var got *http.Request
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sender := NewHTTPSender(HTTPSenderConfig{
		Endpoint:  server.URL + "/attendance",
		Token:     "secret",
		UserAgent: "remodance-test/1",
	})
	if err := sender.Send(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got.Method != http.MethodPost || got.URL.Path != "/attendance" {
		t.Errorf("request = %s %s", got.Method, got.URL.Path)
	}
	headers := map[string]string{
		"Content-Type":    "application/json",
		"Authorization":   "Bearer secret",
		"Idempotency-Key": "0b6f0a8e-key",
		"User-Agent":      "remodance-test/1",
	}
	for name, want := range headers {
		if value := got.Header.Get(name); value != want {
			t.Errorf("%s = %q, want %q", name, value, want)
		}
	}

	var payload attendance.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decoding body %s: %v", body, err)
	}
	if payload.EventType != attendance.CheckOut || payload.UserID != "ada" || payload.Payload.DeviceID != "lab-7" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestHTTPSenderOmitsEmptyToken(t *testing.T) {
	var authorization string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization = r.Header.Get("Authorization")
	}))
	defer server.Close()

	sender := NewHTTPSender(HTTPSenderConfig{Endpoint: server.URL})
	if err := sender.Send(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if authorization != "" {
		t.Errorf("Authorization = %q, want none", authorization)
	}
}

func TestHTTPSenderStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer server.Close()

	sender := NewHTTPSender(HTTPSenderConfig{Endpoint: server.URL})
	err := sender.Send(context.Background(), sampleEvent())

	var statusError *StatusError
	if !errors.As(err, &statusError) {
		t.Fatalf("error %v is not a StatusError", err)
	}
	if statusError.StatusCode != http.StatusUnauthorized || !strings.Contains(statusError.Body, "token expired") {
		t.Errorf("StatusError = %+v", statusError)
	}
	if !IsAuthFailure(err) || Classify(err) != Pause {
		t.Errorf("401 classified as %s", Classify(err))
	}
}

func TestHTTPSenderUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	sender := NewHTTPSender(HTTPSenderConfig{Endpoint: endpoint, ProbeTimeout: time.Second})
	err := sender.Send(context.Background(), sampleEvent())
	if !fault.Is(err, fault.CategoryTransient) {
		t.Errorf("send to closed server: category %q, want transient", fault.CategoryOf(err))
	}
	if Classify(err) != Retry {
		t.Errorf("classified as %s, want retry", Classify(err))
	}
	if err := sender.Probe(context.Background()); !fault.Is(err, fault.CategoryTransient) {
		t.Errorf("probe of closed server = %v, want transient fault", err)
	}
}

func TestHTTPSenderInvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "/relative", "ftp://host/x", "http://"} {
		sender := NewHTTPSender(HTTPSenderConfig{Endpoint: endpoint})
		err := sender.Send(context.Background(), sampleEvent())
		if !fault.Is(err, fault.CategoryConfiguration) {
			t.Errorf("%q: category %q, want configuration", endpoint, fault.CategoryOf(err))
		}
		if fault.HintOf(err) == "" {
			t.Errorf("%q: no hint", endpoint)
		}
		if Classify(err) != Pause {
			t.Errorf("%q: classified as %s, want pause", endpoint, Classify(err))
		}
		if err := sender.Probe(context.Background()); !fault.Is(err, fault.CategoryConfiguration) {
			t.Errorf("%q: probe = %v, want configuration fault", endpoint, err)
		}
	}
}

func TestHTTPSenderUpdate(t *testing.T) {
	sender := NewHTTPSender(HTTPSenderConfig{Endpoint: "https://a.example/x", Token: "t"})
	if sender.Update("https://a.example/x", "t") {
		t.Error("Update with identical values reported a change")
	}
	if !sender.Update("https://b.example/x", "t") {
		t.Error("Update with a new endpoint reported no change")
	}
	if sender.Endpoint() != "https://b.example/x" {
		t.Errorf("Endpoint = %q", sender.Endpoint())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, Delivered},
		{&StatusError{StatusCode: 401}, Pause},
		{&StatusError{StatusCode: 403}, Pause},
		{&StatusError{StatusCode: 408}, Retry},
		{&StatusError{StatusCode: 429}, Retry},
		{&StatusError{StatusCode: 400}, Rejected},
		{&StatusError{StatusCode: 404}, Rejected},
		{&StatusError{StatusCode: 422}, Rejected},
		{&StatusError{StatusCode: 500}, Retry},
		{&StatusError{StatusCode: 503}, Retry},
		{fmt.Errorf("wrapped: %w", &StatusError{StatusCode: 403}), Pause},
		{fault.Transient("post", errors.New("reset")), Retry},
		{fault.Configuration("endpoint", errors.New("bad")), Pause},
		{errors.New("unclassified"), Retry},
		{context.DeadlineExceeded, Retry},
	}
	for _, test := range tests {
		if got := Classify(test.err); got != test.want {
			t.Errorf("Classify(%v) = %s, want %s", test.err, got, test.want)
		}
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, 2 * time.Second},
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{6, 128 * time.Second},
		{7, 256 * time.Second},
		{8, 5 * time.Minute},
		{100, 5 * time.Minute},
	}
	for _, test := range tests {
		if got := policy.Delay(test.attempts); got != test.want {
			t.Errorf("Delay(%d) = %v, want %v", test.attempts, got, test.want)
		}
	}

	// Non-decreasing up to the cap.
	previous := time.Duration(0)
	for attempts := range 64 {
		delay := policy.Delay(attempts)
		if delay < previous || delay > policy.MaxDelay {
			t.Fatalf("Delay(%d) = %v after %v", attempts, delay, previous)
		}
		previous = delay
	}
}
