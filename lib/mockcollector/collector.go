// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package mockcollector is an in-process attendance collector for
// tests and local development. It accepts the JSON payload the agent
// POSTs, verifies an optional HS256 bearer token, deduplicates by
// Idempotency-Key, and can be told to fail the next N requests with a
// chosen status.
package mockcollector

import (
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/clock"
)

// EventsPath is the route events are POSTed to.
const EventsPath = "/attendance"

// Claims are the token claims the collector accepts. Subject must
// match the event's user_id.
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken signs a token for subject, valid for ttl from now.
func IssueToken(secret, subject string, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Receipt is one accepted event.
type Receipt struct {
	ID             string             `json:"id"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	ReceivedAt     time.Time          `json:"received_at"`
	Payload        attendance.Payload `json:"payload"`
}

// Config holds the parameters for New.
type Config struct {
	// Secret enables bearer token verification when non-empty.
	Secret string

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Collector records attendance events in memory.
type Collector struct {
	secret string
	clock  clock.Clock
	logger *slog.Logger
	engine *gin.Engine

	mu       sync.Mutex
	receipts []Receipt
	byKey    map[string]int
	failures []int
	entropy  *ulid.MonotonicEntropy
	requests int

	received chan Receipt
}

// New returns a Collector with its routes registered.
func New(cfg Config) *Collector {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	gin.SetMode(gin.ReleaseMode)
	collector := &Collector{
		secret:   cfg.Secret,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		engine:   gin.New(),
		byKey:    make(map[string]int),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		received: make(chan Receipt, 256),
	}

	collector.engine.Use(gin.Recovery(), collector.logRequests)
	collector.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	collector.engine.GET("/events", collector.listEvents)
	collector.engine.POST(EventsPath, collector.injectFailures, collector.authenticate, collector.receive)
	return collector
}

// Handler returns the collector's HTTP handler.
func (c *Collector) Handler() http.Handler {
	return c.engine
}

// FailNext makes the next n POSTs respond with status, before any
// authentication or validation.
func (c *Collector) FailNext(n int, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for range n {
		c.failures = append(c.failures, status)
	}
}

// Receipts returns the accepted events in arrival order.
func (c *Collector) Receipts() []Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Receipt(nil), c.receipts...)
}

// Received returns a channel that carries every newly accepted
// receipt. Receipts that find the buffer full are not sent, but still
// appear in Receipts.
func (c *Collector) Received() <-chan Receipt {
	return c.received
}

// Requests returns the number of POSTs seen, including failed and
// duplicate ones.
func (c *Collector) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func (c *Collector) logRequests(ctx *gin.Context) {
	start := c.clock.Now()
	ctx.Next()
	c.logger.Info("request",
		"method", ctx.Request.Method,
		"path", ctx.Request.URL.Path,
		"status", ctx.Writer.Status(),
		"duration", c.clock.Now().Sub(start),
	)
}

func (c *Collector) injectFailures(ctx *gin.Context) {
	c.mu.Lock()
	c.requests++
	status := 0
	if len(c.failures) > 0 {
		status = c.failures[0]
		c.failures = c.failures[1:]
	}
	c.mu.Unlock()

	if status != 0 {
		ctx.AbortWithStatusJSON(status, gin.H{"error": "injected failure"})
		return
	}
	ctx.Next()
}

const subjectKey = "subject"

func (c *Collector) authenticate(ctx *gin.Context) {
	if c.secret == "" {
		ctx.Next()
		return
	}

	header := ctx.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(c.secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.clock.Now),
	)
	if err != nil || !token.Valid {
		status := http.StatusUnauthorized
		message := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			message = "token expired"
		}
		ctx.AbortWithStatusJSON(status, gin.H{"error": message})
		return
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
		return
	}
	ctx.Set(subjectKey, claims.Subject)
	ctx.Next()
}

func (c *Collector) receive(ctx *gin.Context) {
	var payload attendance.Payload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if problem := validate(payload); problem != "" {
		ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": problem})
		return
	}
	if subject, ok := ctx.Get(subjectKey); ok && subject != payload.UserID {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "token subject does not match user_id"})
		return
	}

	key := ctx.GetHeader("Idempotency-Key")
	now := c.clock.Now()

	c.mu.Lock()
	if index, seen := c.byKey[key]; key != "" && seen {
		receipt := c.receipts[index]
		c.mu.Unlock()
		ctx.JSON(http.StatusOK, gin.H{"id": receipt.ID, "duplicate": true})
		return
	}
	receipt := Receipt{
		ID:             ulid.MustNew(ulid.Timestamp(now), c.entropy).String(),
		IdempotencyKey: key,
		ReceivedAt:     now,
		Payload:        payload,
	}
	c.receipts = append(c.receipts, receipt)
	if key != "" {
		c.byKey[key] = len(c.receipts) - 1
	}
	c.mu.Unlock()

	select {
	case c.received <- receipt:
	default:
	}
	c.logger.Info("attendance event received",
		"id", receipt.ID,
		"event_type", payload.EventType,
		"user_id", payload.UserID,
	)
	ctx.JSON(http.StatusCreated, gin.H{"id": receipt.ID})
}

func (c *Collector) listEvents(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"events": c.Receipts()})
}

func validate(payload attendance.Payload) string {
	switch {
	case payload.EventType != attendance.CheckIn && payload.EventType != attendance.CheckOut:
		return "unknown event_type"
	case payload.UserID == "":
		return "user_id is required"
	case payload.Payload.DeviceID == "":
		return "payload.device_id is required"
	}
	if _, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err != nil {
		return "timestamp must be RFC 3339"
	}
	if _, err := time.Parse("2006-01-02", payload.Payload.Date); err != nil {
		return "payload.date must be YYYY-MM-DD"
	}
	if _, err := time.Parse("15:04:05", payload.Payload.Time); err != nil {
		return "payload.time must be HH:MM:SS"
	}
	return ""
}
