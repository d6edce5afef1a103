package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a key is remembered when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a stored key.
type Status string

const (
	// StatusPending means a request holds the key and has not produced a response yet.
	StatusPending Status = "pending"
	// StatusCompleted means the response is stored and will be replayed.
	StatusCompleted Status = "completed"
)

// Outcome tells the middleware what to do after Reserve.
type Outcome int

const (
	// OutcomeProceed means the caller owns the key and must run the handler.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means a stored response exists.
	OutcomeReplay
	// OutcomeInFlight means another request currently holds the key.
	OutcomeInFlight
)

// Reservation is the result of Reserve.
type Reservation struct {
	Outcome Outcome
	Record  Record
}

// Record is the persisted state of one key.
type Record struct {
	Key             string              `json:"key"`
	Fingerprint     string              `json:"fingerprint"`
	Status          Status              `json:"status"`
	ResponseStatus  int                 `json:"responseStatus,omitempty"`
	ResponseHeaders map[string][]string `json:"responseHeaders,omitempty"`
	ResponseBody    []byte              `json:"responseBody,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	ExpiresAt       time.Time           `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is a captured HTTP response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and completed responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request")

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func completeRecord(rec Record, resp Response, now time.Time, ttl time.Duration) Record {
	rec.Status = StatusCompleted
	rec.ResponseStatus = resp.Status
	rec.ResponseHeaders = storableHeaders(resp.Headers)
	rec.ResponseBody = nil
	if len(resp.Body) > 0 {
		rec.ResponseBody = append([]byte(nil), resp.Body...)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = now.Add(ttl)
	return rec
}

// reservationFor classifies an existing, unexpired record.
func reservationFor(rec Record, fingerprint string) (Reservation, error) {
	if rec.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if rec.Status == StatusCompleted {
		return Reservation{Outcome: OutcomeReplay, Record: rec}, nil
	}
	return Reservation{Outcome: OutcomeInFlight, Record: rec}, nil
}

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// documentID hashes the scoped key so arbitrary client input is a safe document id.
func documentID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Date":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func storableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if _, skip := hopByHopHeaders[name]; skip {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
