package idempotency

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long completed responses stay replayable.
const DefaultTTL = 24 * time.Hour

// ReservationState is the outcome of reserving a key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request holds the key.
	ReservationStatePending
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// Response is a captured handler response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

type record struct {
	fingerprint string
	completed   bool
	response    Response
	expiresAt   time.Time
}

// Store persists reservations and responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (ReservationState, Response, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps reservations in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]record)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (ReservationState, Response, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !now.Before(rec.expiresAt) {
		s.records[key] = record{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return ReservationStateNew, Response{}, nil
	}
	if rec.fingerprint != fingerprint {
		return 0, Response{}, ErrFingerprintMismatch
	}
	if rec.completed {
		return ReservationStateCompleted, rec.response, nil
	}
	return ReservationStatePending, Response{}, nil
}

// SaveResponse implements Store.
func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	resp.Headers = sanitizeHeaders(resp.Headers)
	resp.Body = append([]byte(nil), resp.Body...)
	s.records[key] = record{
		fingerprint: fingerprint,
		completed:   true,
		response:    resp,
		expiresAt:   now.Add(ttl),
	}
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, rec := range s.records {
		if now.Before(rec.expiresAt) {
			continue
		}
		delete(s.records, key)
		removed++
	}
	return removed, nil
}

func sanitizeHeaders(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "transfer-encoding":
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
