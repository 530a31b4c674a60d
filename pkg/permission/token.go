package permission

import (
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// DefaultTokenTTL bounds how long an issued confirmation is honored.
const DefaultTokenTTL = 5 * time.Minute

// Token is proof that a human or policy approved one specific request.
// Single use, bound to exactly one request ID.
type Token struct {
	Value     string    `json:"token"`
	RequestID string    `json:"request_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type tokenRecord struct {
	requestID string
	expiresAt time.Time
}

// TokenStore issues and redeems confirmation tokens.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]tokenRecord
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenStore creates a token store. A non-positive TTL uses the default.
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenStore{
		tokens: make(map[string]tokenRecord),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue mints a token bound to the request ID. Issuing again for the same
// request replaces nothing; multiple outstanding tokens may exist, each
// usable once.
func (s *TokenStore) Issue(requestID string) (Token, error) {
	if requestID == "" {
		return Token{}, fmt.Errorf("request ID cannot be empty")
	}

	value, err := gonanoid.New()
	if err != nil {
		return Token{}, fmt.Errorf("failed to generate token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()

	expires := s.now().Add(s.ttl)
	s.tokens[value] = tokenRecord{requestID: requestID, expiresAt: expires}

	return Token{Value: value, RequestID: requestID, ExpiresAt: expires}, nil
}

// Consume redeems a token for a request. It succeeds at most once, and only
// when the token was issued for this exact request ID and has not expired.
func (s *TokenStore) Consume(value, requestID string) bool {
	if value == "" || requestID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[value]
	if !ok {
		return false
	}
	if record.requestID != requestID {
		return false
	}
	delete(s.tokens, value)

	return s.now().Before(record.expiresAt)
}

// Outstanding returns the number of unredeemed, unexpired tokens.
func (s *TokenStore) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.tokens)
}

func (s *TokenStore) sweepLocked() {
	now := s.now()
	for value, record := range s.tokens {
		if !now.Before(record.expiresAt) {
			delete(s.tokens, value)
		}
	}
}
