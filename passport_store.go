package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	passportTokensKey = "passport_tokens"
	// legacyPassportTokensKey is where older builds kept tokens, in the
	// readable local store.
	legacyPassportTokensKey = "zzzsync_passport_tokens"
)

// PersistedPassportTokens is the long-lived credential plus what we know about
// the short-lived cookie token derived from it.
type PersistedPassportTokens struct {
	Stoken               string `json:"stoken" validate:"required"`
	Mid                  string `json:"mid" validate:"required"`
	UpdatedAt            int64  `json:"updatedAt" validate:"gt=0"`
	CookieTokenUpdatedAt int64  `json:"cookieTokenUpdatedAt,omitempty" validate:"gte=0"`
	CookieToken          string `json:"cookieToken,omitempty"`
	AccountID            string `json:"accountId,omitempty"`
}

func (t *PersistedPassportTokens) sameCredential(other *PersistedPassportTokens) bool {
	return other != nil && t.Stoken == other.Stoken && t.Mid == other.Mid
}

// TokenStore persists passport tokens in isolated storage. On first use it
// moves any legacy copy out of the local store.
type TokenStore struct {
	isolated    KVStore
	legacy      KVStore
	validate    *validator.Validate
	logger      Logger
	migrateOnce sync.Once
	now         func() time.Time
}

// NewTokenStore creates a token store. legacy may be nil.
func NewTokenStore(isolated, legacy KVStore, logger Logger) *TokenStore {
	return &TokenStore{
		isolated: isolated,
		legacy:   legacy,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// Read returns nil when nothing valid is stored. Malformed records are
// treated as absent.
func (s *TokenStore) Read(ctx context.Context) (*PersistedPassportTokens, error) {
	s.migrateLegacy(ctx)

	raw, ok, err := s.isolated.Get(ctx, passportTokensKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read passport tokens: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return s.decode(raw), nil
}

// Write stores tokens. A changed stoken or mid drops everything known about
// the old cookie token.
func (s *TokenStore) Write(ctx context.Context, tokens *PersistedPassportTokens) error {
	s.migrateLegacy(ctx)

	current, err := s.Read(ctx)
	if err != nil {
		return err
	}

	next := *tokens
	if !next.sameCredential(current) {
		next.CookieTokenUpdatedAt = 0
		next.CookieToken = ""
		next.AccountID = ""
	}
	if next.UpdatedAt == 0 {
		next.UpdatedAt = s.now().UnixMilli()
	}
	return s.put(ctx, &next)
}

// SaveCredential stores a freshly issued stoken/mid pair.
func (s *TokenStore) SaveCredential(ctx context.Context, stoken, mid string) error {
	return s.Write(ctx, &PersistedPassportTokens{
		Stoken:    stoken,
		Mid:       mid,
		UpdatedAt: s.now().UnixMilli(),
	})
}

// MarkCookieToken records a cookie token as verified or refreshed now.
func (s *TokenStore) MarkCookieToken(ctx context.Context, cookieToken, accountID string) error {
	current, err := s.Read(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return NewFatalError(ErrNoStoredCredential)
	}

	current.CookieToken = cookieToken
	current.AccountID = accountID
	current.CookieTokenUpdatedAt = s.now().UnixMilli()
	return s.put(ctx, current)
}

func (s *TokenStore) HasStoken(ctx context.Context) bool {
	tokens, err := s.Read(ctx)
	return err == nil && tokens != nil
}

func (s *TokenStore) Clear(ctx context.Context) error {
	s.migrateLegacy(ctx)
	return s.isolated.Delete(ctx, passportTokensKey)
}

func (s *TokenStore) put(ctx context.Context, tokens *PersistedPassportTokens) error {
	if err := s.validate.Struct(tokens); err != nil {
		return fmt.Errorf("refusing to store invalid passport tokens: %w", err)
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	if err := s.isolated.Set(ctx, passportTokensKey, string(raw)); err != nil {
		return fmt.Errorf("failed to write passport tokens: %w", err)
	}
	return nil
}

func (s *TokenStore) decode(raw string) *PersistedPassportTokens {
	var tokens PersistedPassportTokens
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil
	}
	if err := s.validate.Struct(&tokens); err != nil {
		return nil
	}
	return &tokens
}

// migrateLegacy runs once per TokenStore. The legacy copy is deleted as soon
// as it has been read, whether or not the move succeeds.
func (s *TokenStore) migrateLegacy(ctx context.Context) {
	if s.legacy == nil {
		return
	}
	s.migrateOnce.Do(func() {
		raw, ok, err := s.legacy.Get(ctx, legacyPassportTokensKey)
		if err != nil {
			s.logger.Log("Legacy token lookup failed: %v", err)
			return
		}
		if !ok {
			return
		}
		if err := s.legacy.Delete(ctx, legacyPassportTokensKey); err != nil {
			s.logger.Log("Failed to delete legacy tokens: %v", err)
		}

		tokens := s.decode(raw)
		if tokens == nil {
			s.logger.Log("Discarded malformed legacy passport tokens")
			return
		}
		if _, exists, err := s.isolated.Get(ctx, passportTokensKey); err != nil || exists {
			return
		}
		if err := s.put(ctx, tokens); err != nil {
			s.logger.Log("Legacy token migration failed: %v", err)
			return
		}
		s.logger.Log("Migrated passport tokens to isolated storage")
	})
}
