package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legacyRecord(t *testing.T, stoken, mid string) string {
	t.Helper()
	raw, err := json.Marshal(PersistedPassportTokens{Stoken: stoken, Mid: mid, UpdatedAt: time.Now().UnixMilli()})
	require.NoError(t, err)
	return string(raw)
}

func TestTokenStoreRoundTrip(t *testing.T) {
	store := NewTokenStore(newMemStore(), nil, testLogger{t})
	ctx := context.Background()

	tokens, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, tokens)
	assert.False(t, store.HasStoken(ctx))

	require.NoError(t, store.SaveCredential(ctx, "v2_stoken", "mid_1"))
	require.NoError(t, store.MarkCookieToken(ctx, "ct", "288909600"))

	tokens, err = store.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, tokens)
	assert.Equal(t, "v2_stoken", tokens.Stoken)
	assert.Equal(t, "ct", tokens.CookieToken)
	assert.Positive(t, tokens.CookieTokenUpdatedAt)
	assert.True(t, store.HasStoken(ctx))

	require.NoError(t, store.Clear(ctx))
	assert.False(t, store.HasStoken(ctx))
}

func TestTokenStoreNewCredentialDropsCookieToken(t *testing.T) {
	store := NewTokenStore(newMemStore(), nil, testLogger{t})
	ctx := context.Background()

	require.NoError(t, store.SaveCredential(ctx, "stoken_a", "mid_1"))
	require.NoError(t, store.MarkCookieToken(ctx, "ct", "288909600"))

	require.NoError(t, store.SaveCredential(ctx, "stoken_b", "mid_1"))
	tokens, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stoken_b", tokens.Stoken)
	assert.Empty(t, tokens.CookieToken)
	assert.Zero(t, tokens.CookieTokenUpdatedAt)
}

func TestTokenStoreSameCredentialKeepsCookieToken(t *testing.T) {
	store := NewTokenStore(newMemStore(), nil, testLogger{t})
	ctx := context.Background()

	require.NoError(t, store.SaveCredential(ctx, "stoken_a", "mid_1"))
	require.NoError(t, store.MarkCookieToken(ctx, "ct", "288909600"))
	current, err := store.Read(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, current))
	tokens, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ct", tokens.CookieToken)
}

func TestTokenStoreMalformedRecords(t *testing.T) {
	tests := map[string]string{
		"not json":      `{"stoken":`,
		"missing mid":   `{"stoken":"s","updatedAt":1}`,
		"zero updated":  `{"stoken":"s","mid":"m","updatedAt":0}`,
		"wrong type":    `{"stoken":1,"mid":"m","updatedAt":1}`,
		"empty object":  `{}`,
		"negative time": `{"stoken":"s","mid":"m","updatedAt":1,"cookieTokenUpdatedAt":-5}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			isolated := newMemStore()
			require.NoError(t, isolated.Set(context.Background(), passportTokensKey, raw))
			store := NewTokenStore(isolated, nil, testLogger{t})

			tokens, err := store.Read(context.Background())
			require.NoError(t, err)
			assert.Nil(t, tokens)
		})
	}
}

func TestTokenStoreMarkWithoutCredential(t *testing.T) {
	store := NewTokenStore(newMemStore(), nil, testLogger{t})
	err := store.MarkCookieToken(context.Background(), "ct", "1")
	assert.ErrorIs(t, err, ErrNoStoredCredential)
}

func TestTokenStoreMigratesLegacyCopy(t *testing.T) {
	isolated, legacy := newMemStore(), newMemStore()
	require.NoError(t, legacy.Set(context.Background(), legacyPassportTokensKey, legacyRecord(t, "old_stoken", "mid_1")))
	store := NewTokenStore(isolated, legacy, testLogger{t})
	ctx := context.Background()

	tokens, err := store.Read(ctx)
	require.NoError(t, err)
	require.NotNil(t, tokens)
	assert.Equal(t, "old_stoken", tokens.Stoken)

	_, ok := legacy.raw(legacyPassportTokensKey)
	assert.False(t, ok)
	_, ok = isolated.raw(passportTokensKey)
	assert.True(t, ok)
}

func TestTokenStoreMigrationDoesNotOverwrite(t *testing.T) {
	isolated, legacy := newMemStore(), newMemStore()
	ctx := context.Background()
	require.NoError(t, isolated.Set(ctx, passportTokensKey, legacyRecord(t, "current_stoken", "mid_1")))
	require.NoError(t, legacy.Set(ctx, legacyPassportTokensKey, legacyRecord(t, "old_stoken", "mid_1")))
	store := NewTokenStore(isolated, legacy, testLogger{t})

	tokens, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "current_stoken", tokens.Stoken)
	_, ok := legacy.raw(legacyPassportTokensKey)
	assert.False(t, ok)
}

func TestTokenStoreMigrationRunsOnce(t *testing.T) {
	isolated, legacy := newMemStore(), newMemStore()
	store := NewTokenStore(isolated, legacy, testLogger{t})
	ctx := context.Background()

	for range 5 {
		_, err := store.Read(ctx)
		require.NoError(t, err)
		store.HasStoken(ctx)
	}
	require.NoError(t, store.SaveCredential(ctx, "s", "m"))

	assert.Equal(t, 1, legacy.gets)

	// A legacy record appearing later is not picked up by the same store.
	require.NoError(t, legacy.Set(ctx, legacyPassportTokensKey, legacyRecord(t, "late", "m")))
	tokens, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s", tokens.Stoken)
	assert.Equal(t, 1, legacy.gets)
}

func TestTokenStoreDiscardsMalformedLegacy(t *testing.T) {
	isolated, legacy := newMemStore(), newMemStore()
	ctx := context.Background()
	require.NoError(t, legacy.Set(ctx, legacyPassportTokensKey, `garbage`))
	store := NewTokenStore(isolated, legacy, testLogger{t})

	tokens, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, tokens)
	_, ok := legacy.raw(legacyPassportTokensKey)
	assert.False(t, ok)
}
