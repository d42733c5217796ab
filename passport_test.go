package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type passportFixture struct {
	passport *Passport
	tokens   *TokenStore
	jar      *fakeJar
	doer     *fakeDoer
	now      time.Time
}

func newPassportFixture(t *testing.T, handle func(req *http.Request) (*http.Response, error)) *passportFixture {
	t.Helper()
	f := &passportFixture{
		tokens: NewTokenStore(newMemStore(), nil, testLogger{t}),
		jar:    newFakeJar(),
		doer:   newFakeDoer(handle),
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.tokens.now = func() time.Time { return f.now }
	f.passport = NewPassport(f.doer, f.jar, f.tokens, newStubDevice(testDeviceFp), OkHttpAndroidProfile, testConfig(), testLogger{t}, nil)
	f.passport.now = func() time.Time { return f.now }
	return f
}

func cookieTokenOK(req *http.Request) (*http.Response, error) {
	return okResponse(req, map[string]any{"uid": "288909600", "cookie_token": "fresh_ct"})
}

func TestEnsureCookieWithoutCredential(t *testing.T) {
	f := newPassportFixture(t, nil)

	err := f.passport.EnsureCookie(context.Background(), false)
	assert.ErrorIs(t, err, ErrNoStoredCredential)
	assert.True(t, IsFatalError(err))
	assert.False(t, f.passport.HasStoredCredential(context.Background()))
}

func TestEnsureCookieExchangesWhenNoCookieToken(t *testing.T) {
	var gotCookie, gotDS, gotStoken string
	f := newPassportFixture(t, func(req *http.Request) (*http.Response, error) {
		require.Equal(t, cookieTokenBySTokenPath, req.URL.Path)
		gotCookie = req.Header.Get("cookie")
		gotDS = req.Header.Get("ds")
		gotStoken = req.URL.Query().Get("stoken")
		return cookieTokenOK(req)
	})
	ctx := context.Background()
	require.NoError(t, f.tokens.SaveCredential(ctx, "v2_stoken", "mid_1"))

	require.NoError(t, f.passport.EnsureCookie(ctx, false))

	assert.Equal(t, "stoken=v2_stoken; mid=mid_1", gotCookie)
	assert.Equal(t, "v2_stoken", gotStoken)
	parts := strings.Split(gotDS, ",")
	require.Len(t, parts, 3)
	assert.Equal(t, fmt.Sprint(f.now.Unix()), parts[0])

	tokens, err := f.tokens.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh_ct", tokens.CookieToken)
	assert.Equal(t, "288909600", tokens.AccountID)
	assert.Equal(t, f.now.UnixMilli(), tokens.CookieTokenUpdatedAt)
	assert.Equal(t, "fresh_ct", f.jar.value(vendorCookieURL, "cookie_token"))
	assert.Equal(t, "288909600", f.jar.value(vendorCookieURL, "ltuid"))
}

func TestEnsureCookieTrustsFreshToken(t *testing.T) {
	f := newPassportFixture(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("unexpected request to %s", req.URL.Path)
		return nil, nil
	})
	ctx := context.Background()
	require.NoError(t, f.tokens.SaveCredential(ctx, "v2_stoken", "mid_1"))
	require.NoError(t, f.tokens.MarkCookieToken(ctx, "ct", "288909600"))

	f.now = f.now.Add(time.Hour)
	require.NoError(t, f.passport.EnsureCookie(ctx, false))
	assert.Equal(t, "ct", f.jar.value(vendorCookieURL, "cookie_token"))
}

func TestEnsureCookieVerifiesStaleToken(t *testing.T) {
	f := newPassportFixture(t, func(req *http.Request) (*http.Response, error) {
		require.Equal(t, verifyCookieTokenPath, req.URL.Path)
		assert.Contains(t, req.Header.Get("cookie"), "cookie_token=ct")
		return okResponse(req, map[string]any{"user_info": map[string]any{"aid": "288909600"}})
	})
	ctx := context.Background()
	require.NoError(t, f.tokens.SaveCredential(ctx, "v2_stoken", "mid_1"))
	require.NoError(t, f.tokens.MarkCookieToken(ctx, "ct", "288909600"))

	f.now = f.now.Add(25 * time.Hour)
	require.NoError(t, f.passport.EnsureCookie(ctx, false))

	tokens, err := f.tokens.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ct", tokens.CookieToken)
	assert.Equal(t, f.now.UnixMilli(), tokens.CookieTokenUpdatedAt)
	assert.Zero(t, f.doer.count(cookieTokenBySTokenPath))
}

func TestEnsureCookieForcedRefreshAfterAuthFailure(t *testing.T) {
	f := newPassportFixture(t, func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case verifyCookieTokenPath:
			return jsonResponse(req, http.StatusOK, envelope(-100, "登录失效，请重新登录", nil)), nil
		case cookieTokenBySTokenPath:
			return cookieTokenOK(req)
		}
		return nil, fmt.Errorf("unexpected %s", req.URL.Path)
	})
	ctx := context.Background()
	require.NoError(t, f.tokens.SaveCredential(ctx, "v2_stoken", "mid_1"))
	require.NoError(t, f.tokens.MarkCookieToken(ctx, "ct", "288909600"))

	require.NoError(t, f.passport.EnsureCookie(ctx, true))

	assert.Equal(t, 1, f.doer.count(verifyCookieTokenPath))
	assert.Equal(t, 1, f.doer.count(cookieTokenBySTokenPath))
	assert.Equal(t, "fresh_ct", f.jar.value(vendorCookieURL, "cookie_token"))
}

func TestEnsureCookieConcurrentForcedRefreshExchangesOnce(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	f := newPassportFixture(t, func(req *http.Request) (*http.Response, error) {
		started <- struct{}{}
		<-release
		return cookieTokenOK(req)
	})
	ctx := context.Background()
	require.NoError(t, f.tokens.SaveCredential(ctx, "v2_stoken", "mid_1"))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = f.passport.EnsureCookie(ctx, true)
	}()
	<-started
	for i := 1; i < len(errs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.passport.EnsureCookie(ctx, true)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.doer.count(cookieTokenBySTokenPath))
	assert.Equal(t, "fresh_ct", f.jar.value(vendorCookieURL, "cookie_token"))
}

func TestEnsureCookieCancelledCallerStopsWaiting(t *testing.T) {
	release := make(chan struct{})
	f := newPassportFixture(t, func(req *http.Request) (*http.Response, error) {
		<-release
		return cookieTokenOK(req)
	})
	bg := context.Background()
	require.NoError(t, f.tokens.SaveCredential(bg, "v2_stoken", "mid_1"))

	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.passport.EnsureCookie(ctx, true), context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool {
		tokens, err := f.tokens.Read(bg)
		return err == nil && tokens.CookieToken == "fresh_ct"
	}, time.Second, 5*time.Millisecond)
}

func TestEnsureCookieVerifyNetworkFailure(t *testing.T) {
	f := newPassportFixture(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(req, http.StatusInternalServerError, "oops"), nil
	})
	ctx := context.Background()
	require.NoError(t, f.tokens.SaveCredential(ctx, "v2_stoken", "mid_1"))
	require.NoError(t, f.tokens.MarkCookieToken(ctx, "ct", "288909600"))

	err := f.passport.EnsureCookie(ctx, true)
	var httpErr *HttpRequestError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.Status)
	assert.Zero(t, f.doer.count(cookieTokenBySTokenPath))
}

func TestCookieTokenBySTokenRejected(t *testing.T) {
	f := newPassportFixture(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(req, http.StatusOK, envelope(-100, "登录失效", nil)), nil
	})

	_, err := f.passport.CookieTokenBySToken(context.Background(), "v2_stoken", "mid_1")
	var apiErr *ApiResponseError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -100, apiErr.Retcode)
}

func TestClearCookies(t *testing.T) {
	f := newPassportFixture(t, cookieTokenOK)
	ctx := context.Background()
	require.NoError(t, f.tokens.SaveCredential(ctx, "v2_stoken", "mid_1"))
	require.NoError(t, f.passport.EnsureCookie(ctx, false))
	require.NotEmpty(t, f.jar.value(vendorCookieURL, "cookie_token"))

	f.passport.ClearCookies()
	assert.Empty(t, f.jar.value(vendorCookieURL, "cookie_token"))
	assert.Empty(t, f.jar.value(vendorCookieURL, "account_id"))
}

func TestPassportDS(t *testing.T) {
	ds := passportDS("salt", 1700000000, 123456, "v2_stoken")

	sum := md5.Sum([]byte("salt=salt&t=1700000000&r=123456&b=&q=stoken=v2_stoken"))
	assert.Equal(t, "1700000000,123456,"+hex.EncodeToString(sum[:]), ds)
}
