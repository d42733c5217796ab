package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"sync"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

const testDeviceFp = "38d7f0fa4e1ab"

// fakeDoer answers requests in-process and counts them by URL path.
type fakeDoer struct {
	mu     sync.Mutex
	calls  map[string]int
	handle func(req *http.Request) (*http.Response, error)
}

func newFakeDoer(handle func(req *http.Request) (*http.Response, error)) *fakeDoer {
	return &fakeDoer{calls: map[string]int{}, handle: handle}
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls[req.URL.Path]++
	f.mu.Unlock()
	return f.handle(req)
}

func (f *fakeDoer) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeDoer) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func jsonResponse(req *http.Request, status int, body any) *http.Response {
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		raw, _ = json.Marshal(b)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(raw)),
		Request:    req,
	}
}

func envelope(retcode int, message string, data any) map[string]any {
	return map[string]any{"retcode": retcode, "message": message, "data": data}
}

func okResponse(req *http.Request, data any) (*http.Response, error) {
	return jsonResponse(req, http.StatusOK, envelope(0, "OK", data)), nil
}

func fingerprintOK(req *http.Request) (*http.Response, error) {
	return okResponse(req, map[string]any{"device_fp": testDeviceFp, "code": 200, "msg": "ok"})
}

func decodeBody(t *testing.T, req *http.Request, v any) {
	t.Helper()
	if req.Body == nil {
		t.Fatalf("request %s has no body", req.URL.Path)
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode body %q: %v", raw, err)
	}
}

// memStore is an in-memory KVStore that counts operations.
type memStore struct {
	mu      sync.Mutex
	data    map[string]string
	gets    int
	sets    int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}}
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.data, key)
	return nil
}

func (s *memStore) raw(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// fakeJar keeps cookies per host, honouring MaxAge < 0 as a delete.
type fakeJar struct {
	mu      sync.Mutex
	cookies map[string]map[string]*http.Cookie
}

func newFakeJar() *fakeJar {
	return &fakeJar{cookies: map[string]map[string]*http.Cookie{}}
}

func (j *fakeJar) GetCookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*http.Cookie
	for _, c := range j.cookies[u.Host] {
		out = append(out, c)
	}
	return out
}

func (j *fakeJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	host := j.cookies[u.Host]
	if host == nil {
		host = map[string]*http.Cookie{}
		j.cookies[u.Host] = host
	}
	for _, c := range cookies {
		if c.MaxAge < 0 {
			delete(host, c.Name)
			continue
		}
		host[c.Name] = c
	}
}

func (j *fakeJar) value(rawURL, name string) string {
	u, _ := url.Parse(rawURL)
	for _, c := range j.GetCookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

type testLogger struct {
	t *testing.T
}

func (l testLogger) Log(format string, args ...any) {
	l.t.Helper()
	l.t.Logf(format, args...)
}

// stubDevice is a DeviceSource with a fixed identity.
type stubDevice struct {
	mu           sync.Mutex
	id           DeviceIdentity
	refreshed    DeviceIdentity
	refreshErr   error
	refreshCalls int
}

func newStubDevice(fp string) *stubDevice {
	id := DeviceIdentity{DeviceID: "7a3c5d1e-9f0b-4c2a-8e6d-1b2c3d4e5f60", DeviceFp: fp, Timestamp: time.Now().UnixMilli()}
	return &stubDevice{id: id, refreshed: DeviceIdentity{DeviceID: id.DeviceID, DeviceFp: testDeviceFp, Timestamp: id.Timestamp}}
}

func (d *stubDevice) Current(context.Context) (DeviceIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id, nil
}

func (d *stubDevice) Refresh(context.Context) (DeviceIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshCalls++
	if d.refreshErr != nil {
		return DeviceIdentity{}, d.refreshErr
	}
	d.id = d.refreshed
	return d.id, nil
}

// stubPassport is a CookieRefresher that records forced refreshes.
type stubPassport struct {
	mu          sync.Mutex
	stored      bool
	err         error
	ensureCalls int
	forced      int
}

func (p *stubPassport) HasStoredCredential(context.Context) bool {
	return p.stored
}

func (p *stubPassport) EnsureCookie(_ context.Context, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureCalls++
	if force {
		p.forced++
	}
	return p.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DSSalt = "test-salt"
	cfg.QRPollInterval = time.Millisecond
	return cfg
}

func newTestGateway(t *testing.T, doer HTTPDoer, device DeviceSource, passport CookieRefresher) *Gateway {
	t.Helper()
	return NewGateway(doer, device, passport, OkHttpAndroidProfile, testConfig(), testLogger{t}, nil)
}
