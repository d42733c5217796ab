package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	http "github.com/bogdanfinn/fhttp"
)

// PseudoHeaderOrder is the okhttp HTTP/2 pseudo-header order.
var PseudoHeaderOrder = []string{
	":method",
	":path",
	":authority",
	":scheme",
}

// HTTPDoer is the part of tls_client.HttpClient the protocol code needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CookieJar reads and writes cookies for arbitrary hosts. tls_client.HttpClient
// satisfies it.
type CookieJar interface {
	GetCookies(u *url.URL) []*http.Cookie
	SetCookies(u *url.URL, cookies []*http.Cookie)
}

// ApiResponse is the vendor's JSON envelope.
type ApiResponse[T any] struct {
	Retcode int    `json:"retcode"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// readResponseBody decompresses and reads the full response body.
// Caller should defer resp.Body.Close() before calling this.
func readResponseBody(resp *http.Response) ([]byte, error) {
	if resp.Header.Get("Content-Encoding") == "" {
		return io.ReadAll(resp.Body)
	}
	body := http.DecompressBody(resp)
	defer body.Close()
	return io.ReadAll(body)
}

func isHTTPSuccess(status int) bool {
	return status >= 200 && status < 300
}

// buildURL joins base and endpoint and appends scalar query params.
func buildURL(baseURL, endpoint string, params map[string]any) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + endpoint)
	if err != nil {
		return "", err
	}
	if len(params) == 0 {
		return u.String(), nil
	}

	q := u.Query()
	for key, value := range params {
		s, err := stringifyParam(value)
		if err != nil {
			return "", fmt.Errorf("query param %q: %w", key, err)
		}
		q.Set(key, s)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stringifyParam accepts strings and any integer or float kind.
func stringifyParam(v any) (string, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}

// decodeEnvelope checks the HTTP status and parses the JSON envelope. It does
// not look at the retcode.
func decodeEnvelope[T any](resp *http.Response, label string) (*ApiResponse[T], error) {
	body, err := readResponseBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", label, err)
	}
	if !isHTTPSuccess(resp.StatusCode) {
		return nil, &HttpRequestError{Status: resp.StatusCode, StatusText: statusText(resp), Context: label}
	}

	var envelope ApiResponse[T]
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%s: failed to parse response: %w (body: %s)", label, err, truncate(string(body), 200))
	}
	return &envelope, nil
}

func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
