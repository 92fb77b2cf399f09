package travel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/tripguard/internal/runtime/store"
)

const maxUpstreamBody = 1 << 20

// ErrUpstream reports a provider response outside the 2xx range.
var ErrUpstream = errors.New("travel: upstream error")

// Provider looks up places, flights or hotels. Implementations may return a
// store.Lifetime to bound how long the result is cached.
type Provider interface {
	Lookup(ctx context.Context, kind, query string, params store.Params) (any, error)
}

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPProvider forwards lookups to an upstream JSON service as
// GET {base}/{kind}?q={query}&{params}.
type HTTPProvider struct {
	base   *url.URL
	client httpDoer
}

// NewHTTPProvider validates baseURL and builds a provider with the given
// request timeout.
func NewHTTPProvider(baseURL string, timeout time.Duration) (*HTTPProvider, error) {
	return newHTTPProvider(baseURL, &http.Client{Timeout: timeout})
}

func newHTTPProvider(baseURL string, client httpDoer) (*HTTPProvider, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("travel: provider base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("travel: provider base url must be http or https: %q", baseURL)
	}
	return &HTTPProvider{base: parsed, client: client}, nil
}

func (p *HTTPProvider) Lookup(ctx context.Context, kind, query string, params store.Params) (any, error) {
	target := p.base.JoinPath(kind)
	values := url.Values{}
	values.Set("q", query)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values.Set(k, fmt.Sprint(params[k]))
	}
	target.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("travel: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("travel: upstream request: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("travel: upstream read: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("travel: upstream close: %w", closeErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstream, kind, resp.StatusCode)
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("travel: upstream json decode: %w", err)
	}

	if ttl, ok := cacheLifetime(resp.Header.Get("Cache-Control")); ok {
		return store.Lifetime{Value: payload, TTL: ttl}, nil
	}
	return payload, nil
}
