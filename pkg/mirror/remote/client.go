/* Copyright 2025 Dnote Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package remote talks to the remote system-of-record. It pages through
// collections, sends mutations, and renews the bearer credential.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dnote/mirror/pkg/clock"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	defaultRateLimitPerSecond = 5
	defaultRateLimitBurst     = 10
	defaultTimeout            = 30 * time.Second

	// codeThrottled is the GraphQL error code the remote API uses for rate limiting
	codeThrottled = "THROTTLED"
)

var contentTypeApplicationJSON = "application/json"

// TimestampParser parses the remote API's timestamp strings
type TimestampParser interface {
	ParseRemote(s string) (time.Time, error)
}

// Params are the parameters for constructing a Client
type Params struct {
	Endpoint     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Version      string

	// RateLimit is the maximum number of requests per second. Zero uses the default.
	RateLimit float64
	Burst     int
	Timeout   time.Duration

	Credentials CredentialStore
	Timestamps  TimestampParser
	Clock       clock.Clock
	// HTTPClient overrides the rate limited client built from the other parameters
	HTTPClient *http.Client
}

// Client is a client for the remote API
type Client struct {
	endpoint     string
	tokenURL     string
	clientID     string
	clientSecret string
	version      string

	hc         *http.Client
	store      CredentialStore
	timestamps TimestampParser
	clock      clock.Clock

	mu    sync.Mutex
	creds *Credentials
}

// rateLimitedTransport wraps an http.RoundTripper with rate limiting
type rateLimitedTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.transport.RoundTrip(req)
}

// NewRateLimitedHTTPClient creates an HTTP client that makes at most perSecond requests per second
func NewRateLimitedHTTPClient(perSecond float64, burst int, timeout time.Duration) *http.Client {
	if perSecond <= 0 {
		perSecond = defaultRateLimitPerSecond
	}
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &rateLimitedTransport{
		transport: http.DefaultTransport,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// New returns a new client
func New(p Params) (*Client, error) {
	if p.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if p.Timestamps == nil {
		return nil, errors.New("timestamp parser is required")
	}

	c := &Client{
		endpoint:     p.Endpoint,
		tokenURL:     p.TokenURL,
		clientID:     p.ClientID,
		clientSecret: p.ClientSecret,
		version:      p.Version,
		hc:           p.HTTPClient,
		store:        p.Credentials,
		timestamps:   p.Timestamps,
		clock:        p.Clock,
	}

	if c.hc == nil {
		c.hc = NewRateLimitedHTTPClient(p.RateLimit, p.Burst, p.Timeout)
	}
	if c.store == nil {
		c.store = NewMemoryCredentialStore(Credentials{})
	}
	if c.clock == nil {
		c.clock = clock.New()
	}

	return c, nil
}

func (c *Client) credentials() (Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.creds == nil {
		creds, err := c.store.Load()
		if err != nil {
			return Credentials{}, errors.Wrap(err, "loading credentials")
		}
		c.creds = &creds
	}

	return *c.creds, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refresh exchanges the refresh token for a new bearer credential
func (c *Client) refresh(ctx context.Context) error {
	creds, err := c.credentials()
	if err != nil {
		return err
	}
	if creds.RefreshToken == "" {
		return errors.New("no refresh token")
	}
	if c.tokenURL == "" {
		return errors.New("no token endpoint configured")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	if c.clientID != "" {
		form.Set("client_id", c.clientID)
		form.Set("client_secret", c.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "constructing token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrap(err, "requesting token")
	}
	defer res.Body.Close()

	if err := checkRespErr(res); err != nil {
		return errors.Wrap(err, "token endpoint responded with an error")
	}

	var tr tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		return errors.Wrap(err, "decoding token response")
	}
	if tr.AccessToken == "" {
		return errors.New("token response has no access token")
	}

	next := Credentials{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		next.ExpiresAt = c.clock.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}

	c.mu.Lock()
	c.creds = &next
	c.mu.Unlock()

	if err := c.store.Save(next); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("failed to persist refreshed credentials")
	}

	log.Debug("refreshed access token")

	return nil
}

// checkRespErr checks if the given http response indicates an error
func checkRespErr(res *http.Response) error {
	if res.StatusCode < 400 {
		return nil
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrapf(err, "remote responded with %d but the body could not be read", res.StatusCode)
	}

	return &HTTPError{
		StatusCode: res.StatusCode,
		Message:    strings.TrimRight(string(body), "\n"),
	}
}

func (c *Client) send(ctx context.Context, body []byte, token string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "constructing http request")
	}

	req.Header.Set("Content-Type", contentTypeApplicationJSON)
	if c.version != "" {
		req.Header.Set("User-Agent", fmt.Sprintf("mirror/%s", c.version))
	}
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	return c.hc.Do(req)
}

// do posts the given body to the API endpoint as the authorized client. A 401
// response triggers exactly one credential refresh and one resend.
func (c *Client) do(ctx context.Context, op string, body []byte, header http.Header) (*response, error) {
	creds, err := c.credentials()
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"op": op}).Debug("remote request")

	res, err := c.send(ctx, body, creds.AccessToken, header)
	if err != nil {
		return nil, classifySendErr(ctx, op, err)
	}

	if res.StatusCode == http.StatusUnauthorized {
		res.Body.Close()

		if err := c.refresh(ctx); err != nil {
			return nil, &AuthExpiredError{Err: err}
		}

		creds, err = c.credentials()
		if err != nil {
			return nil, err
		}

		res, err = c.send(ctx, body, creds.AccessToken, header)
		if err != nil {
			return nil, classifySendErr(ctx, op, err)
		}
		if res.StatusCode == http.StatusUnauthorized {
			res.Body.Close()
			return nil, &AuthExpiredError{Err: errors.New("still unauthorized after refreshing the access token")}
		}
	}
	defer res.Body.Close()

	if err := checkRespErr(res); err != nil {
		return nil, classifyStatusErr(op, err)
	}

	var ret response
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(&ret); err != nil {
		return nil, &TransientNetworkError{Op: op, Err: errors.Wrap(err, "decoding response body")}
	}

	if len(ret.Errors) > 0 {
		return nil, classifyGraphQLErrors(op, ret.Errors)
	}

	return &ret, nil
}

func classifySendErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, op)
	}

	return &TransientNetworkError{Op: op, Err: err}
}

func classifyStatusErr(op string, err error) error {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return &TransientNetworkError{Op: op, Err: err}
	}

	switch {
	case httpErr.StatusCode == http.StatusRequestTimeout,
		httpErr.StatusCode == http.StatusTooManyRequests,
		httpErr.StatusCode >= 500:
		return &TransientNetworkError{Op: op, Err: httpErr}
	default:
		return &ValidationError{StatusCode: httpErr.StatusCode, Messages: []string{httpErr.Message}}
	}
}

func classifyGraphQLErrors(op string, errs []gqlError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Extensions.Code == codeThrottled {
			return &TransientNetworkError{Op: op, Err: errors.New(e.Message)}
		}
		msgs = append(msgs, e.Message)
	}

	return &ValidationError{Messages: msgs}
}
