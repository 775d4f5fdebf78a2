// Package video talks to the video platform's REST API: public client
// discovery, password grants, and the few account calls the bridge needs.
package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20

	pathOAuthClient = "/api/v1/oauth-clients/local"
	pathToken       = "/api/v1/users/token"
	pathMe          = "/api/v1/users/me"
	pathRegister    = "/api/v1/users/register"
)

var (
	ErrConfigMissing = errors.New("video: platform url not configured")
	ErrUnavailable   = errors.New("video: platform unavailable")
	ErrBadResponse   = errors.New("video: unexpected platform response")
)

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Op     string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("video: %s failed (%d): %s", e.Op, e.Status, e.Detail)
}

// Config holds platform endpoints. PublicURL is what browsers use; the
// optional InternalURL is a loopback or cluster address for server calls.
type Config struct {
	PublicURL   string
	InternalURL string
	Timeout     time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		PublicURL:   strings.TrimSpace(os.Getenv("VIDEO_PUBLIC_URL")),
		InternalURL: strings.TrimSpace(os.Getenv("VIDEO_INTERNAL_URL")),
		Timeout:     defaultTimeout,
	}
	if d, err := time.ParseDuration(os.Getenv("VIDEO_TIMEOUT")); err == nil && d > 0 {
		cfg.Timeout = d
	}
	return cfg
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Option func(*Bridge)

func WithHTTPClient(c HTTPDoer) Option { return func(b *Bridge) { b.http = c } }

func WithClock(now func() time.Time) Option { return func(b *Bridge) { b.now = now } }

func WithLogger(l *zap.SugaredLogger) Option { return func(b *Bridge) { b.logger = l } }

// Bridge is the video platform client.
type Bridge struct {
	public   *url.URL
	internal *url.URL
	timeout  time.Duration
	http     HTTPDoer
	now      func() time.Time
	logger   *zap.SugaredLogger
}

func New(cfg Config, opts ...Option) (*Bridge, error) {
	if cfg.PublicURL == "" {
		return nil, ErrConfigMissing
	}
	public, err := parseBase(cfg.PublicURL)
	if err != nil {
		return nil, err
	}
	b := &Bridge{public: public, timeout: cfg.Timeout, now: time.Now, logger: zap.NewNop().Sugar()}
	if cfg.InternalURL != "" {
		if b.internal, err = parseBase(cfg.InternalURL); err != nil {
			return nil, err
		}
	}
	if b.timeout <= 0 {
		b.timeout = defaultTimeout
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.http == nil {
		b.http = &http.Client{Timeout: b.timeout}
	}
	return b, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: bad url %q", ErrConfigMissing, raw)
	}
	return u, nil
}

// Client is the platform's public OAuth client pair.
type Client struct {
	ID     string `json:"client_id"`
	Secret string `json:"client_secret"`
}

// TokenBundle is a normalized password-grant result.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	Scope        string
	ObtainedAt   time.Time
}

// ExpiresAt is ObtainedAt + ExpiresIn in UTC, or nil when no lifetime was given.
func (t TokenBundle) ExpiresAt() *time.Time {
	if t.ExpiresIn <= 0 {
		return nil
	}
	at := t.ObtainedAt.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	return &at
}

// Identity is the subset of the platform's user profile cached in the identity map.
type Identity struct {
	UserID    *int64
	AccountID *int64
	ActorID   *int64
	Username  string
}

// request describes one platform call. Internal routes through the internal
// base URL when configured; Bearer is attached only when non-empty.
type request struct {
	op       string
	method   string
	path     string
	form     url.Values
	jsonBody any
	bearer   string
	internal bool
}

func (b *Bridge) do(ctx context.Context, r request, out any) error {
	base := b.public
	routedInternally := r.internal && b.internal != nil
	if routedInternally {
		base = b.internal
	}

	var body io.Reader
	contentType := ""
	switch {
	case r.form != nil:
		body = strings.NewReader(r.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.jsonBody != nil:
		raw, err := json.Marshal(r.jsonBody)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(raw))
		contentType = "application/json"
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, r.method, base.String()+r.path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if routedInternally {
		req.Host = b.public.Host
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		b.logger.Warnw("video platform request failed", "op", r.op, "err", err)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, r.op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, r.op, err)
	}
	if len(raw) > maxResponseBody {
		return fmt.Errorf("%w: %s: body exceeds %d bytes", ErrBadResponse, r.op, maxResponseBody)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{Op: r.op, Status: resp.StatusCode, Detail: describeError(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadResponse, r.op, err)
	}
	return nil
}

// describeError prefers the human readable "detail" field of a problem response.
func describeError(raw []byte) string {
	var body struct {
		Detail           string `json:"detail"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch {
		case strings.TrimSpace(body.Detail) != "":
			return strings.TrimSpace(body.Detail)
		case strings.TrimSpace(body.ErrorDescription) != "":
			return strings.TrimSpace(body.ErrorDescription)
		}
	}
	return "request rejected by video platform"
}

// FetchPublicClient reads the local OAuth client. It always uses the public
// URL and never sends credentials.
func (b *Bridge) FetchPublicClient(ctx context.Context) (Client, error) {
	var c Client
	err := b.do(ctx, request{op: "fetch public client", method: http.MethodGet, path: pathOAuthClient}, &c)
	if err != nil {
		return Client{}, err
	}
	if c.ID == "" || c.Secret == "" {
		return Client{}, fmt.Errorf("%w: oauth client id or secret missing", ErrBadResponse)
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// RequestToken runs the resource owner password grant on the public URL.
func (b *Bridge) RequestToken(ctx context.Context, c Client, username, password string) (TokenBundle, error) {
	form := url.Values{}
	form.Set("client_id", c.ID)
	form.Set("client_secret", c.Secret)
	form.Set("grant_type", "password")
	form.Set("response_type", "code")
	form.Set("username", username)
	form.Set("password", password)

	var raw tokenResponse
	err := b.do(ctx, request{op: "password grant", method: http.MethodPost, path: pathToken, form: form}, &raw)
	if err != nil {
		return TokenBundle{}, err
	}
	return TokenBundle{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ExpiresIn:    raw.ExpiresIn,
		Scope:        raw.Scope,
		ObtainedAt:   b.now().UTC(),
	}, nil
}

// PasswordGrant discovers the public client and exchanges the user's
// credentials for a token pair.
func (b *Bridge) PasswordGrant(ctx context.Context, identifier, password string) (TokenBundle, error) {
	c, err := b.FetchPublicClient(ctx)
	if err != nil {
		return TokenBundle{}, err
	}
	bundle, err := b.RequestToken(ctx, c, identifier, password)
	if err != nil {
		return TokenBundle{}, err
	}
	if bundle.AccessToken == "" {
		return TokenBundle{}, fmt.Errorf("%w: token response without access token", ErrBadResponse)
	}
	return bundle, nil
}

type meResponse struct {
	ID       *int64 `json:"id"`
	Username string `json:"username"`
	Account  struct {
		ID      *int64 `json:"id"`
		ActorID *int64 `json:"actorId"`
	} `json:"account"`
}

// FetchIdentity reads the token owner's profile. This is the one call that
// carries a bearer token.
func (b *Bridge) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	if accessToken == "" {
		return Identity{}, fmt.Errorf("%w: empty access token", ErrBadResponse)
	}
	var me meResponse
	err := b.do(ctx, request{op: "fetch identity", method: http.MethodGet, path: pathMe, bearer: accessToken, internal: true}, &me)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: me.ID, AccountID: me.Account.ID, ActorID: me.Account.ActorID, Username: me.Username}, nil
}

// Registration is the body of a self-service platform sign-up.
type Registration struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

// RegisterUser creates a platform account with the same credentials the
// forum just accepted.
func (b *Bridge) RegisterUser(ctx context.Context, reg Registration) error {
	return b.do(ctx, request{op: "register", method: http.MethodPost, path: pathRegister, jsonBody: reg, internal: true}, nil)
}
