package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/auth"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/credential"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/dbtest"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/forum"
	forumentity "github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/session"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/video"
)

func testConfig() Config {
	return Config{
		Auth:          auth.DefaultConfig(),
		Session:       session.Config{Secret: "s", Issuer: "test"},
		Forum:         forum.Config{AnonymousID: 1, ContentColumns: forum.DefaultContentColumns()},
		AuthKey:       "k1",
		SecureAuthKey: "k2",
	}
}

func TestNewRejectsPasswordGrantWithoutPlatform(t *testing.T) {
	_, err := New(dbtest.Open(t), testConfig(), zaptest.NewLogger(t).Sugar(), WithRegisterer(prometheus.NewRegistry()))
	if !errors.Is(err, auth.ErrConfigMissing) {
		t.Fatalf("expected config missing, got %v", err)
	}
}

func TestProvisionAndRegisterEndToEnd(t *testing.T) {
	ctx := context.Background()
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/oauth-clients/local":
			_, _ = w.Write([]byte(`{"client_id":"cid","client_secret":"csecret"}`))
		case "/api/v1/users/token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":60}`))
		case "/api/v1/users/me":
			_, _ = w.Write([]byte(`{"id":3,"account":{"id":4,"actorId":5}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer platform.Close()

	cfg := testConfig()
	cfg.Video = video.Config{PublicURL: platform.URL}
	a, err := New(dbtest.Open(t), cfg, zaptest.NewLogger(t).Sugar(),
		WithRegisterer(prometheus.NewRegistry()),
		WithHasher(credential.BcryptHasher{Cost: bcrypt.MinCost}))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Provision(ctx); err != nil {
		t.Fatalf("provision: %v", err)
	}
	// twice is fine
	if err := a.Provision(ctx); err != nil {
		t.Fatalf("second provision: %v", err)
	}

	if _, err := a.Users.Create(ctx, &forumentity.User{Username: "Anonymous"}); err != nil {
		t.Fatalf("anonymous user: %v", err)
	}
	res, err := a.Auth.Register(ctx, auth.RegisterInput{Username: "erin", Email: "erin@x.test", Password: "pw"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if res.Token != auth.TokenMinted || !res.ShadowCreated {
		t.Fatalf("unexpected result: %+v", res)
	}
	tok, err := a.Auth.PlatformAccessToken(ctx, res.AuthID)
	if err != nil || tok != "at" {
		t.Fatalf("platform token: %q %v", tok, err)
	}
	if n, _ := a.Sessions.ActiveCount(ctx, res.ShadowID); n != 1 {
		t.Fatalf("expected one live session, got %d", n)
	}
}
