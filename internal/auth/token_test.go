package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/spec-kit/ticket-gateway/internal/domain"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type loginServer struct {
	*httptest.Server
	logins  atomic.Int32
	release chan struct{}
	status  int
	body    func(n int32) string
}

func newLoginServer(t *testing.T) *loginServer {
	t.Helper()
	ls := &loginServer{status: http.StatusOK}
	ls.body = func(n int32) string {
		return fmt.Sprintf(`{"access_token":"token-%d","expires_in":300}`, n)
	}
	ls.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ls.logins.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("username") != "svc" {
			t.Errorf("unexpected login form: %v", r.PostForm)
		}
		if ls.release != nil {
			<-ls.release
		}
		w.WriteHeader(ls.status)
		_, _ = w.Write([]byte(ls.body(n)))
	}))
	t.Cleanup(ls.Close)
	return ls
}

func newTestManager(ls *loginServer, clock *fakeClock) *TokenManager {
	return NewTokenManager(Options{
		LoginURL:     ls.URL,
		ClientID:     "client",
		Username:     "svc",
		Password:     "secret",
		ExpiryMargin: 30 * time.Second,
		FallbackTTL:  270 * time.Second,
		Now:          clock.Now,
	})
}

func TestConcurrentCallersShareOneLogin(t *testing.T) {
	ls := newLoginServer(t)
	ls.release = make(chan struct{})
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tm := newTestManager(ls, clock)

	const callers = 32
	results := make(chan string, callers)
	errs := make(chan error, callers)
	var started sync.WaitGroup
	started.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			started.Done()
			token, err := tm.Token(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- token
		}()
	}
	started.Wait()
	// Give every goroutine time to join the in-flight login.
	time.Sleep(50 * time.Millisecond)
	close(ls.release)

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		case got := <-results:
			if got != "token-1" {
				t.Fatalf("caller %d got %q, want token-1", i, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for callers")
		}
	}
	if got := ls.logins.Load(); got != 1 {
		t.Fatalf("logins: got %d, want 1", got)
	}
}

func TestCachedTokenReusedUntilMargin(t *testing.T) {
	ls := newLoginServer(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tm := newTestManager(ls, clock)
	ctx := context.Background()

	first, err := tm.Token(ctx)
	if err != nil {
		t.Fatalf("first token: %v", err)
	}

	// expires_in 300 minus 30s margin leaves 270s of reuse.
	clock.Advance(269 * time.Second)
	second, err := tm.Token(ctx)
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if second != first || ls.logins.Load() != 1 {
		t.Fatalf("expected cached %q with one login, got %q after %d logins", first, second, ls.logins.Load())
	}

	clock.Advance(time.Second)
	third, err := tm.Token(ctx)
	if err != nil {
		t.Fatalf("third token: %v", err)
	}
	if third != "token-2" || ls.logins.Load() != 2 {
		t.Fatalf("expected refresh at margin, got %q after %d logins", third, ls.logins.Load())
	}
}

func TestLoginFailureIsAuthError(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "rejected", status: http.StatusUnauthorized, body: `{"error":"invalid_grant"}`},
		{name: "no token", status: http.StatusOK, body: `{"expires_in":300}`},
		{name: "garbage", status: http.StatusOK, body: `<html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ls := newLoginServer(t)
			ls.status = tc.status
			ls.body = func(int32) string { return tc.body }
			tm := newTestManager(ls, &fakeClock{now: time.Unix(1_700_000_000, 0)})

			_, err := tm.Token(context.Background())
			if !apperrors.IsCode(err, apperrors.CodeAuth) {
				t.Fatalf("expected auth error, got %v", err)
			}

			// The failed flight must not block a later attempt.
			ls.status = http.StatusOK
			ls.body = func(n int32) string { return fmt.Sprintf(`{"access_token":"token-%d"}`, n) }
			if _, err := tm.Token(context.Background()); err != nil {
				t.Fatalf("retry after failure: %v", err)
			}
			if ls.logins.Load() != 2 {
				t.Fatalf("logins: got %d, want 2", ls.logins.Load())
			}
		})
	}
}

func TestInvalidateOnlyDropsMatchingToken(t *testing.T) {
	ls := newLoginServer(t)
	tm := newTestManager(ls, &fakeClock{now: time.Unix(1_700_000_000, 0)})
	ctx := context.Background()

	token, err := tm.Token(ctx)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	tm.Invalidate("some-older-token")
	if again, _ := tm.Token(ctx); again != token {
		t.Fatalf("unrelated invalidate dropped the token: %q", again)
	}

	tm.Invalidate(token)
	fresh, err := tm.Token(ctx)
	if err != nil {
		t.Fatalf("fresh token: %v", err)
	}
	if fresh == token || ls.logins.Load() != 2 {
		t.Fatalf("expected a new login, got %q after %d logins", fresh, ls.logins.Load())
	}
}

func TestCacheTTLDerivation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tm := NewTokenManager(Options{
		ExpiryMargin: 30 * time.Second,
		FallbackTTL:  270 * time.Second,
		Now:          func() time.Time { return now },
	})

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}).SignedString([]byte("upstream-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name string
		resp loginResponse
		want time.Duration
	}{
		{name: "expires_in number", resp: loginResponse{AccessToken: "opaque", ExpiresIn: []byte(`600`)}, want: 570 * time.Second},
		{name: "expires_in string", resp: loginResponse{AccessToken: "opaque", ExpiresIn: []byte(`"120"`)}, want: 90 * time.Second},
		{name: "short lifetime halves", resp: loginResponse{AccessToken: "opaque", ExpiresIn: []byte(`20`)}, want: 10 * time.Second},
		{name: "jwt exp claim", resp: loginResponse{AccessToken: signed}, want: 570 * time.Second},
		{name: "fallback", resp: loginResponse{AccessToken: "opaque"}, want: 270 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tm.cacheTTL(tc.resp); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

type memoryStore struct {
	mu    sync.Mutex
	token domain.Token
	saves int
	// keepOnDiscard simulates a store that failed to drop the token.
	keepOnDiscard bool
}

func (s *memoryStore) Load(context.Context) (domain.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token.Value != "", nil
}

func (s *memoryStore) Save(_ context.Context, token domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.saves++
	return nil
}

func (s *memoryStore) Discard(_ context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keepOnDiscard {
		return errors.New("store unavailable")
	}
	if s.token.Value == value {
		s.token = domain.Token{}
	}
	return nil
}

func (s *memoryStore) value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token.Value
}

func TestInvalidateBypassesSharedCopy(t *testing.T) {
	for _, keep := range []bool{false, true} {
		t.Run(fmt.Sprintf("discard_fails=%v", keep), func(t *testing.T) {
			ls := newLoginServer(t)
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			store := &memoryStore{keepOnDiscard: keep}
			tm := NewTokenManager(Options{LoginURL: ls.URL, Username: "svc", Now: clock.Now, Store: store})

			first, err := tm.Token(context.Background())
			if err != nil || first != "token-1" || store.value() != "token-1" {
				t.Fatalf("first token %q err %v, store holds %q", first, err, store.value())
			}

			tm.Invalidate(first)
			second, err := tm.Token(context.Background())
			if err != nil {
				t.Fatalf("refresh: %v", err)
			}
			if second != "token-2" || ls.logins.Load() != 2 {
				t.Fatalf("expected a fresh login, got %q after %d logins", second, ls.logins.Load())
			}
			if store.value() != "token-2" {
				t.Fatalf("store holds %q, want token-2", store.value())
			}
		})
	}
}

func TestSharedStoreSkipsLogin(t *testing.T) {
	ls := newLoginServer(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := &memoryStore{token: domain.Token{Value: "shared", ExpiresAt: clock.Now().Add(time.Minute)}}
	opts := Options{LoginURL: ls.URL, Username: "svc", Now: clock.Now, Store: store}
	tm := NewTokenManager(opts)

	got, err := tm.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "shared" || ls.logins.Load() != 0 {
		t.Fatalf("expected shared token without login, got %q after %d logins", got, ls.logins.Load())
	}

	clock.Advance(2 * time.Minute)
	got, err = tm.Token(context.Background())
	if err != nil {
		t.Fatalf("token after expiry: %v", err)
	}
	if got != "token-1" || store.saves != 1 {
		t.Fatalf("expected login and save, got %q with %d saves", got, store.saves)
	}
}

func TestFingerprintHidesToken(t *testing.T) {
	fp := Fingerprint("secret-token")
	if fp == "" || fp == "secret-token" || len(fp) != 12 {
		t.Fatalf("unexpected fingerprint %q", fp)
	}
	if Fingerprint("") != "" {
		t.Fatal("empty token should have empty fingerprint")
	}
}
