package auth

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/spec-kit/ticket-gateway/internal/config"
	"github.com/spec-kit/ticket-gateway/internal/domain"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

const refreshKey = "upstream-token"

// discardTimeout bounds how long Invalidate waits on the shared store.
const discardTimeout = 2 * time.Second

// TokenStore shares tokens between replicas. Implementations must tolerate
// concurrent use.
type TokenStore interface {
	Load(ctx context.Context) (domain.Token, bool, error)
	Save(ctx context.Context, token domain.Token) error
	// Discard removes the shared token only if its value is still value.
	Discard(ctx context.Context, value string) error
}

// Options configures a TokenManager.
type Options struct {
	LoginURL     string
	ClientID     string
	Username     string
	Password     string
	Scope        string
	Timeout      time.Duration
	ExpiryMargin time.Duration
	FallbackTTL  time.Duration
	HTTPClient   *http.Client
	Store        TokenStore
	Logger       *zap.Logger
	Now          func() time.Time
	OnRefresh    func(ok bool)
}

// OptionsFromConfig maps service configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		LoginURL:     cfg.Upstream.LoginURL(),
		ClientID:     cfg.Upstream.ClientID,
		Username:     cfg.Upstream.Username,
		Password:     cfg.Upstream.Password,
		Scope:        cfg.Upstream.Scope,
		Timeout:      cfg.Upstream.Timeout(),
		ExpiryMargin: cfg.Token.ExpiryMargin(),
		FallbackTTL:  cfg.Token.FallbackTTL(),
	}
}

// TokenManager obtains and caches the upstream bearer token. It is the only
// writer of the cached token and runs at most one login at a time.
type TokenManager struct {
	opts   Options
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	current domain.Token
	// rejected is the last value the upstream refused. It is never taken
	// from the shared store again.
	rejected string

	refresh singleflight.Group
}

// NewTokenManager builds a new manager.
func NewTokenManager(opts Options) *TokenManager {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = 270 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TokenManager{opts: opts, client: client, logger: logger, now: now}
}

// loginResponse is the OAuth password-grant answer.
type loginResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

// Token returns a valid cached token or performs a login. Concurrent callers
// that find no valid token share a single login.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	token, err := tm.TokenWithExpiry(ctx)
	if err != nil {
		return "", err
	}
	return token.Value, nil
}

// TokenWithExpiry is Token plus the cache expiry of the returned value.
func (tm *TokenManager) TokenWithExpiry(ctx context.Context) (domain.Token, error) {
	if token, ok := tm.cached(); ok {
		return token, nil
	}

	ch := tm.refresh.DoChan(refreshKey, func() (any, error) {
		// A caller that lost the race may arrive after the winner stored
		// a fresh token.
		if token, ok := tm.cached(); ok {
			return token, nil
		}
		return tm.login(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return domain.Token{}, apperrors.NewAuthError("token acquisition aborted", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.Token{}, res.Err
		}
		return res.Val.(domain.Token), nil
	}
}

// Invalidate drops the cached token if it is still the given value. A token
// already replaced by a concurrent refresh is left alone. The shared copy is
// discarded too, so the next refresh performs a real login.
func (tm *TokenManager) Invalidate(stale string) {
	if stale == "" {
		return
	}
	tm.mu.Lock()
	tm.rejected = stale
	if tm.current.Value == stale {
		tm.logger.Info("upstream token invalidated", zap.String("token_fp", Fingerprint(stale)))
		tm.current = domain.Token{}
	}
	tm.mu.Unlock()

	if tm.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	if err := tm.opts.Store.Discard(ctx, stale); err != nil {
		tm.logger.Warn("shared token store discard failed",
			zap.String("token_fp", Fingerprint(stale)),
			zap.Error(err))
	}
}

func (tm *TokenManager) isRejected(value string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return value == tm.rejected
}

func (tm *TokenManager) cached() (domain.Token, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.current.ValidAt(tm.now()) {
		return tm.current, true
	}
	return domain.Token{}, false
}

func (tm *TokenManager) store(token domain.Token) {
	tm.mu.Lock()
	tm.current = token
	tm.mu.Unlock()
}

func (tm *TokenManager) login(ctx context.Context) (domain.Token, error) {
	if token, ok := tm.loadShared(ctx); ok {
		tm.store(token)
		return token, nil
	}

	ctx, cancel := context.WithTimeout(ctx, tm.opts.Timeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "password")
	if tm.opts.Scope != "" {
		form.Set("scope", tm.opts.Scope)
	}
	form.Set("client_id", tm.opts.ClientID)
	form.Set("username", tm.opts.Username)
	form.Set("password", tm.opts.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.opts.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Token{}, tm.fail(apperrors.NewAuthError("build login request", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	started := tm.now()
	resp, err := tm.client.Do(req)
	if err != nil {
		return domain.Token{}, tm.fail(apperrors.NewAuthError("login request failed", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Token{}, tm.fail(apperrors.NewAuthError("read login response", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.Token{}, tm.fail(apperrors.NewAuthError(
			fmt.Sprintf("login rejected with status %d", resp.StatusCode), nil))
	}

	var parsed loginResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.Token{}, tm.fail(apperrors.NewAuthError("failed to parse token response", err))
	}
	if parsed.AccessToken == "" {
		return domain.Token{}, tm.fail(apperrors.NewAuthError("no access_token in response", nil))
	}

	token := domain.Token{
		Value:     parsed.AccessToken,
		IssuedAt:  started,
		ExpiresAt: started.Add(tm.cacheTTL(parsed)),
	}
	tm.store(token)
	tm.saveShared(ctx, token)
	if tm.opts.OnRefresh != nil {
		tm.opts.OnRefresh(true)
	}
	tm.logger.Info("upstream token refreshed",
		zap.String("token_fp", Fingerprint(token.Value)),
		zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

func (tm *TokenManager) fail(err error) error {
	if tm.opts.OnRefresh != nil {
		tm.opts.OnRefresh(false)
	}
	tm.logger.Warn("upstream token refresh failed", zap.Error(err))
	return err
}

// cacheTTL derives how long a fresh token may be handed out. expires_in is
// preferred, then the JWT exp claim, then the configured fallback (which is
// already conservative and is not reduced by the margin).
func (tm *TokenManager) cacheTTL(resp loginResponse) time.Duration {
	lifetime := parseExpiresIn(resp.ExpiresIn)
	if lifetime <= 0 {
		lifetime = jwtLifetime(resp.AccessToken, tm.now())
	}
	if lifetime <= 0 {
		return tm.opts.FallbackTTL
	}
	if lifetime <= tm.opts.ExpiryMargin {
		return lifetime / 2
	}
	return lifetime - tm.opts.ExpiryMargin
}

func (tm *TokenManager) loadShared(ctx context.Context) (domain.Token, bool) {
	if tm.opts.Store == nil {
		return domain.Token{}, false
	}
	token, ok, err := tm.opts.Store.Load(ctx)
	if err != nil {
		tm.logger.Warn("shared token store load failed", zap.Error(err))
		return domain.Token{}, false
	}
	if !ok || !token.ValidAt(tm.now()) {
		return domain.Token{}, false
	}
	if tm.isRejected(token.Value) {
		tm.logger.Debug("shared token was rejected upstream, logging in", zap.String("token_fp", Fingerprint(token.Value)))
		return domain.Token{}, false
	}
	tm.logger.Debug("upstream token loaded from shared store", zap.String("token_fp", Fingerprint(token.Value)))
	return token, true
}

func (tm *TokenManager) saveShared(ctx context.Context, token domain.Token) {
	if tm.opts.Store == nil {
		return
	}
	if err := tm.opts.Store.Save(ctx, token); err != nil {
		tm.logger.Warn("shared token store save failed", zap.Error(err))
	}
}

func parseExpiresIn(raw json.RawMessage) time.Duration {
	if len(raw) == 0 {
		return 0
	}
	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return time.Duration(parsed * float64(time.Second))
}

// jwtLifetime reads exp from a JWT-shaped token without verifying it. The
// signature belongs to the upstream; only the expiry hint is used.
func jwtLifetime(raw string, now time.Time) time.Duration {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return 0
	}
	if claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(now)
}

// Fingerprint identifies a token in logs without revealing it.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
