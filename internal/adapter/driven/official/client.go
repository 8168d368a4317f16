// Package official implements the ReadingSource port for the regulated vendor
// feed. The feed publishes readings hours after capture; this client is
// delay-agnostic and simply returns whatever the vendor has published for the
// requested window. Callers own the decision of which windows to request.
package official

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gregjones/httpcache"
	"golang.org/x/sync/singleflight"

	"github.com/glucosync/glucosync/internal/domain/model"
	"github.com/glucosync/glucosync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ReadingSource = (*Client)(nil)

// VaultKey is the CredentialVault key under which the OAuth token pair is
// persisted as JSON.
const VaultKey = "official/oauth"

// errUnauthorized is the internal marker for a single 401. It never escapes
// the package: the first occurrence triggers refresh-and-retry, the second
// becomes driven.ErrAuthExpired.
var errUnauthorized = errors.New("unauthorized")

// Config holds the vendor endpoints and OAuth client identity.
type Config struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	Timeout        time.Duration // per-request transport timeout
	RefreshMargin  time.Duration // refresh this long before token expiry
	LatestLookback time.Duration // window length used by FetchLatest
}

// Client is the OAuth2-authenticated REST client for the official feed.
//
// Token refresh is race-safe: concurrent requests discovering an expired
// token share exactly one in-flight refresh via singleflight, and the new
// token is written to the vault before any waiter is released.
type Client struct {
	http  *resty.Client
	cfg   Config
	vault driven.CredentialVault

	mu      sync.RWMutex
	cred    model.OAuthCredential
	loaded  bool
	refresh singleflight.Group
}

// NewClient creates a Client. The transport stack layers an in-memory
// conditional-request cache under resty: historical windows of the delayed
// feed are immutable, so ETag revalidation keeps repeat fetches cheap.
func NewClient(cfg Config, vault driven.CredentialVault) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = 2 * time.Minute
	}
	if cfg.LatestLookback == 0 {
		cfg.LatestLookback = 24 * time.Hour
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetTransport(httpcache.NewMemoryCacheTransport()).
		SetHeader("Accept", "application/json")

	return &Client{
		http:  httpClient,
		cfg:   cfg,
		vault: vault,
	}
}

// recordJSON mirrors the vendor's reading record.
type recordJSON struct {
	SystemTime time.Time `json:"systemTime"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	DeviceName string    `json:"deviceName"`
}

// windowResponseJSON mirrors the vendor's windowed readings response.
type windowResponseJSON struct {
	Records []recordJSON `json:"records"`
}

// tokenResponseJSON mirrors the vendor's OAuth2 token endpoint response.
type tokenResponseJSON struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// FetchWindow returns all published readings inside the window, oldest first.
// A 401 is recovered once by refresh-and-retry; a second 401 surfaces as
// driven.ErrAuthExpired. A 429 surfaces as driven.ErrRateLimited untried.
func (c *Client) FetchWindow(ctx context.Context, window model.TimeWindow) ([]model.Reading, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	token, err := c.validToken(ctx)
	if err != nil {
		return nil, err
	}

	readings, err := c.fetchWindowOnce(ctx, window, token)
	if errors.Is(err, errUnauthorized) {
		// The remote rejected a token our clock considered fine. Force one
		// exchange and retry once; a second rejection means revocation.
		refreshed, ferr := c.refreshToken(ctx, token)
		if ferr != nil {
			return nil, ferr
		}
		readings, err = c.fetchWindowOnce(ctx, window, refreshed.AccessToken)
		if errors.Is(err, errUnauthorized) {
			return nil, driven.ErrAuthExpired
		}
	}
	return readings, err
}

// FetchLatest returns the newest published reading, or (nil, nil) when the
// vendor has published nothing inside the lookback window yet.
func (c *Client) FetchLatest(ctx context.Context) (*model.Reading, error) {
	now := time.Now()
	readings, err := c.FetchWindow(ctx, model.NewTimeWindow(now.Add(-c.cfg.LatestLookback), now))
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	latest := readings[len(readings)-1]
	return &latest, nil
}

// fetchWindowOnce performs a single authenticated window request.
func (c *Client) fetchWindowOnce(ctx context.Context, window model.TimeWindow, token string) ([]model.Reading, error) {
	var body windowResponseJSON
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("startDate", window.Start.Format(time.RFC3339)).
		SetQueryParam("endDate", window.End.Format(time.RFC3339)).
		SetResult(&body).
		Get("/v3/users/self/readings")
	if err != nil {
		return nil, fmt.Errorf("%w: official window fetch: %v", driven.ErrNetworkFailure, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		// Fall through to decode.
	case http.StatusNoContent:
		return []model.Reading{}, nil
	case http.StatusUnauthorized:
		return nil, errUnauthorized
	case http.StatusTooManyRequests:
		return nil, driven.ErrRateLimited
	default:
		return nil, fmt.Errorf("%w: official feed status %d", driven.ErrNetworkFailure, resp.StatusCode())
	}

	readings := make([]model.Reading, 0, len(body.Records))
	for _, rec := range body.Records {
		readings = append(readings, model.Reading{
			Timestamp:   rec.SystemTime.UTC(),
			Value:       rec.Value,
			Source:      model.SourceOfficial,
			DeviceLabel: rec.DeviceName,
			Status:      model.SyncStatusPending,
		})
	}
	return readings, nil
}

// validToken returns a usable access token, refreshing proactively when the
// cached one is missing or near expiry.
func (c *Client) validToken(ctx context.Context) (string, error) {
	cred, err := c.credential(ctx)
	if err != nil {
		return "", err
	}

	if cred.Valid(time.Now()) && !cred.NearExpiry(time.Now(), c.cfg.RefreshMargin) {
		return cred.AccessToken, nil
	}

	refreshed, err := c.refreshToken(ctx, cred.AccessToken)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// credential returns the cached credential, lazily loading it from the vault
// on first use.
func (c *Client) credential(ctx context.Context) (model.OAuthCredential, error) {
	c.mu.RLock()
	if c.loaded {
		cred := c.cred
		c.mu.RUnlock()
		return cred, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.cred, nil
	}

	raw, err := c.vault.Load(ctx, VaultKey)
	if err != nil {
		return model.OAuthCredential{}, err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &c.cred); err != nil {
			return model.OAuthCredential{}, fmt.Errorf("decode stored oauth credential: %w", err)
		}
	}
	c.loaded = true
	return c.cred, nil
}

// refreshToken performs the refresh-token grant. All concurrent callers
// collapse onto a single in-flight refresh; everyone receives the result of
// that one exchange. stale is the access token the caller observed failing,
// so a caller queued behind a finished refresh does not trigger another one.
func (c *Client) refreshToken(ctx context.Context, stale string) (model.OAuthCredential, error) {
	v, err, shared := c.refresh.Do("refresh", func() (any, error) {
		return c.doRefresh(ctx, stale)
	})
	if err != nil {
		return model.OAuthCredential{}, err
	}
	if shared {
		slog.Debug("official token refresh shared with concurrent caller")
	}
	return v.(model.OAuthCredential), nil
}

// doRefresh is the single-flight body: exchange the refresh token, persist
// the new pair to the vault, then publish it to the cache. Persisting before
// returning guarantees no waiter proceeds with a token the vault has not seen.
func (c *Client) doRefresh(ctx context.Context, stale string) (model.OAuthCredential, error) {
	cred, err := c.credential(ctx)
	if err != nil {
		return model.OAuthCredential{}, err
	}

	// The cache already moved past the token the caller saw fail: a refresh
	// completed while this caller was queued, so reuse it.
	if cred.AccessToken != stale && cred.Valid(time.Now()) {
		return cred, nil
	}

	if cred.RefreshToken == "" {
		return model.OAuthCredential{}, fmt.Errorf("%w: no stored refresh token", driven.ErrAuthExpired)
	}

	var body tokenResponseJSON
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
			"refresh_token": cred.RefreshToken,
		}).
		SetResult(&body).
		Post(c.cfg.TokenURL)
	if err != nil {
		return model.OAuthCredential{}, fmt.Errorf("%w: token refresh: %v", driven.ErrNetworkFailure, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		// Fall through.
	case http.StatusBadRequest, http.StatusUnauthorized:
		// invalid_grant: the refresh token itself was revoked.
		return model.OAuthCredential{}, fmt.Errorf("%w: refresh token rejected", driven.ErrAuthExpired)
	case http.StatusTooManyRequests:
		return model.OAuthCredential{}, driven.ErrRateLimited
	default:
		return model.OAuthCredential{}, fmt.Errorf("%w: token endpoint status %d", driven.ErrNetworkFailure, resp.StatusCode())
	}

	fresh := model.OAuthCredential{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	if fresh.RefreshToken == "" {
		// Some token endpoints rotate refresh tokens only occasionally.
		fresh.RefreshToken = cred.RefreshToken
	}

	raw, err := json.Marshal(fresh)
	if err != nil {
		return model.OAuthCredential{}, fmt.Errorf("encode oauth credential: %w", err)
	}
	if err := c.vault.Store(ctx, VaultKey, raw); err != nil {
		return model.OAuthCredential{}, err
	}

	c.mu.Lock()
	c.cred = fresh
	c.loaded = true
	c.mu.Unlock()

	slog.Info("official token refreshed", "expires_at", fresh.ExpiresAt.UTC().Format(time.RFC3339))
	return fresh, nil
}

// SeedCredential stores an initial token pair (e.g. from an interactive
// authorization-code exchange done outside this process) and primes the cache.
func (c *Client) SeedCredential(ctx context.Context, cred model.OAuthCredential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode oauth credential: %w", err)
	}
	if err := c.vault.Store(ctx, VaultKey, raw); err != nil {
		return err
	}

	c.mu.Lock()
	c.cred = cred
	c.loaded = true
	c.mu.Unlock()
	return nil
}
