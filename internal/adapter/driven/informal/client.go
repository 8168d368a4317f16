// Package informal implements the ReadingSource port for the low-latency
// share feed. Authentication is an ephemeral session id exchanged for account
// credentials; the session has a fixed validity window and is renewed
// proactively shortly before it lapses, rather than waiting for a rejection.
package informal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/glucosync/glucosync/internal/domain/model"
	"github.com/glucosync/glucosync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ReadingSource = (*Client)(nil)

// VaultKey is the CredentialVault key under which the session credential is
// persisted as JSON, so a restart can reuse a still-valid session.
const VaultKey = "informal/session"

// maxWindowCount bounds a single windowed request. The feed samples every
// five minutes, so this covers several days.
const maxWindowCount = 1440

// Config holds the share feed endpoint and account identity.
type Config struct {
	BaseURL       string
	AccountName   string
	Password      string
	ApplicationID string
	Timeout       time.Duration // per-request transport timeout
	SessionTTL    time.Duration // fixed vendor-side session validity
	RenewMargin   time.Duration // renew this long before the session lapses
}

// Client is the session-authenticated REST client for the informal feed.
// Session creation is serialized through singleflight so a burst of callers
// hitting a lapsed session performs exactly one login.
type Client struct {
	http  *resty.Client
	cfg   Config
	vault driven.CredentialVault

	mu      sync.RWMutex
	session model.SessionCredential
	loaded  bool
	login   singleflight.Group
}

// NewClient creates a Client for the share feed.
func NewClient(cfg Config, vault driven.CredentialVault) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.RenewMargin == 0 {
		cfg.RenewMargin = 10 * time.Minute
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:  httpClient,
		cfg:   cfg,
		vault: vault,
	}
}

// loginRequestJSON mirrors the share feed's login payload.
type loginRequestJSON struct {
	AccountName   string `json:"accountName"`
	Password      string `json:"password"`
	ApplicationID string `json:"applicationId"`
}

// valueJSON mirrors one share feed glucose entry. WT carries the wall time in
// the vendor's legacy "/Date(ms)/" encoding.
type valueJSON struct {
	WT    string  `json:"WT"`
	Value float64 `json:"Value"`
	Trend string  `json:"Trend"`
}

// errorJSON mirrors the share feed's error envelope.
type errorJSON struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

// FetchLatest returns the most recent reading, or (nil, nil) when the feed is
// reachable but currently has no data. "No data" is not a failure here.
func (c *Client) FetchLatest(ctx context.Context) (*model.Reading, error) {
	values, err := c.fetchValues(ctx, 1440, 1)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &values[0], nil
}

// FetchWindow returns readings inside the window, oldest first. The vendor
// API is "last N minutes" shaped, so the request covers the span back to
// window.Start and the result is filtered to the window.
func (c *Client) FetchWindow(ctx context.Context, window model.TimeWindow) ([]model.Reading, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	minutes := int(time.Since(window.Start).Minutes()) + 1
	if minutes < 1 {
		return []model.Reading{}, nil
	}

	values, err := c.fetchValues(ctx, minutes, maxWindowCount)
	if err != nil {
		return nil, err
	}

	readings := make([]model.Reading, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- { // vendor returns newest first
		if window.Contains(values[i].Timestamp) {
			readings = append(readings, values[i])
		}
	}
	return readings, nil
}

// fetchValues performs one authenticated read, recovering a session-expiry
// rejection exactly once by re-authenticating and retrying the same request.
func (c *Client) fetchValues(ctx context.Context, minutes, maxCount int) ([]model.Reading, error) {
	sessionID, err := c.validSession(ctx)
	if err != nil {
		return nil, err
	}

	values, err := c.readValues(ctx, sessionID, minutes, maxCount)
	if errors.Is(err, errSessionRejected) {
		c.clearSession(ctx)
		sessionID, err = c.createSession(ctx)
		if err != nil {
			return nil, err
		}
		values, err = c.readValues(ctx, sessionID, minutes, maxCount)
		if errors.Is(err, errSessionRejected) {
			return nil, driven.ErrAuthExpired
		}
	}
	return values, err
}

// errSessionRejected marks a share-feed response indicating the session id is
// no longer accepted. Internal to the package.
var errSessionRejected = errors.New("session rejected")

// readValues performs a single glucose values request.
func (c *Client) readValues(ctx context.Context, sessionID string, minutes, maxCount int) ([]model.Reading, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"sessionId": sessionID,
			"minutes":   strconv.Itoa(minutes),
			"maxCount":  strconv.Itoa(maxCount),
		}).
		Post("/Publisher/ReadPublisherLatestGlucoseValues")
	if err != nil {
		return nil, fmt.Errorf("%w: informal values fetch: %v", driven.ErrNetworkFailure, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		// Fall through to decode.
	case http.StatusNoContent:
		return nil, nil
	case http.StatusTooManyRequests:
		return nil, driven.ErrRateLimited
	case http.StatusInternalServerError, http.StatusUnauthorized:
		var ej errorJSON
		if jerr := json.Unmarshal(resp.Body(), &ej); jerr == nil && strings.Contains(ej.Code, "Session") {
			return nil, errSessionRejected
		}
		return nil, fmt.Errorf("%w: informal feed status %d", driven.ErrNetworkFailure, resp.StatusCode())
	default:
		return nil, fmt.Errorf("%w: informal feed status %d", driven.ErrNetworkFailure, resp.StatusCode())
	}

	body := strings.TrimSpace(string(resp.Body()))
	if body == "" || body == "null" || body == "[]" {
		return nil, nil
	}

	var raw []valueJSON
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("decode informal values: %w", err)
	}

	readings := make([]model.Reading, 0, len(raw))
	for _, v := range raw {
		ts, err := parseLegacyDate(v.WT)
		if err != nil {
			slog.Debug("skipping informal value with bad timestamp", "wt", v.WT, "error", err)
			continue
		}
		readings = append(readings, model.Reading{
			Timestamp: ts,
			Value:     v.Value,
			Source:    model.SourceInformal,
			Status:    model.SyncStatusPending,
		})
	}
	return readings, nil
}

// validSession returns a usable session id, creating one proactively when the
// cached session is absent or near its fixed expiry.
func (c *Client) validSession(ctx context.Context) (string, error) {
	session, err := c.currentSession(ctx)
	if err != nil {
		return "", err
	}

	if session.Valid() && !session.NearExpiry(time.Now(), c.cfg.SessionTTL, c.cfg.RenewMargin) {
		return session.SessionID, nil
	}
	return c.createSession(ctx)
}

// currentSession returns the cached session, lazily loading it from the vault
// on first use.
func (c *Client) currentSession(ctx context.Context) (model.SessionCredential, error) {
	c.mu.RLock()
	if c.loaded {
		session := c.session
		c.mu.RUnlock()
		return session, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.session, nil
	}

	raw, err := c.vault.Load(ctx, VaultKey)
	if err != nil {
		return model.SessionCredential{}, err
	}
	if raw != nil {
		if err := json.Unmarshal(raw, &c.session); err != nil {
			return model.SessionCredential{}, fmt.Errorf("decode stored session: %w", err)
		}
	}
	c.loaded = true
	return c.session, nil
}

// createSession logs in and caches the new session id. Concurrent callers
// collapse onto one in-flight login and all observe its result.
func (c *Client) createSession(ctx context.Context) (string, error) {
	v, err, _ := c.login.Do("login", func() (any, error) {
		return c.doLogin(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// doLogin is the single-flight body: exchange account credentials for a
// session id, reject the null session sentinel, persist, then cache.
func (c *Client) doLogin(ctx context.Context) (string, error) {
	// A caller that queued behind a completed login reuses its session.
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session.Valid() && !session.NearExpiry(time.Now(), c.cfg.SessionTTL, c.cfg.RenewMargin) {
		return session.SessionID, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(loginRequestJSON{
			AccountName:   c.cfg.AccountName,
			Password:      c.cfg.Password,
			ApplicationID: c.cfg.ApplicationID,
		}).
		Post("/General/LoginPublisherAccountById")
	if err != nil {
		return "", fmt.Errorf("%w: informal login: %v", driven.ErrNetworkFailure, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		// Fall through.
	case http.StatusInternalServerError, http.StatusUnauthorized:
		return "", fmt.Errorf("%w: informal login rejected", driven.ErrAuthExpired)
	case http.StatusTooManyRequests:
		return "", driven.ErrRateLimited
	default:
		return "", fmt.Errorf("%w: informal login status %d", driven.ErrNetworkFailure, resp.StatusCode())
	}

	// The body is a JSON-quoted session id string.
	var sessionID string
	if err := json.Unmarshal(resp.Body(), &sessionID); err != nil {
		sessionID = strings.Trim(strings.TrimSpace(string(resp.Body())), `"`)
	}

	id, err := uuid.Parse(sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: informal login returned malformed session id", driven.ErrNetworkFailure)
	}
	// The vendor signals invalid credentials with the null session rather
	// than an error status.
	if id == uuid.Nil {
		return "", fmt.Errorf("%w: informal credentials rejected", driven.ErrAuthExpired)
	}

	fresh := model.SessionCredential{SessionID: id.String(), CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(fresh)
	if err != nil {
		return "", fmt.Errorf("encode session credential: %w", err)
	}
	if err := c.vault.Store(ctx, VaultKey, raw); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.session = fresh
	c.loaded = true
	c.mu.Unlock()

	slog.Info("informal session created", "created_at", fresh.CreatedAt.Format(time.RFC3339))
	return fresh.SessionID, nil
}

// clearSession drops the cached session and its vault copy after a rejection.
func (c *Client) clearSession(ctx context.Context) {
	c.mu.Lock()
	c.session = model.SessionCredential{}
	c.loaded = true
	c.mu.Unlock()

	if err := c.vault.Clear(ctx, VaultKey); err != nil {
		slog.Error("clearing rejected session failed", "error", err)
	}
}

// legacyDateRE matches the vendor's "/Date(1662068488000)/" millisecond
// timestamps, with or without a numeric zone suffix.
var legacyDateRE = regexp.MustCompile(`/Date\((\d+)([+-]\d{4})?\)/`)

// parseLegacyDate converts the vendor's legacy date encoding to UTC.
func parseLegacyDate(s string) (time.Time, error) {
	m := legacyDateRE.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("malformed legacy date %q", s)
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed legacy date %q: %w", s, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
