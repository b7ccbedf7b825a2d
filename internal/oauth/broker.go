// Package oauth is the token broker between apptsync and Google's OAuth 2.0
// endpoints. It starts the consent flow, exchanges authorization codes,
// refreshes access tokens silently and persists them sealed in the store.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/state"
)

// AccountKey is the store key of the single connected Google account.
const AccountKey = "google"

// DefaultRevokeURL is Google's token revocation endpoint.
const DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// Scopes requested during consent.
var Scopes = []string{
	"https://www.googleapis.com/auth/calendar.readonly",
	"https://www.googleapis.com/auth/calendar.events",
}

// TokenStore persists sealed tokens. *state.Store satisfies it.
type TokenStore interface {
	SaveToken(ctx context.Context, rec *state.TokenRecord) error
	LoadToken(ctx context.Context, accountKey string) (*state.TokenRecord, error)
	DeleteToken(ctx context.Context, accountKey string) error
}

// Sealer encrypts tokens at rest. *secret.Box satisfies it.
type Sealer interface {
	Seal(accountKey string, plaintext []byte) ([]byte, error)
	Open(accountKey string, sealed []byte) ([]byte, error)
}

// IdentityFunc resolves the account email for a fresh token.
type IdentityFunc func(ctx context.Context, ts oauth2.TokenSource) (string, error)

// Credentials are the OAuth client settings.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Grant is the result of a successful code exchange.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	AccountEmail string
}

// Broker issues and refreshes provider access tokens.
type Broker struct {
	conf       *oauth2.Config
	store      TokenStore
	box        Sealer
	identity   IdentityFunc
	revokeURL  string
	httpClient *http.Client
	logger     *slog.Logger

	// mu serialises token writes so a refresh cannot race a revoke.
	mu sync.Mutex
	// epoch advances whenever the stored grant is replaced or discarded.
	// Guarded by mu.
	epoch uint64
}

// Option customises a Broker.
type Option func(*Broker)

// WithEndpoint overrides the Google OAuth endpoint.
func WithEndpoint(ep oauth2.Endpoint) Option {
	return func(b *Broker) { b.conf.Endpoint = ep }
}

// WithRevokeURL overrides the revocation endpoint.
func WithRevokeURL(u string) Option {
	return func(b *Broker) { b.revokeURL = u }
}

// WithHTTPClient sets the client used for token and revoke requests.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) { b.httpClient = c }
}

// WithIdentity sets the function that resolves the account email.
func WithIdentity(fn IdentityFunc) Option {
	return func(b *Broker) { b.identity = fn }
}

// NewBroker creates a Broker for the given client credentials.
func NewBroker(creds Credentials, store TokenStore, box Sealer, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		conf: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     google.Endpoint,
		},
		store:      store,
		box:        box,
		revokeURL:  DefaultRevokeURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// AuthorizationURL returns the consent URL. Consent is forced so that Google
// always returns a refresh token.
func (b *Broker) AuthorizationURL(state string) string {
	return b.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for tokens and stores them.
func (b *Broker) Exchange(ctx context.Context, code string) (*Grant, error) {
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("authorization code is empty: %w", errs.ErrInvalidInput)
	}
	ctx = b.clientContext(ctx)

	tok, err := b.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", classifyTokenError(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Google omits the refresh token on repeat consent; keep the old one.
	if tok.RefreshToken == "" {
		if prev, err := b.loadLocked(ctx); err == nil && prev != nil {
			tok.RefreshToken = prev.token.RefreshToken
		}
	}

	email := ""
	if b.identity != nil {
		email, err = b.identity(ctx, oauth2.StaticTokenSource(tok))
		if err != nil {
			b.logger.Warn("could not resolve account email", "error", err)
			email = ""
		}
	}

	if err := b.saveLocked(ctx, tok, email); err != nil {
		return nil, err
	}
	b.epoch++
	b.logger.Info("calendar account connected", "account", email)

	return &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		AccountEmail: email,
	}, nil
}

// TokenSource returns a source that refreshes silently and persists every
// new access token. It fails with [errs.ErrNotConnected] when no usable token
// is stored.
func (b *Broker) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	b.mu.Lock()
	stored, err := b.loadLocked(ctx)
	epoch := b.epoch
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, errs.ErrNotConnected
	}

	base := b.conf.TokenSource(b.clientContext(context.WithoutCancel(ctx)), stored.token)
	return &persistingSource{
		broker: b,
		ctx:    context.WithoutCancel(ctx),
		base:   base,
		email:  stored.email,
		epoch:  epoch,
		last:   stored.token.AccessToken,
	}, nil
}

// Source returns a token source that reads the stored token on every call.
// Unlike [Broker.TokenSource] it never fails up front and follows reconnects
// and disconnects made while it is in use.
func (b *Broker) Source(ctx context.Context) oauth2.TokenSource {
	return storedSource{broker: b, ctx: context.WithoutCancel(ctx)}
}

type storedSource struct {
	broker *Broker
	ctx    context.Context
}

func (s storedSource) Token() (*oauth2.Token, error) {
	return s.broker.ValidToken(s.ctx)
}

// ValidToken returns a non-expired access token, refreshing if needed.
func (b *Broker) ValidToken(ctx context.Context) (*oauth2.Token, error) {
	ts, err := b.TokenSource(ctx)
	if err != nil {
		return nil, err
	}
	return ts.Token()
}

// Account reports whether a usable token is stored and its account email.
func (b *Broker) Account(ctx context.Context) (email string, connected bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.loadLocked(ctx)
	if errors.Is(err, errs.ErrNotConnected) {
		return "", false, nil
	}
	if err != nil || stored == nil {
		return "", false, err
	}
	return stored.email, true, nil
}

// Revoke asks Google to revoke the token and deletes it locally. Local
// deletion happens even when the remote revocation fails.
func (b *Broker) Revoke(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, err := b.loadLocked(ctx)
	if err != nil && !errors.Is(err, errs.ErrNotConnected) {
		b.logger.Warn("loading token before revoke", "error", err)
	}
	if stored != nil {
		tok := stored.token.RefreshToken
		if tok == "" {
			tok = stored.token.AccessToken
		}
		if err := b.revokeRemote(ctx, tok); err != nil {
			b.logger.Warn("remote token revocation failed, discarding locally", "error", err)
		}
	}

	b.epoch++
	if err := b.store.DeleteToken(ctx, AccountKey); err != nil {
		return fmt.Errorf("discarding token: %w", err)
	}
	b.logger.Info("calendar account disconnected")
	return nil
}

// --- internals ---------------------------------------------------------------

type storedToken struct {
	token *oauth2.Token
	email string
}

func (b *Broker) loadLocked(ctx context.Context) (*storedToken, error) {
	rec, err := b.store.LoadToken(ctx, AccountKey)
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}
	if rec == nil {
		return nil, nil //nolint:nilnil // no token stored
	}

	plain, err := b.box.Open(AccountKey, rec.Sealed)
	if err != nil {
		b.logger.Warn("stored token cannot be opened, treating as disconnected", "error", err)
		return nil, errs.ErrNotConnected
	}
	var tok oauth2.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		b.logger.Warn("stored token is malformed, treating as disconnected", "error", err)
		return nil, errs.ErrNotConnected
	}
	return &storedToken{token: &tok, email: rec.AccountEmail}, nil
}

func (b *Broker) saveLocked(ctx context.Context, tok *oauth2.Token, email string) error {
	plain, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	sealed, err := b.box.Seal(AccountKey, plain)
	if err != nil {
		return fmt.Errorf("sealing token: %w", err)
	}
	return b.store.SaveToken(ctx, &state.TokenRecord{
		AccountKey:   AccountKey,
		AccountEmail: email,
		Sealed:       sealed,
		UpdatedAt:    time.Now().UTC(),
	})
}

func (b *Broker) revokeRemote(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke endpoint returned %s", resp.Status)
	}
	return nil
}

func (b *Broker) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
}

// persistingSource stores every refreshed access token. A refresh that
// fails with an OAuth error means the grant was revoked or expired. A
// refresh that completes after the grant it started from was revoked or
// replaced is discarded.
type persistingSource struct {
	broker *Broker
	ctx    context.Context
	base   oauth2.TokenSource
	email  string
	epoch  uint64

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last {
		return tok, nil
	}
	if err := p.persist(tok); err != nil {
		return nil, err
	}
	p.last = tok.AccessToken
	return tok, nil
}

func (p *persistingSource) persist(tok *oauth2.Token) error {
	b := p.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	// Another process may have disconnected the account, so the row is
	// checked as well as the epoch.
	current, err := b.loadLocked(p.ctx)
	if errors.Is(err, errs.ErrNotConnected) || (err == nil && current == nil) {
		b.logger.Debug("dropping token refreshed after disconnect")
		return errs.ErrNotConnected
	}
	if b.epoch != p.epoch {
		b.logger.Debug("not persisting token refreshed from a superseded grant")
		return nil
	}
	if err != nil {
		b.logger.Warn("persisting refreshed token", "error", err)
		return nil
	}
	if err := b.saveLocked(p.ctx, tok, p.email); err != nil {
		b.logger.Warn("persisting refreshed token", "error", err)
		return nil
	}
	b.logger.Debug("access token refreshed", "expiry", tok.Expiry)
	return nil
}

// classifyTokenError maps token endpoint failures onto the error taxonomy.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant", status == http.StatusBadRequest, status == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", errs.ErrAuthExpired, err)
		case status == http.StatusTooManyRequests, status >= 500:
			return fmt.Errorf("%w: %v", errs.ErrTransient, err)
		}
		return err
	}

	var ue *url.Error
	if errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	// An expired token with no refresh token ends up here.
	return fmt.Errorf("%w: %v", errs.ErrAuthExpired, err)
}
