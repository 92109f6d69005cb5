// Package providers builds authenticated provider clients per account.
package providers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/vipul43/mailvault-worker/internal/gmail"
	"github.com/vipul43/mailvault-worker/internal/imapmail"
	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/ratelimit"
	"github.com/vipul43/mailvault-worker/internal/retry"
	"github.com/vipul43/mailvault-worker/internal/service"
)

const googleTokenURL = "https://oauth2.googleapis.com/token"

// TokenStore persists refreshed OAuth tokens
type TokenStore interface {
	UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error
}

type Factory struct {
	oauth   *oauth2.Config
	tokens  TokenStore
	limiter *ratelimit.Limiter
	timeout time.Duration
}

// NewFactory wires the shared OAuth app and rate limiter. limiter may be nil.
func NewFactory(clientID, clientSecret string, tokens TokenStore, limiter *ratelimit.Limiter, timeout time.Duration) *Factory {
	return &Factory{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: googleTokenURL,
			},
		},
		tokens:  tokens,
		limiter: limiter,
		timeout: timeout,
	}
}

func (f *Factory) ForAccount(ctx context.Context, account *models.Account) (service.ProviderClient, error) {
	switch account.ProviderID {
	case models.ProviderGmail:
		return f.gmailClient(ctx, account)
	case models.ProviderIMAP:
		return f.imapClient(account)
	}
	return nil, retry.Permanent(fmt.Errorf("unsupported provider %q for account %s", account.ProviderID, account.ID))
}

func (f *Factory) gmailClient(ctx context.Context, account *models.Account) (service.ProviderClient, error) {
	if account.RefreshToken == nil || *account.RefreshToken == "" {
		return nil, fmt.Errorf("%w: account %s has no refresh token", retry.ErrAuth, account.ID)
	}

	tok := &oauth2.Token{RefreshToken: *account.RefreshToken}
	if account.AccessToken != nil {
		tok.AccessToken = *account.AccessToken
	}
	if account.AccessTokenExpiresAt != nil {
		tok.Expiry = *account.AccessTokenExpiresAt
	}

	ts := &persistingTokenSource{
		src:       f.oauth.TokenSource(ctx, tok),
		store:     f.tokens,
		accountID: account.ID,
		last:      tok.AccessToken,
	}

	var base http.RoundTripper = http.DefaultTransport
	if f.limiter != nil {
		base = &ratelimit.Transport{Limiter: f.limiter, Key: account.ID, Base: base}
	}
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: base},
		Timeout:   f.timeout,
	}

	return gmail.NewClient(ctx, ts, option.WithHTTPClient(httpClient))
}

func (f *Factory) imapClient(account *models.Account) (service.ProviderClient, error) {
	if account.IMAPHost == nil || *account.IMAPHost == "" {
		return nil, retry.Permanent(fmt.Errorf("account %s has no IMAP host", account.ID))
	}
	if account.Password == nil {
		return nil, fmt.Errorf("%w: account %s has no IMAP password", retry.ErrAuth, account.ID)
	}

	cfg := imapmail.Config{
		Host:     *account.IMAPHost,
		Password: *account.Password,
		TLS:      account.IMAPTLS,
	}
	if account.IMAPPort != nil {
		cfg.Port = *account.IMAPPort
	}
	switch {
	case account.IMAPUsername != nil:
		cfg.Username = *account.IMAPUsername
	case account.Email != nil:
		cfg.Username = *account.Email
	}

	client := imapmail.NewClient(cfg)
	if f.limiter != nil {
		client.WithLimiter(f.limiter, account.ID)
	}
	return client, nil
}

// persistingTokenSource writes every newly minted access token back to the
// account row so other workers start from it.
type persistingTokenSource struct {
	src       oauth2.TokenSource
	store     TokenStore
	accountID string

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token for %s: %w", p.accountID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last || p.store == nil {
		return tok, nil
	}
	p.last = tok.AccessToken

	// persisting is best effort; the refresh token still works next time
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.UpdateTokens(ctx, p.accountID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		log.Printf("Warning: failed to persist refreshed token for %s: %v", p.accountID, err)
	} else {
		log.Printf("Token refreshed for account %s, expires at: %s", p.accountID, tok.Expiry)
	}
	return tok, nil
}
