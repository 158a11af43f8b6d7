package marketplace

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/meterflow/meterflow/internal/config"
)

const (
	// tokenSafetyMargin refreshes the token this long before its expiry so
	// an emission never rides a token that dies mid-request.
	tokenSafetyMargin = 5 * time.Minute

	// defaultTokenLifetime is assumed when the token endpoint omits
	// expires_in.
	defaultTokenLifetime = time.Hour
)

// TokenProvider obtains and caches an Azure AD bearer token for the
// metering API using the client-credentials grant.
type TokenProvider struct {
	mu        sync.Mutex
	conf      *clientcredentials.Config
	token     string
	expiresAt time.Time

	now func() time.Time
}

// NewTokenProvider builds a provider from marketplace settings. The Azure
// AD v1 endpoint wants credentials and the resource identifier in the form
// body, hence AuthStyleInParams and the resource endpoint parameter.
func NewTokenProvider(settings config.MarketplaceSettings) *TokenProvider {
	return &TokenProvider{
		conf: &clientcredentials.Config{
			ClientID:     settings.ClientID,
			ClientSecret: settings.ClientSecret,
			TokenURL:     settings.AuthURL(),
			AuthStyle:    oauth2.AuthStyleInParams,
			EndpointParams: url.Values{
				"resource": {settings.Resource},
			},
		},
		now: time.Now,
	}
}

// Token returns a valid bearer token, fetching a fresh one when the cache
// is empty or inside the safety margin. A cache hit performs no I/O.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expiresAt.Add(-tokenSafetyMargin)) {
		return p.token, nil
	}

	tok, err := p.conf.Token(ctx)
	if err != nil {
		p.token = ""
		return "", newAPIError(ClassAuth, "get_token", 0, err)
	}

	p.token = tok.AccessToken
	p.expiresAt = tok.Expiry
	if p.expiresAt.IsZero() {
		p.expiresAt = p.now().Add(defaultTokenLifetime)
	}

	log.Debug().Time("expires_at", p.expiresAt).Msg("Obtained marketplace access token")
	return p.token, nil
}

// Invalidate drops the cached token so the next Token call refetches.
// The emitter calls this when the metering API answers 401.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}
