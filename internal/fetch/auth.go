package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
)

// Authenticator attaches credentials to outbound requests.
type Authenticator interface {
	// Authenticate obtains or validates credentials ahead of the first request.
	Authenticate(ctx context.Context) error
	// Apply sets credentials on req, refreshing them first if needed.
	Apply(ctx context.Context, req *http.Request) error
	// Invalidate forces the next Apply to re-authenticate.
	Invalidate()
}

// OAuth2ClientCredentials implements the client-credentials grant. Tokens
// are refreshed once half of their stated lifetime has elapsed.
type OAuth2ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	client *http.Client
	now    func() time.Time

	mu        sync.Mutex
	token     string
	tokenType string
	refreshAt time.Time
}

// NewOAuth2ClientCredentials creates an OAuth2 authenticator.
func NewOAuth2ClientCredentials(tokenURL, clientID, clientSecret string, scopes []string, client *http.Client) *OAuth2ClientCredentials {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuth2ClientCredentials{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		client:       client,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (o *OAuth2ClientCredentials) Authenticate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refreshLocked(ctx)
}

func (o *OAuth2ClientCredentials) refreshLocked(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", o.ClientID)
	form.Set("client_secret", o.ClientSecret)
	if len(o.Scopes) > 0 {
		form.Set("scope", strings.Join(o.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body := readBodyForError(resp.Body)
		if retryableStatus(resp.StatusCode) {
			return &RequestError{Status: resp.StatusCode, Body: body, URL: o.TokenURL}
		}
		return &AuthenticationError{Status: resp.StatusCode, Body: body}
	}

	var tr tokenResponse
	if err := gojson.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return &AuthenticationError{Status: resp.StatusCode, Body: "token response has no access_token"}
	}

	o.token = tr.AccessToken
	o.tokenType = tr.TokenType
	if o.tokenType == "" || strings.EqualFold(o.tokenType, "bearer") {
		o.tokenType = "Bearer"
	}
	o.refreshAt = time.Time{}
	if tr.ExpiresIn > 0 {
		o.refreshAt = o.now().Add(time.Duration(tr.ExpiresIn) * time.Second / 2)
	}
	return nil
}

func (o *OAuth2ClientCredentials) Apply(ctx context.Context, req *http.Request) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.token == "" || (!o.refreshAt.IsZero() && !o.now().Before(o.refreshAt)) {
		if err := o.refreshLocked(ctx); err != nil {
			return err
		}
	}
	req.Header.Set("Authorization", o.tokenType+" "+o.token)
	return nil
}

func (o *OAuth2ClientCredentials) Invalidate() {
	o.mu.Lock()
	o.token = ""
	o.mu.Unlock()
}

// APIKey sends a static key in a request header.
type APIKey struct {
	Header string
	Key    string
}

func (a *APIKey) Authenticate(context.Context) error {
	if a.Key == "" {
		return &AuthenticationError{Err: fmt.Errorf("api key is empty")}
	}
	return nil
}

func (a *APIKey) Apply(ctx context.Context, req *http.Request) error {
	if err := a.Authenticate(ctx); err != nil {
		return err
	}
	header := a.Header
	if header == "" {
		header = "X-API-Key"
	}
	req.Header.Set(header, a.Key)
	return nil
}

func (a *APIKey) Invalidate() {}

// StaticCredential sends a precomposed Authorization header value.
type StaticCredential struct {
	value string
}

// BasicAuth composes an HTTP Basic credential.
func BasicAuth(username, password string) *StaticCredential {
	raw := username + ":" + password
	return &StaticCredential{value: "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))}
}

// BearerToken composes a static bearer credential.
func BearerToken(token string) *StaticCredential {
	return &StaticCredential{value: "Bearer " + token}
}

func (s *StaticCredential) Authenticate(context.Context) error {
	if s.value == "" {
		return &AuthenticationError{Err: fmt.Errorf("credential is empty")}
	}
	return nil
}

func (s *StaticCredential) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", s.value)
	return nil
}

func (s *StaticCredential) Invalidate() {}
