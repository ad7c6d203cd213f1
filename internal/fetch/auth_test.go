package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuth2_RefreshesAtHalfLifetime(t *testing.T) {
	var issued atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "read write", r.PostForm.Get("scope"))
		issued.Add(1)
		writeBody(t, w, map[string]any{"access_token": "abc", "token_type": "bearer", "expires_in": 100})
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o := NewOAuth2ClientCredentials(srv.URL, "cid", "secret", []string{"read", "write"}, srv.Client())
	o.now = func() time.Time { return now }

	require.NoError(t, o.Authenticate(context.Background()))
	assert.Equal(t, int32(1), issued.Load())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	now = now.Add(49 * time.Second)
	require.NoError(t, o.Apply(context.Background(), req))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))
	assert.Equal(t, int32(1), issued.Load())

	now = now.Add(time.Second)
	require.NoError(t, o.Apply(context.Background(), req))
	assert.Equal(t, int32(2), issued.Load())
}

func TestOAuth2_RejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	o := NewOAuth2ClientCredentials(srv.URL, "cid", "bad", nil, srv.Client())
	err := o.Authenticate(context.Background())
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusBadRequest, authErr.Status)
	assert.Contains(t, authErr.Body, "invalid_client")
}

func TestOAuth2_TokenEndpointOutageIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := NewOAuth2ClientCredentials(srv.URL, "cid", "secret", nil, srv.Client())
	err := o.Authenticate(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, reqErr.Retryable())
	assert.True(t, transient(err))
}

func TestOAuth2_InvalidateForcesNewToken(t *testing.T) {
	var issued atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		issued.Add(1)
		writeBody(t, w, map[string]any{"access_token": "t"})
	}))
	defer srv.Close()

	o := NewOAuth2ClientCredentials(srv.URL, "cid", "secret", nil, srv.Client())
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	require.NoError(t, o.Apply(context.Background(), req))
	require.NoError(t, o.Apply(context.Background(), req))
	assert.Equal(t, int32(1), issued.Load())

	o.Invalidate()
	require.NoError(t, o.Apply(context.Background(), req))
	assert.Equal(t, int32(2), issued.Load())
}

func TestAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	require.NoError(t, (&APIKey{Key: "k1"}).Apply(context.Background(), req))
	assert.Equal(t, "k1", req.Header.Get("X-API-Key"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	require.NoError(t, (&APIKey{Header: "Api-Token", Key: "k2"}).Apply(context.Background(), req))
	assert.Equal(t, "k2", req.Header.Get("Api-Token"))
}

func TestStaticCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	require.NoError(t, BasicAuth("user", "pass").Apply(context.Background(), req))
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "user", user)
	assert.Equal(t, "pass", pass)

	require.NoError(t, BearerToken("tok").Apply(context.Background(), req))
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))

	var authErr *AuthenticationError
	assert.ErrorAs(t, (&StaticCredential{}).Authenticate(context.Background()), &authErr)
}
