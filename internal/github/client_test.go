package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/repograde/pkg/clock"
	apperrors "github.com/NikhilSetiya/repograde/pkg/errors"
	"github.com/NikhilSetiya/repograde/pkg/ratelimit"
)

const repoJSON = `{
	"name": "widgets",
	"full_name": "acme/widgets",
	"owner": {"login": "acme"},
	"clone_url": "https://github.com/acme/widgets.git",
	"html_url": "https://github.com/acme/widgets",
	"default_branch": "main",
	"language": "Go",
	"size": 321
}`

func newTestClient(t *testing.T, handler http.Handler) (*Client, *clock.Fake) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	executor := ratelimit.NewExecutor(
		ratelimit.WithClock(fake),
		ratelimit.WithRand(func() float64 { return 0 }),
	)

	client, err := NewClient(Config{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
	}, executor)
	require.NoError(t, err)
	return client, fake
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestGetRepository(t *testing.T) {
	client, fake := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets", r.URL.Path)
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4321")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(repoJSON))
	}))

	repo, err := client.GetRepository(context.Background(), "acme", "widgets")
	require.NoError(t, err)

	assert.Equal(t, "acme", repo.Owner)
	assert.Equal(t, "acme/widgets", repo.FullName)
	assert.Equal(t, "https://github.com/acme/widgets.git", repo.CloneURL)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, 321, repo.SizeKB)
	assert.Empty(t, fake.Sleeps())

	state := client.RateLimitState()
	assert.Equal(t, 5000, state.Limit)
	assert.Equal(t, 4321, state.Remaining)
}

func TestGetRepository_Validation(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())

	_, err := client.GetRepository(context.Background(), "", "widgets")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestGetRepository_ClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   apperrors.ErrorType
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrorTypeAuthentication},
		{"forbidden", http.StatusForbidden, apperrors.ErrorTypeAuthorization},
		{"not found", http.StatusNotFound, apperrors.ErrorTypeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			client, fake := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message": "nope"}`))
			}))

			_, err := client.GetRepository(context.Background(), "acme", "widgets")
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, tt.want), "got %v", err)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
			assert.Empty(t, fake.Sleeps())
		})
	}
}

func TestGetRepository_ClientErrorRecordsRateLimitState(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	}))

	_, err := client.GetRepository(context.Background(), "acme", "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))

	state := client.RateLimitState()
	assert.True(t, state.Known())
	assert.Equal(t, 42, state.Remaining)
	assert.Equal(t, 5000, state.Limit)
}

func TestGetRepository_SecondaryRateLimit(t *testing.T) {
	var calls int32
	client, fake := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{
				"message": "You have exceeded a secondary rate limit. Please wait a few minutes before you try again.",
				"documentation_url": "https://docs.github.com/rest/overview/rate-limits-for-the-rest-api#about-secondary-rate-limits"
			}`))
			return
		}
		_, _ = w.Write([]byte(repoJSON))
	}))

	repo, err := client.GetRepository(context.Background(), "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "widgets", repo.Name)
	assert.Equal(t, []time.Duration{65 * time.Second}, fake.Sleeps())
}

func TestGetRepository_PrimaryRateLimitExhaustsRetries(t *testing.T) {
	var calls int32
	client, fake := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message": "Too Many Requests"}`))
	}))

	_, err := client.GetRepository(context.Background(), "acme", "widgets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited request failed after 4 attempts")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRateLimit))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, fake.Sleeps())
}

func TestCreateFeedbackIssue(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/widgets/issues", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Grading feedback", body["title"])
		assert.Equal(t, []interface{}{"grading"}, body["labels"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 7, "html_url": "https://github.com/acme/widgets/issues/7"}`))
	}))

	issue, err := client.CreateFeedbackIssue(context.Background(), "acme", "widgets", "Grading feedback", "score: 8", []string{"grading"})
	require.NoError(t, err)
	assert.Equal(t, 7, issue.Number)
	assert.Equal(t, "https://github.com/acme/widgets/issues/7", issue.HTMLURL)
}

func TestAppInstallationAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))

	var exchanges int32
	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		parsed, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		})
		require.NoError(t, err)
		claims, ok := parsed.Claims.(jwt.MapClaims)
		require.True(t, ok)
		assert.Equal(t, float64(7), claims["iss"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token": "ghs_test", "expires_at": "` + time.Now().Add(time.Hour).UTC().Format(time.RFC3339) + `"}`))
	})
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token ghs_test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(repoJSON))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL: server.URL,
		App:     &AppCredentials{AppID: 7, InstallationID: 42, PrivateKeyPEM: keyPEM},
	}, ratelimit.NewExecutor(ratelimit.WithClock(clock.NewFake(time.Now()))))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = client.GetRepository(context.Background(), "acme", "widgets")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&exchanges), "installation token is reused until expiry")
}

func TestAppInstallationAuth_BadKey(t *testing.T) {
	_, err := NewClient(Config{App: &AppCredentials{AppID: 1, InstallationID: 2, PrivateKeyPEM: "not a key"}}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}
