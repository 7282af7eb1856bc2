package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

const githubRequestTimeout = 10 * time.Second

// GitHubAccount is the subset of the provider's user payload the profile
// ensure step cares about, plus the raw payload for the metadata column.
type GitHubAccount struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`

	Raw json.RawMessage `json:"-"`
}

// GithubID returns the provider identifier as the opaque string profiles
// are keyed by.
func (a GitHubAccount) GithubID() string {
	return fmt.Sprintf("%d", a.ID)
}

// GitHubOAuth drives the authorization-code flow against GitHub.
type GitHubOAuth struct {
	config  *oauth2.Config
	apiBase string
}

// NewGitHubOAuthFromEnv configures the flow from GITHUB_CLIENT_ID,
// GITHUB_CLIENT_SECRET and GITHUB_REDIRECT_URL. GITHUB_AUTH_URL,
// GITHUB_TOKEN_URL and GITHUB_API_URL override the provider endpoints,
// mainly for tests against a local stand-in.
func NewGitHubOAuthFromEnv() (*GitHubOAuth, error) {
	clientID := strings.TrimSpace(os.Getenv("GITHUB_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("GITHUB_CLIENT_SECRET"))
	redirectURL := strings.TrimSpace(os.Getenv("GITHUB_REDIRECT_URL"))
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil, errors.New("authorization: GITHUB_CLIENT_ID, GITHUB_CLIENT_SECRET and GITHUB_REDIRECT_URL environment variables are required")
	}

	endpoint := githuboauth.Endpoint
	if authURL := strings.TrimSpace(os.Getenv("GITHUB_AUTH_URL")); authURL != "" {
		endpoint.AuthURL = authURL
	}
	if tokenURL := strings.TrimSpace(os.Getenv("GITHUB_TOKEN_URL")); tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}

	apiBase := strings.TrimSpace(os.Getenv("GITHUB_API_URL"))
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}

	return &GitHubOAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read:user"},
			Endpoint:     endpoint,
		},
		apiBase: strings.TrimSuffix(apiBase, "/"),
	}, nil
}

// AuthorizeURL builds the provider consent URL carrying the given state.
func (g *GitHubOAuth) AuthorizeURL(state string) string {
	return g.config.AuthCodeURL(state)
}

// ExchangeAndFetchUser swaps the authorization code for a token and loads
// the authenticated user's account.
func (g *GitHubOAuth) ExchangeAndFetchUser(ctx context.Context, code string) (*GitHubAccount, error) {
	exchangeCtx, cancel := context.WithTimeout(ctx, githubRequestTimeout)
	defer cancel()

	token, err := g.config.Exchange(exchangeCtx, code)
	if err != nil {
		return nil, fmt.Errorf("authorization: exchange code: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, githubRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, g.apiBase+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("authorization: build user request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.config.Client(fetchCtx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("authorization: fetch user: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authorization: fetch user: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("authorization: read user payload: %w", err)
	}

	var account GitHubAccount
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("authorization: decode user payload: %w", err)
	}
	if account.ID == 0 {
		return nil, errors.New("authorization: user payload missing id")
	}
	account.Raw = json.RawMessage(body)

	return &account, nil
}

// StateStore tracks single-use oauth state tokens with a ttl window.
type StateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	ttl    time.Duration
}

// NewStateStore creates a state store with the provided ttl window.
func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StateStore{states: make(map[string]time.Time), ttl: ttl}
}

// Issue registers and returns a fresh state token.
func (s *StateStore) Issue() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()

	state := uuid.NewString()
	s.states[state] = time.Now().Add(s.ttl)
	return state
}

// Consume reports whether the state is known and unexpired, removing it
// either way so it cannot be replayed.
func (s *StateStore) Consume(state string) bool {
	trimmed := strings.TrimSpace(state)
	if trimmed == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.states[trimmed]
	if ok {
		delete(s.states, trimmed)
	}
	return ok && time.Now().Before(expiresAt)
}

func (s *StateStore) purgeLocked() {
	now := time.Now()
	for state, expiresAt := range s.states {
		if now.After(expiresAt) {
			delete(s.states, state)
		}
	}
}
