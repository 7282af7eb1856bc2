package authorization

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// profileEnsurer creates a profile for an identity on first sign-in.
// Concurrent sign-ins by the same identity share one in-flight ensure via
// singleflight; the duplicate-key race against another process is treated
// as success by re-reading.
type profileEnsurer struct {
	profiles *ProfileStore
	group    singleflight.Group
}

func newProfileEnsurer(profiles *ProfileStore) *profileEnsurer {
	return &profileEnsurer{profiles: profiles}
}

// Ensure returns the profile for the given account, creating it with
// defaults from the provider metadata when absent.
func (e *profileEnsurer) Ensure(ctx context.Context, account *GitHubAccount) (*Profile, error) {
	if account == nil {
		return nil, errors.New("authorization: account is required")
	}

	githubID := account.GithubID()
	value, err, _ := e.group.Do(githubID, func() (interface{}, error) {
		return e.ensureOnce(ctx, githubID, account)
	})
	if err != nil {
		return nil, err
	}
	return value.(*Profile), nil
}

func (e *profileEnsurer) ensureOnce(ctx context.Context, githubID string, account *GitHubAccount) (*Profile, error) {
	existing, err := e.profiles.FindByGithubID(ctx, githubID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("authorization: load profile: %w", err)
	}

	profile := &Profile{
		GithubID: githubID,
		Username: defaultUsername(account.Login),
	}
	if avatar := strings.TrimSpace(account.AvatarURL); avatar != "" {
		avatarCopy := avatar
		profile.AvatarURL = &avatarCopy
	}
	if len(account.Raw) > 0 {
		profile.Metadata = datatypes.JSON(account.Raw)
	}

	if err := e.profiles.Create(ctx, profile); err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("authorization: create profile: %w", err)
		}

		// Another writer won the race on github_id, or the provider login
		// collides with an existing username. The former is benign; the
		// latter gets a generated placeholder.
		if existing, readErr := e.profiles.FindByGithubID(ctx, githubID); readErr == nil {
			return existing, nil
		}

		profile.Username = generatedUsername()
		if err := e.profiles.Create(ctx, profile); err != nil {
			return nil, fmt.Errorf("authorization: create profile: %w", err)
		}
	}

	return profile, nil
}

// defaultUsername prefers the provider's login handle and falls back to a
// generated placeholder.
func defaultUsername(login string) string {
	if trimmed := strings.TrimSpace(login); trimmed != "" {
		return trimmed
	}
	return generatedUsername()
}

func generatedUsername() string {
	return "user-" + uuid.NewString()[:8]
}
