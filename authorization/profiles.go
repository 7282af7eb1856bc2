package authorization

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Profile mirrors one authenticated GitHub identity. Profiles are created
// lazily on first sign-in and never deleted by the application.
type Profile struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	GithubID  string         `gorm:"size:64;uniqueIndex;not null" json:"github_id"`
	Username  string         `gorm:"size:64;uniqueIndex;not null" json:"username"`
	AvatarURL *string        `gorm:"size:255" json:"avatar_url,omitempty"`
	Metadata  datatypes.JSON `gorm:"type:json" json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Profile) TableName() string {
	return "profiles"
}

// ProfileStore provides profile data access backed by GORM.
type ProfileStore struct {
	db *gorm.DB
}

// NewProfileStore wraps the given database handle.
func NewProfileStore(db *gorm.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// FindByID loads a profile by primary key.
func (s *ProfileStore) FindByID(ctx context.Context, id uint64) (*Profile, error) {
	if s == nil {
		return nil, errors.New("authorization: profile store not initialized")
	}
	var profile Profile
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// FindByGithubID loads a profile by the provider's opaque identifier.
func (s *ProfileStore) FindByGithubID(ctx context.Context, githubID string) (*Profile, error) {
	var profile Profile
	if err := s.db.WithContext(ctx).Where("github_id = ?", githubID).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// FindByIDs loads the given profiles keyed by id. Missing ids are absent
// from the result rather than an error.
func (s *ProfileStore) FindByIDs(ctx context.Context, ids []uint64) (map[uint64]*Profile, error) {
	result := make(map[uint64]*Profile, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var profiles []Profile
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&profiles).Error; err != nil {
		return nil, err
	}
	for i := range profiles {
		result[profiles[i].ID] = &profiles[i]
	}
	return result, nil
}

// Create inserts a new profile record.
func (s *ProfileStore) Create(ctx context.Context, profile *Profile) error {
	return s.db.WithContext(ctx).Create(profile).Error
}

// UpdateProfileParams holds the fields eligible for profile updates.
type UpdateProfileParams struct {
	Username  *string
	AvatarURL *string
}

// Update persists caller-mutable fields for the given profile id.
func (s *ProfileStore) Update(ctx context.Context, id uint64, params UpdateProfileParams) (*Profile, error) {
	if s == nil {
		return nil, errors.New("authorization: profile store not initialized")
	}

	updates := make(map[string]interface{})

	if params.Username != nil {
		username := strings.TrimSpace(*params.Username)
		if username == "" {
			return nil, ErrInvalidUsername
		}
		updates["username"] = username
	}

	if params.AvatarURL != nil {
		avatar := strings.TrimSpace(*params.AvatarURL)
		if avatar == "" {
			updates["avatar_url"] = nil
		} else {
			updates["avatar_url"] = avatar
		}
	}

	if len(updates) == 0 {
		return s.FindByID(ctx, id)
	}

	updates["updated_at"] = time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Profile{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}

	return s.FindByID(ctx, id)
}
