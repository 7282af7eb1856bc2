package characters

import (
	"time"

	"elizatown_back/authorization"
)

// Character is one shared catalog entry: an uploaded definition file plus
// a preview image and metadata. LikeCount and IsLiked are computed per
// request, never stored.
type Character struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	Name          string    `gorm:"size:100;not null;index" json:"name"`
	Description   *string   `gorm:"type:text" json:"description,omitempty"`
	FileURL       string    `gorm:"size:255;not null" json:"file_url"`
	ImageURL      string    `gorm:"size:255;not null" json:"image_url"`
	AuthorID      uint64    `gorm:"not null;index" json:"author_id"`
	DownloadCount uint64    `gorm:"not null;default:0" json:"download_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	AuthorUsername string `gorm:"-" json:"author_username,omitempty"`
	AuthorAvatar   string `gorm:"-" json:"author_avatar,omitempty"`
	LikeCount      int64  `gorm:"-" json:"like_count"`
	IsLiked        bool   `gorm:"-" json:"is_liked"`
}

func (Character) TableName() string {
	return "characters"
}

// Like is one viewer's endorsement of a character, unique per
// (character, user) pair. Rows follow their character or profile on delete.
type Like struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	CharacterID uint64    `gorm:"not null;index:idx_character_user,unique" json:"character_id"`
	UserID      uint64    `gorm:"not null;index:idx_character_user,unique" json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`

	Character *Character             `gorm:"foreignKey:CharacterID;constraint:OnDelete:CASCADE" json:"-"`
	User      *authorization.Profile `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Like) TableName() string {
	return "character_likes"
}
