package characters

import (
	"context"

	"github.com/gin-gonic/gin"

	"elizatown_back/authorization"
)

// annotate fills the per-request fields of the given entries: author
// username/avatar, aggregate like count and whether the current viewer has
// liked each one. Anonymous viewers get is_liked=false throughout.
func (m *Module) annotate(c *gin.Context, characters []Character) error {
	if len(characters) == 0 {
		return nil
	}

	ctx := c.Request.Context()

	ids := make([]uint64, 0, len(characters))
	authorIDs := make([]uint64, 0, len(characters))
	for _, character := range characters {
		ids = append(ids, character.ID)
		authorIDs = append(authorIDs, character.AuthorID)
	}

	likeCounts, err := m.loadLikeCounts(ctx, ids)
	if err != nil {
		return err
	}

	likedSet := map[uint64]bool{}
	if viewerID := authorization.CurrentUserID(c); viewerID != 0 {
		likedSet, err = m.loadLikedSet(ctx, viewerID, ids)
		if err != nil {
			return err
		}
	}

	var authors map[uint64]*authorization.Profile
	if m.profiles != nil {
		authors, err = m.profiles.FindByIDs(ctx, authorIDs)
		if err != nil {
			return err
		}
	}

	for i := range characters {
		characters[i].LikeCount = likeCounts[characters[i].ID]
		characters[i].IsLiked = likedSet[characters[i].ID]
		if author, ok := authors[characters[i].AuthorID]; ok {
			characters[i].AuthorUsername = author.Username
			if author.AvatarURL != nil {
				characters[i].AuthorAvatar = *author.AvatarURL
			}
		}
	}

	return nil
}

type likeCountRow struct {
	CharacterID uint64
	Total       int64
}

// loadLikeCounts returns the aggregate like count per character id in one
// grouped query.
func (m *Module) loadLikeCounts(ctx context.Context, ids []uint64) (map[uint64]int64, error) {
	counts := make(map[uint64]int64, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}

	var rows []likeCountRow
	err := m.db.WithContext(ctx).
		Model(&Like{}).
		Select("character_id, COUNT(*) AS total").
		Where("character_id IN ?", ids).
		Group("character_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		counts[row.CharacterID] = row.Total
	}
	return counts, nil
}

// loadLikedSet returns the subset of ids the viewer has liked.
func (m *Module) loadLikedSet(ctx context.Context, viewerID uint64, ids []uint64) (map[uint64]bool, error) {
	liked := make(map[uint64]bool, len(ids))
	if len(ids) == 0 {
		return liked, nil
	}

	var likedIDs []uint64
	err := m.db.WithContext(ctx).
		Model(&Like{}).
		Select("character_id").
		Where("user_id = ? AND character_id IN ?", viewerID, ids).
		Scan(&likedIDs).Error
	if err != nil {
		return nil, err
	}

	for _, id := range likedIDs {
		liked[id] = true
	}
	return liked, nil
}
