package characters

import (
	"context"
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"elizatown_back/authorization"
	"elizatown_back/events"
	filestore "elizatown_back/storage"
)

// objectStore is the slice of storage.ObjectStorage the upload flow needs.
type objectStore interface {
	UploadImage(ctx context.Context, fileHeader *multipart.FileHeader, ownerID uint64) (string, error)
	UploadDefinition(ctx context.Context, data []byte, ownerID uint64) (string, error)
	Remove(ctx context.Context, objectURL string) error
}

// Module aggregates the catalog's database, object storage, profile lookup
// and change-feed dependencies.
type Module struct {
	db       *gorm.DB
	objects  objectStore
	profiles *authorization.ProfileStore
	limiter  *downloadLimiter
	hub      *events.Hub
}

// RegisterRoutes initialises the catalog module and registers its routes.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, profiles *authorization.ProfileStore, hub *events.Hub) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Character{}, &Like{}); err != nil {
		return nil, fmt.Errorf("characters: migrate models: %w", err)
	}

	objects, err := filestore.NewObjectStorageFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{
		db:       db,
		profiles: profiles,
		limiter:  newDownloadLimiterFromEnv(),
		hub:      hub,
	}
	// A typed nil in the interface would defeat the not-configured check.
	if objects != nil {
		module.objects = objects
	}

	group := router.Group("/characters")

	public := group.Group("")
	if guard != nil {
		public.Use(guard.OptionalSession())
	}
	public.GET("", module.handleListCharacters)
	public.GET("/:id", module.handleGetCharacter)
	public.GET("/:id/likes/count", module.handleLikeCount)
	public.POST("/:id/download", module.handleDownload)

	secured := group.Group("")
	if guard != nil {
		secured.Use(guard.RequireAuthenticated())
	} else {
		secured.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	secured.POST("", module.handleCreateCharacter)
	secured.PUT("/:id", module.handleUpdateCharacter)
	secured.DELETE("/:id", module.handleDeleteCharacter)
	secured.POST("/:id/like", module.handleToggleLike)

	return module, nil
}

// handleListCharacters returns all entries ordered by creation time
// descending, optionally filtered by a case-insensitive substring match on
// name, annotated with author data, like counts and the viewer's likes.
func (m *Module) handleListCharacters(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	ctx := c.Request.Context()
	query := m.db.WithContext(ctx).Order("created_at DESC, id DESC")

	if search := strings.TrimSpace(c.Query("search")); search != "" {
		pattern := "%" + escapeLikePattern(strings.ToLower(search)) + "%"
		query = query.Where("LOWER(name) LIKE ? ESCAPE '|'", pattern)
	}

	var characters []Character
	if err := query.Find(&characters).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list characters", "details": err.Error()})
		return
	}

	if err := m.annotate(c, characters); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load character annotations", "details": err.Error()})
		return
	}

	if characters == nil {
		characters = []Character{}
	}

	c.JSON(http.StatusOK, gin.H{"characters": characters})
}

func (m *Module) handleGetCharacter(c *gin.Context) {
	character, ok := m.fetchCharacterByParam(c)
	if !ok {
		return
	}

	list := []Character{*character}
	if err := m.annotate(c, list); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load character annotations", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"character": list[0]})
}

// handleLikeCount reports the aggregate like count for one entry.
func (m *Module) handleLikeCount(c *gin.Context) {
	character, ok := m.fetchCharacterByParam(c)
	if !ok {
		return
	}

	var count int64
	if err := m.db.WithContext(c.Request.Context()).Model(&Like{}).Where("character_id = ?", character.ID).Count(&count).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count likes", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"character_id": character.ID, "like_count": count})
}

// handleCreateCharacter runs the upload flow: validate the definition file
// before any storage call, then image upload, definition upload and record
// insert in sequence, deleting already-stored objects when a later step
// fails.
func (m *Module) handleCreateCharacter(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "definition file is required"})
		return
	}
	imageHeader, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	definition, err := readDefinition(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		name = definition.Name
	}

	var description *string
	if trimmed := strings.TrimSpace(c.PostForm("description")); trimmed != "" {
		description = &trimmed
	}

	if m.objects == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "object storage not configured"})
		return
	}

	ctx := c.Request.Context()

	imageURL, err := m.objects.UploadImage(ctx, imageHeader, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upload image", "details": err.Error()})
		return
	}

	fileURL, err := m.objects.UploadDefinition(ctx, definition.Data, userID)
	if err != nil {
		_ = m.objects.Remove(ctx, imageURL)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upload definition", "details": err.Error()})
		return
	}

	character := Character{
		Name:        name,
		Description: description,
		FileURL:     fileURL,
		ImageURL:    imageURL,
		AuthorID:    userID,
	}
	if err := m.db.WithContext(ctx).Create(&character).Error; err != nil {
		_ = m.objects.Remove(ctx, fileURL)
		_ = m.objects.Remove(ctx, imageURL)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create character", "details": err.Error()})
		return
	}

	m.hub.Publish(events.CharacterCreated, character.ID)

	list := []Character{character}
	if err := m.annotate(c, list); err != nil {
		log.Printf("characters: annotate created character: %v", err)
	}

	c.JSON(http.StatusCreated, gin.H{"character": list[0]})
}

type updateCharacterRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// handleUpdateCharacter lets an entry's author change its name and
// description.
func (m *Module) handleUpdateCharacter(c *gin.Context) {
	character, ok := m.fetchCharacterByParam(c)
	if !ok {
		return
	}

	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if character.AuthorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the author can update this character"})
		return
	}

	var req updateCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if req.Name == nil && req.Description == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	updates := make(map[string]interface{})
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name cannot be empty"})
			return
		}
		updates["name"] = name
	}
	if req.Description != nil {
		if trimmed := strings.TrimSpace(*req.Description); trimmed == "" {
			updates["description"] = gorm.Expr("NULL")
		} else {
			updates["description"] = trimmed
		}
	}

	ctx := c.Request.Context()
	if err := m.db.WithContext(ctx).Model(&Character{}).Where("id = ?", character.ID).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update character", "details": err.Error()})
		return
	}

	if err := m.db.WithContext(ctx).First(character, "id = ?", character.ID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load character", "details": err.Error()})
		return
	}

	m.hub.Publish(events.CharacterUpdated, character.ID)

	list := []Character{*character}
	if err := m.annotate(c, list); err != nil {
		log.Printf("characters: annotate updated character: %v", err)
	}

	c.JSON(http.StatusOK, gin.H{"character": list[0]})
}

// handleDeleteCharacter removes an entry, its likes and its stored objects.
func (m *Module) handleDeleteCharacter(c *gin.Context) {
	character, ok := m.fetchCharacterByParam(c)
	if !ok {
		return
	}

	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if character.AuthorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the author can delete this character"})
		return
	}

	ctx := c.Request.Context()
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("character_id = ?", character.ID).Delete(&Like{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Character{}, "id = ?", character.ID).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete character", "details": err.Error()})
		return
	}

	// Object removal is best effort; a failure leaves an orphan but the
	// catalog entry is already gone.
	if m.objects != nil {
		if err := m.objects.Remove(ctx, character.FileURL); err != nil {
			log.Printf("characters: remove definition object: %v", err)
		}
		if err := m.objects.Remove(ctx, character.ImageURL); err != nil {
			log.Printf("characters: remove image object: %v", err)
		}
	}

	m.hub.Publish(events.CharacterDeleted, character.ID)

	c.Status(http.StatusNoContent)
}

// handleToggleLike flips the caller's like on an entry and reports the new
// state and aggregate count.
func (m *Module) handleToggleLike(c *gin.Context) {
	character, ok := m.fetchCharacterByParam(c)
	if !ok {
		return
	}

	userID := authorization.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	ctx := c.Request.Context()
	liked := false

	var existing Like
	err := m.db.WithContext(ctx).Where("character_id = ? AND user_id = ?", character.ID, userID).First(&existing).Error
	switch {
	case err == nil:
		if err := m.db.WithContext(ctx).Delete(&Like{}, "id = ?", existing.ID).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove like", "details": err.Error()})
			return
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		like := Like{CharacterID: character.ID, UserID: userID}
		if err := m.db.WithContext(ctx).Create(&like).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add like", "details": err.Error()})
			return
		}
		liked = true
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load like", "details": err.Error()})
		return
	}

	var count int64
	if err := m.db.WithContext(ctx).Model(&Like{}).Where("character_id = ?", character.ID).Count(&count).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count likes", "details": err.Error()})
		return
	}

	m.hub.Publish(events.CharacterLiked, character.ID)

	c.JSON(http.StatusOK, gin.H{"character_id": character.ID, "liked": liked, "like_count": count})
}

// handleDownload increments the entry's counter atomically at the storage
// layer and hands back the stored file URL for the client to open. Each
// viewer counts once per window; anonymous viewers are keyed by client IP.
func (m *Module) handleDownload(c *gin.Context) {
	character, ok := m.fetchCharacterByParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	viewer := c.ClientIP()
	if userID := authorization.CurrentUserID(c); userID != 0 {
		viewer = fmt.Sprintf("user:%d", userID)
	}

	if m.limiter.ShouldCount(ctx, character.ID, viewer) {
		if err := m.db.WithContext(ctx).Model(&Character{}).
			Where("id = ?", character.ID).
			UpdateColumn("download_count", gorm.Expr("download_count + ?", 1)).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record download", "details": err.Error()})
			return
		}
	}

	if err := m.db.WithContext(ctx).First(character, "id = ?", character.ID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load character", "details": err.Error()})
		return
	}

	m.hub.Publish(events.CharacterDownloaded, character.ID)

	c.JSON(http.StatusOK, gin.H{
		"character_id":   character.ID,
		"file_url":       character.FileURL,
		"download_count": character.DownloadCount,
	})
}

var likeEscaper = strings.NewReplacer("|", "||", "%", "|%", "_", "|_")

// escapeLikePattern neutralises LIKE metacharacters so a search term matches
// literally.
func escapeLikePattern(term string) string {
	return likeEscaper.Replace(term)
}

// fetchCharacterByParam loads the entry addressed by the :id parameter,
// writing the error response itself when it fails.
func (m *Module) fetchCharacterByParam(c *gin.Context) (*Character, bool) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return nil, false
	}

	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid character id"})
		return nil, false
	}

	var character Character
	if err := m.db.WithContext(c.Request.Context()).First(&character, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "character not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load character", "details": err.Error()})
		}
		return nil, false
	}

	return &character, true
}
