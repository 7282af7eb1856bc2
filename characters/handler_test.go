package characters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"elizatown_back/authorization"
)

// setupTestDB creates an in-memory SQLite database with the catalog schema.
// The pool is pinned to one connection so every session sees the same
// memory database.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&authorization.Profile{}, &Character{}, &Like{}))

	return db
}

func newTestModule(t *testing.T) *Module {
	t.Helper()

	db := setupTestDB(t)
	return &Module{
		db:       db,
		profiles: authorization.NewProfileStore(db),
		limiter:  &downloadLimiter{},
	}
}

// asUser injects the claims the JWT middleware would have resolved.
func asUser(id uint64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("JWT_PAYLOAD", jwt.MapClaims{"user_id": float64(id)})
	}
}

func setupRouter(m *Module, session gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if session != nil {
		r.Use(session)
	}

	r.GET("/characters", m.handleListCharacters)
	r.GET("/characters/:id", m.handleGetCharacter)
	r.GET("/characters/:id/likes/count", m.handleLikeCount)
	r.POST("/characters", m.handleCreateCharacter)
	r.PUT("/characters/:id", m.handleUpdateCharacter)
	r.DELETE("/characters/:id", m.handleDeleteCharacter)
	r.POST("/characters/:id/like", m.handleToggleLike)
	r.POST("/characters/:id/download", m.handleDownload)

	return r
}

func seedProfile(t *testing.T, db *gorm.DB, githubID, username string) *authorization.Profile {
	t.Helper()

	profile := &authorization.Profile{GithubID: githubID, Username: username}
	require.NoError(t, db.Create(profile).Error)
	return profile
}

func seedCharacter(t *testing.T, db *gorm.DB, name string, authorID uint64) *Character {
	t.Helper()

	character := &Character{
		Name:     name,
		FileURL:  fmt.Sprintf("http://files.test/character-files/%s.json", name),
		ImageURL: fmt.Sprintf("http://files.test/character-images/%s.png", name),
		AuthorID: authorID,
	}
	require.NoError(t, db.Create(character).Error)
	return character
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

func TestListCharactersSearch(t *testing.T) {
	m := newTestModule(t)
	author := seedProfile(t, m.db, "1", "octocat")
	seedCharacter(t, m.db, "Nova", author.ID)
	seedCharacter(t, m.db, "Eliza", author.ID)
	seedCharacter(t, m.db, "100% Organic", author.ID)

	r := setupRouter(m, nil)

	tests := []struct {
		name     string
		query    string
		expected []string
	}{
		{name: "empty returns all", query: "", expected: []string{"100% Organic", "Eliza", "Nova"}},
		{name: "lowercase substring", query: "nova", expected: []string{"Nova"}},
		{name: "uppercase prefix", query: "NOV", expected: []string{"Nova"}},
		{name: "no match", query: "zelda", expected: []string{}},
		{name: "percent matches literally", query: "100%", expected: []string{"100% Organic"}},
		{name: "underscore matches literally", query: "ov_", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := httptest.NewRecorder()
			target := "/characters?" + url.Values{"search": {tt.query}}.Encode()
			req := httptest.NewRequest(http.MethodGet, target, nil)
			r.ServeHTTP(resp, req)

			require.Equal(t, http.StatusOK, resp.Code)
			body := decodeBody(t, resp)
			list, ok := body["characters"].([]interface{})
			require.True(t, ok)
			require.Len(t, list, len(tt.expected))
			for i, expected := range tt.expected {
				entry := list[i].(map[string]interface{})
				assert.Equal(t, expected, entry["name"])
			}
		})
	}
}

func TestListCharactersAnnotations(t *testing.T) {
	m := newTestModule(t)
	author := seedProfile(t, m.db, "1", "octocat")
	viewer := seedProfile(t, m.db, "2", "viewer")
	character := seedCharacter(t, m.db, "Nova", author.ID)

	require.NoError(t, m.db.Create(&Like{CharacterID: character.ID, UserID: viewer.ID}).Error)
	require.NoError(t, m.db.Create(&Like{CharacterID: character.ID, UserID: author.ID}).Error)

	t.Run("anonymous viewer", func(t *testing.T) {
		r := setupRouter(m, nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/characters", nil))

		require.Equal(t, http.StatusOK, resp.Code)
		entry := decodeBody(t, resp)["characters"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, float64(2), entry["like_count"])
		assert.Equal(t, false, entry["is_liked"])
		assert.Equal(t, "octocat", entry["author_username"])
	})

	t.Run("signed-in viewer sees own like", func(t *testing.T) {
		r := setupRouter(m, asUser(viewer.ID))
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/characters", nil))

		require.Equal(t, http.StatusOK, resp.Code)
		entry := decodeBody(t, resp)["characters"].([]interface{})[0].(map[string]interface{})
		assert.Equal(t, true, entry["is_liked"])
	})
}

func TestToggleLikeRoundTrip(t *testing.T) {
	m := newTestModule(t)
	author := seedProfile(t, m.db, "1", "octocat")
	viewer := seedProfile(t, m.db, "2", "viewer")
	character := seedCharacter(t, m.db, "Nova", author.ID)

	r := setupRouter(m, asUser(viewer.ID))
	path := fmt.Sprintf("/characters/%d/like", character.ID)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, path, nil))
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["liked"])
	assert.Equal(t, float64(1), body["like_count"])

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, path, nil))
	require.Equal(t, http.StatusOK, resp.Code)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["liked"])
	assert.Equal(t, float64(0), body["like_count"])

	var count int64
	require.NoError(t, m.db.Model(&Like{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestToggleLikeRequiresSession(t *testing.T) {
	m := newTestModule(t)
	author := seedProfile(t, m.db, "1", "octocat")
	character := seedCharacter(t, m.db, "Nova", author.ID)

	r := setupRouter(m, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/characters/%d/like", character.ID), nil))

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestDownloadIncrementsCounter(t *testing.T) {
	m := newTestModule(t)
	author := seedProfile(t, m.db, "1", "octocat")
	character := seedCharacter(t, m.db, "Nova", author.ID)

	r := setupRouter(m, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/characters/%d/download", character.ID), nil))

	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.Equal(t, character.FileURL, body["file_url"])
	assert.Equal(t, float64(1), body["download_count"])

	var stored Character
	require.NoError(t, m.db.First(&stored, "id = ?", character.ID).Error)
	assert.Equal(t, uint64(1), stored.DownloadCount)
}

func TestUpdateCharacterAuthorOnly(t *testing.T) {
	m := newTestModule(t)
	author := seedProfile(t, m.db, "1", "octocat")
	stranger := seedProfile(t, m.db, "2", "stranger")
	character := seedCharacter(t, m.db, "Nova", author.ID)

	payload, err := json.Marshal(map[string]string{"name": "Supernova"})
	require.NoError(t, err)
	path := fmt.Sprintf("/characters/%d", character.ID)

	t.Run("stranger is rejected", func(t *testing.T) {
		r := setupRouter(m, asUser(stranger.ID))
		resp := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(resp, req)

		assert.Equal(t, http.StatusForbidden, resp.Code)
	})

	t.Run("author updates", func(t *testing.T) {
		r := setupRouter(m, asUser(author.ID))
		resp := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(resp, req)

		require.Equal(t, http.StatusOK, resp.Code)

		var stored Character
		require.NoError(t, m.db.First(&stored, "id = ?", character.ID).Error)
		assert.Equal(t, "Supernova", stored.Name)
	})
}

func TestDeleteCharacterRemovesLikes(t *testing.T) {
	m := newTestModule(t)
	author := seedProfile(t, m.db, "1", "octocat")
	viewer := seedProfile(t, m.db, "2", "viewer")
	character := seedCharacter(t, m.db, "Nova", author.ID)
	require.NoError(t, m.db.Create(&Like{CharacterID: character.ID, UserID: viewer.ID}).Error)

	r := setupRouter(m, asUser(author.ID))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/characters/%d", character.ID), nil))

	require.Equal(t, http.StatusNoContent, resp.Code)

	var characterCount, likeCount int64
	require.NoError(t, m.db.Model(&Character{}).Count(&characterCount).Error)
	require.NoError(t, m.db.Model(&Like{}).Count(&likeCount).Error)
	assert.Equal(t, int64(0), characterCount)
	assert.Equal(t, int64(0), likeCount)
}

// buildUploadRequest assembles the multipart body the upload flow expects.
func buildUploadRequest(t *testing.T, definition []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	filePart, err := writer.CreateFormFile("file", "character.json")
	require.NoError(t, err)
	_, err = filePart.Write(definition)
	require.NoError(t, err)

	imagePart, err := writer.CreateFormFile("image", "preview.png")
	require.NoError(t, err)
	_, err = imagePart.Write([]byte("not-a-real-png"))
	require.NoError(t, err)

	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/characters", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestCreateCharacterRejectsInvalidDefinitionBeforeStorage(t *testing.T) {
	m := newTestModule(t)
	uploader := seedProfile(t, m.db, "1", "octocat")

	r := setupRouter(m, asUser(uploader.ID))

	tests := []struct {
		name       string
		definition []byte
	}{
		{name: "not json", definition: []byte("definitely not json")},
		{name: "json array", definition: []byte(`["name"]`)},
		{name: "missing name", definition: []byte(`{"description": "no name here"}`)},
		{name: "blank name", definition: []byte(`{"name": "  "}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := httptest.NewRecorder()
			r.ServeHTTP(resp, buildUploadRequest(t, tt.definition))

			// Validation fires before the storage-configured check, so a
			// bad definition is a 400 even with no object storage wired.
			assert.Equal(t, http.StatusBadRequest, resp.Code)

			var count int64
			require.NoError(t, m.db.Model(&Character{}).Count(&count).Error)
			assert.Equal(t, int64(0), count)
		})
	}
}

func TestCreateCharacterRequiresStorage(t *testing.T) {
	m := newTestModule(t)
	uploader := seedProfile(t, m.db, "1", "octocat")

	r := setupRouter(m, asUser(uploader.ID))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, buildUploadRequest(t, []byte(`{"name": "Nova"}`)))

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

// fakeObjectStore records uploads and removals without talking to a bucket.
type fakeObjectStore struct {
	imageURL      string
	definitionURL string
	imageOwners   []uint64
	removed       []string
}

func (f *fakeObjectStore) UploadImage(_ context.Context, _ *multipart.FileHeader, ownerID uint64) (string, error) {
	f.imageOwners = append(f.imageOwners, ownerID)
	return f.imageURL, nil
}

func (f *fakeObjectStore) UploadDefinition(_ context.Context, _ []byte, _ uint64) (string, error) {
	return f.definitionURL, nil
}

func (f *fakeObjectStore) Remove(_ context.Context, objectURL string) error {
	f.removed = append(f.removed, objectURL)
	return nil
}

func TestCreateCharacterStoresUpload(t *testing.T) {
	m := newTestModule(t)
	uploader := seedProfile(t, m.db, "1", "octocat")
	store := &fakeObjectStore{
		imageURL:      "http://files.test/character-images/nova.png",
		definitionURL: "http://files.test/character-files/nova.json",
	}
	m.objects = store

	r := setupRouter(m, asUser(uploader.ID))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, buildUploadRequest(t, []byte(`{"name": "Nova"}`)))

	require.Equal(t, http.StatusCreated, resp.Code)

	entry := decodeBody(t, resp)["character"].(map[string]interface{})
	assert.Equal(t, "Nova", entry["name"])
	assert.Equal(t, store.definitionURL, entry["file_url"])
	assert.Equal(t, store.imageURL, entry["image_url"])

	var stored []Character
	require.NoError(t, m.db.Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, "Nova", stored[0].Name)
	assert.Equal(t, store.definitionURL, stored[0].FileURL)
	assert.Equal(t, store.imageURL, stored[0].ImageURL)
	assert.Equal(t, uploader.ID, stored[0].AuthorID)
	assert.Equal(t, []uint64{uploader.ID}, store.imageOwners)
	assert.Empty(t, store.removed)
}

func TestCreateCharacterRemovesObjectsWhenInsertFails(t *testing.T) {
	m := newTestModule(t)
	uploader := seedProfile(t, m.db, "1", "octocat")
	store := &fakeObjectStore{
		imageURL:      "http://files.test/character-images/nova.png",
		definitionURL: "http://files.test/character-files/nova.json",
	}
	m.objects = store

	// Dropping the table makes the record insert fail after both objects
	// were stored, which must trigger the compensating removals.
	require.NoError(t, m.db.Migrator().DropTable(&Character{}))

	r := setupRouter(m, asUser(uploader.ID))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, buildUploadRequest(t, []byte(`{"name": "Nova"}`)))

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.ElementsMatch(t, []string{store.definitionURL, store.imageURL}, store.removed)
}
