package authorization

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	identityKey    = "user_id"
	defaultTimeout = time.Hour
)

var (
	ErrUsernameTaken   = errors.New("authorization: username already exists")
	ErrInvalidUsername = errors.New("authorization: username cannot be empty")
)

// Module wires together the GitHub sign-in flow, the JWT middleware and the
// profile store.
type Module struct {
	db            *gorm.DB
	profiles      *ProfileStore
	jwtMiddleware *jwt.GinJWTMiddleware
	github        *GitHubOAuth
	states        *StateStore
	ensure        *profileEnsurer
}

// RegisterRoutes bootstraps the authentication endpoints under /auth.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("authorization: DATABASE_DSN environment variable is required")
	}

	driver := strings.TrimSpace(os.Getenv("DATABASE_DRIVER"))
	if driver == "" {
		driver = inferDriverFromDSN(dsn)
		if driver == "" {
			return nil, errors.New("authorization: DATABASE_DRIVER environment variable is required when DSN does not contain a scheme")
		}
	}

	db, err := openDatabase(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Profile{}); err != nil {
		return nil, fmt.Errorf("authorization: migrate models: %w", err)
	}

	github, err := NewGitHubOAuthFromEnv()
	if err != nil {
		return nil, err
	}

	profiles := &ProfileStore{db: db}
	module := &Module{
		db:       db,
		profiles: profiles,
		github:   github,
		states:   NewStateStore(10 * time.Minute),
		ensure:   newProfileEnsurer(profiles),
	}

	middleware, err := buildJWTMiddleware()
	if err != nil {
		return nil, err
	}
	module.jwtMiddleware = middleware

	authGroup := router.Group("/auth")
	authGroup.GET("/github/login", module.handleGitHubLogin)
	authGroup.GET("/github/callback", module.handleGitHubCallback)
	authGroup.POST("/refresh", middleware.RefreshHandler)

	secured := authGroup.Group("")
	secured.Use(middleware.MiddlewareFunc())
	secured.GET("/profile", module.handleGetProfile)
	secured.PUT("/profile", module.handleUpdateProfile)

	return module, nil
}

// Guard returns the authorization helpers backed by this module's JWT
// middleware.
func (m *Module) Guard() *Guard {
	if m == nil {
		return nil
	}
	return NewGuard(m.jwtMiddleware)
}

// Profiles exposes the profile store for modules that join author data.
func (m *Module) Profiles() *ProfileStore {
	if m == nil {
		return nil
	}
	return m.profiles
}

func (m *Module) handleGitHubLogin(c *gin.Context) {
	state := m.states.Issue()
	c.JSON(http.StatusOK, gin.H{
		"authorize_url": m.github.AuthorizeURL(state),
		"state":         state,
	})
}

func (m *Module) handleGitHubCallback(c *gin.Context) {
	state := strings.TrimSpace(c.Query("state"))
	code := strings.TrimSpace(c.Query("code"))
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and state are required"})
		return
	}

	if !m.states.Consume(state) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown or expired oauth state"})
		return
	}

	ctx := c.Request.Context()

	account, err := m.github.ExchangeAndFetchUser(ctx, code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to authenticate with github", "details": err.Error()})
		return
	}

	profile, err := m.ensure.Ensure(ctx, account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare profile"})
		return
	}

	token, expire, err := m.jwtMiddleware.TokenGenerator(&SessionIdentity{ID: profile.ID, Username: profile.Username})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue session token"})
		return
	}

	if redirect := strings.TrimSpace(os.Getenv("AUTH_REDIRECT_URL")); redirect != "" {
		c.Redirect(http.StatusFound, redirect+"#token="+url.QueryEscape(token))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"expire":  expire,
		"profile": buildProfilePayload(profile),
	})
}

func (m *Module) handleGetProfile(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	profile, err := m.profiles.FindByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load profile"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"profile": buildProfilePayload(profile)})
}

// UpdateProfileRequest captures the caller-mutable profile fields.
type UpdateProfileRequest struct {
	Username  *string `json:"username"`
	AvatarURL *string `json:"avatar_url"`
}

func (m *Module) handleUpdateProfile(c *gin.Context) {
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if req.Username == nil && req.AvatarURL == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	userID := CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	updated, err := m.profiles.Update(c.Request.Context(), userID, UpdateProfileParams{
		Username:  req.Username,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidUsername):
			c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidUsername.Error()})
		case errors.Is(err, ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "profile not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"profile": buildProfilePayload(updated)})
}

func openDatabase(driver, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }, TranslateError: true})
	case "mysql":
		return gorm.Open(mysql.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }, TranslateError: true})
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }, TranslateError: true})
	default:
		return nil, fmt.Errorf("authorization: unsupported database driver %q", driver)
	}
}

func inferDriverFromDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "mysql://"):
		return "mysql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"):
		return "sqlite"
	default:
		return ""
	}
}

// SessionIdentity is the minimal identity stored inside JWT claims.
type SessionIdentity struct {
	ID       uint64
	Username string
}

func buildJWTMiddleware() (*jwt.GinJWTMiddleware, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("authorization: JWT_SECRET environment variable is required")
	}

	return jwt.New(&jwt.GinJWTMiddleware{
		Realm:       "elizatown",
		Key:         []byte(secret),
		Timeout:     defaultTimeout,
		MaxRefresh:  24 * time.Hour,
		IdentityKey: identityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if identity, ok := data.(*SessionIdentity); ok {
				return jwt.MapClaims{
					identityKey: identity.ID,
					"username":  identity.Username,
				}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(c *gin.Context) interface{} {
			claims := jwt.ExtractClaims(c)
			username, _ := claims["username"].(string)
			return &SessionIdentity{ID: extractUserID(claims), Username: username}
		},
		Authenticator: func(c *gin.Context) (interface{}, error) {
			// Sign-in happens through the GitHub callback; there is no
			// credential login endpoint.
			return nil, jwt.ErrFailedAuthentication
		},
		Authorizator: func(data interface{}, c *gin.Context) bool {
			identity, ok := data.(*SessionIdentity)
			return ok && identity.ID != 0
		},
		Unauthorized: func(c *gin.Context, code int, message string) {
			c.JSON(code, gin.H{"error": message})
		},
		TokenLookup:   "header: Authorization, cookie: jwt, cookie: token",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

func buildProfilePayload(profile *Profile) gin.H {
	if profile == nil {
		return gin.H{}
	}

	var avatarField interface{}
	if profile.AvatarURL != nil {
		if trimmed := strings.TrimSpace(*profile.AvatarURL); trimmed != "" {
			avatarField = trimmed
		}
	}

	return gin.H{
		"id":         profile.ID,
		"username":   profile.Username,
		"avatar_url": avatarField,
		"created_at": profile.CreatedAt,
		"updated_at": profile.UpdatedAt,
	}
}
