package authorization

import (
	"encoding/json"
	"testing"
	"time"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/stretchr/testify/assert"
)

func TestExtractUserID(t *testing.T) {
	tests := []struct {
		name     string
		claims   jwt.MapClaims
		expected uint64
	}{
		{name: "nil claims", claims: nil, expected: 0},
		{name: "missing key", claims: jwt.MapClaims{"username": "octocat"}, expected: 0},
		{name: "float64 from json decode", claims: jwt.MapClaims{"user_id": float64(7)}, expected: 7},
		{name: "int64", claims: jwt.MapClaims{"user_id": int64(7)}, expected: 7},
		{name: "uint64", claims: jwt.MapClaims{"user_id": uint64(7)}, expected: 7},
		{name: "json number", claims: jwt.MapClaims{"user_id": json.Number("7")}, expected: 7},
		{name: "unparseable", claims: jwt.MapClaims{"user_id": "seven"}, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractUserID(tt.claims))
		})
	}
}

func TestClaimsExpired(t *testing.T) {
	future := float64(time.Now().Add(time.Hour).Unix())
	past := float64(time.Now().Add(-time.Hour).Unix())

	assert.False(t, claimsExpired(jwt.MapClaims{"exp": future}))
	assert.True(t, claimsExpired(jwt.MapClaims{"exp": past}))
	// Claims without a usable exp never count as a session.
	assert.True(t, claimsExpired(jwt.MapClaims{}))
	assert.True(t, claimsExpired(jwt.MapClaims{"exp": "soon"}))
}
