package characters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefinition(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		expected string
		wantErr  error
	}{
		{name: "minimal valid", data: `{"name": "Nova"}`, expected: "Nova"},
		{name: "name with extra fields", data: `{"name": "Eliza", "bio": ["helps people"], "topics": ["science"]}`, expected: "Eliza"},
		{name: "name is trimmed", data: `{"name": "  Nova  "}`, expected: "Nova"},
		{name: "not json", data: `not json at all`, wantErr: errDefinitionNotObject},
		{name: "json but not an object", data: `["name"]`, wantErr: errDefinitionNotObject},
		{name: "missing name", data: `{"description": "anonymous"}`, wantErr: errDefinitionMissingName},
		{name: "name not a string", data: `{"name": 42}`, wantErr: errDefinitionMissingName},
		{name: "blank name", data: `{"name": "   "}`, wantErr: errDefinitionMissingName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			definition, err := parseDefinition([]byte(tt.data))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, definition.Name)
			assert.Equal(t, []byte(tt.data), definition.Data)
		})
	}
}
