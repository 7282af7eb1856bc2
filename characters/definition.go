package characters

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"elizatown_back/storage"
)

var (
	errDefinitionNotObject   = errors.New("characters: definition file must contain a JSON object")
	errDefinitionMissingName = errors.New("characters: definition file must contain a name field")
)

// Definition carries the validated definition file bytes and the name
// extracted from them.
type Definition struct {
	Name string
	Data []byte
}

// readDefinition loads and validates the uploaded definition file before
// any storage call: it must be a JSON object with a non-empty name field
// and fit the shared size cap.
func readDefinition(fileHeader *multipart.FileHeader) (*Definition, error) {
	if fileHeader == nil {
		return nil, errors.New("characters: definition file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > storage.MaxObjectBytes {
		return nil, fmt.Errorf("characters: definition size exceeds %d bytes", storage.MaxObjectBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("characters: open definition: %w", err)
	}
	defer src.Close()

	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(src, storage.MaxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("characters: read definition: %w", err)
	}
	if written > storage.MaxObjectBytes {
		return nil, fmt.Errorf("characters: definition size exceeds %d bytes", storage.MaxObjectBytes)
	}

	return parseDefinition(buffer.Bytes())
}

func parseDefinition(data []byte) (*Definition, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errDefinitionNotObject
	}

	rawName, ok := payload["name"]
	if !ok {
		return nil, errDefinitionMissingName
	}

	var name string
	if err := json.Unmarshal(rawName, &name); err != nil {
		return nil, errDefinitionMissingName
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errDefinitionMissingName
	}

	return &Definition{Name: name, Data: data}, nil
}
