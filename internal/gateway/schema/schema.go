package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var ErrSchemaNotFound = errors.New("schema not found")

//go:embed *.json
var files embed.FS

// Schema holds the compiled request schema of every call channel.
type Schema struct {
	schemas map[string]*gojsonschema.Schema
}

// New compiles the request schemas of all call channels.
func New() (*Schema, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, err
	}

	schemas := make(map[string]*gojsonschema.Schema, len(entries))

	for _, entry := range entries {
		data, err := files.ReadFile(entry.Name())
		if err != nil {
			return nil, err
		}

		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("invalid schema %s: %w", entry.Name(), err)
		}

		channel := strings.TrimSuffix(entry.Name(), path.Ext(entry.Name()))
		schemas[channel] = s
	}

	return &Schema{schemas: schemas}, nil
}

// Has reports whether a schema exists for channel.
func (s *Schema) Has(channel string) bool {
	_, ok := s.schemas[channel]
	return ok
}

// Validate validates the raw JSON payload of a call to channel.
func (s *Schema) Validate(channel string, data []byte) (*gojsonschema.Result, error) {
	schema, ok := s.schemas[channel]
	if !ok {
		return nil, ErrSchemaNotFound
	}

	return schema.Validate(gojsonschema.NewBytesLoader(data))
}
