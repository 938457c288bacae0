package remote

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://maintsync.invalid/schemas/"

type schemas struct {
	page   *jsonschema.Schema
	record *jsonschema.Schema
	token  *jsonschema.Schema
}

func loadSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	for _, name := range []string{"record.json", "page.json", "token.json"} {
		b, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		if err := c.AddResource(schemaBase+name, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	s := &schemas{}
	var err error
	if s.record, err = c.Compile(schemaBase + "record.json"); err != nil {
		return nil, err
	}
	if s.page, err = c.Compile(schemaBase + "page.json"); err != nil {
		return nil, err
	}
	if s.token, err = c.Compile(schemaBase + "token.json"); err != nil {
		return nil, err
	}
	return s, nil
}

// validate checks body against sch before it is decoded into Go types.
func validate(op string, sch *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.ParseError, op, fmt.Errorf("malformed JSON: %w", err))
	}
	if err := sch.Validate(inst); err != nil {
		return apperrors.Wrap(apperrors.ParseError, op, err)
	}
	return nil
}
