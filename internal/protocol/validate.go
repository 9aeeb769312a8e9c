package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://subspace.ai/schemas/"

// inboundSchemas maps client message types to their schema file.
var inboundSchemas = map[string]string{
	TypeHello:                "hello.schema.json",
	TypeTransfer:             "transfer.schema.json",
	TypeGetStorage:           "get_storage.schema.json",
	TypeGetEndpoints:         "get_endpoints.schema.json",
	TypeSubscribe:            "subscribe.schema.json",
	TypePlaceEndpoints:       "place_endpoints.schema.json",
	TypeResearchContribution: "research_contribution.schema.json",
	TypeResearchFinished:     "research_finished.schema.json",
	TypeSyncTechnologies:     "sync_technologies.schema.json",
}

var ErrUnknownMessage = errors.New("protocol: unknown message type")

// Validator checks inbound frames against the embedded JSON schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	files, err := fs.Glob(schemaFS, "schemas/*.schema.json")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		b, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+path.Base(f), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", f, err)
		}
	}

	v := &Validator{schemas: map[string]*jsonschema.Schema{}}
	for typ, file := range inboundSchemas {
		s, err := c.Compile(schemaBase + file)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", file, err)
		}
		v.schemas[typ] = s
	}
	return v, nil
}

// Validate decodes the routing header of raw and checks the frame against
// the schema for its type.
func (v *Validator) Validate(raw []byte) (BaseMessage, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return base, fmt.Errorf("decode: %w", err)
	}
	s := v.schemas[base.Type]
	if s == nil {
		return base, fmt.Errorf("%w: %q", ErrUnknownMessage, base.Type)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return base, fmt.Errorf("decode: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return base, fmt.Errorf("%s: %w", base.Type, err)
	}
	return base, nil
}
