// Package schema validates the core's on-disk JSON artifacts (the program
// configuration and the protocol flat-export file) against embedded JSON
// Schema documents.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sci-bots/dropbot-core/pkg/log"
)

type Kind int

const (
	Config Kind = iota + 1
	Protocol
)

//go:embed schemas/*
var schemaFiles embed.FS

func Load(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = Load
}

// Validate decodes r as JSON and validates it against the schema selected by
// k. It returns only an error (nil when r is valid); the decoded value is
// discarded, so callers decode r again themselves.
func Validate(k Kind, r io.Reader) (err error) {
	var s *jsonschema.Schema

	switch k {
	case Config:
		s, err = jsonschema.Compile("embedFS://schemas/config.schema.json")
	case Protocol:
		s, err = jsonschema.Compile("embedFS://schemas/protocol.schema.json")
	default:
		return fmt.Errorf("schema: unknown schema kind %d", k)
	}
	if err != nil {
		return err
	}

	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		log.Errorf("schema.Validate() - failed to decode: %v", err)
		return err
	}

	if err = s.Validate(v); err != nil {
		return fmt.Errorf("%#v", err)
	}

	return nil
}
