package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/RALaBarge/beigebox/pkg/config"
)

// SchemaCmd emits the JSON Schema for the static config file, written
// to stdout so it can be redirected.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&config.Config{})
	schema.Title = "BeigeBox Configuration Schema"

	var (
		out []byte
		err error
	)
	if c.Compact {
		out, err = json.Marshal(schema)
	} else {
		out, err = json.MarshalIndent(schema, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
