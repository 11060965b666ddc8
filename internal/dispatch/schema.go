package dispatch

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/envelope.json
var envelopeSchema []byte

const schemaURL = "https://trackersync.local/schema/envelope.json"

// schemas holds the compiled envelope schema and one payload schema per
// entity shape.
type schemas struct {
	envelope     *jsonschema.Schema
	task         *jsonschema.Schema
	project      *jsonschema.Schema
	notification *jsonschema.Schema
	deleted      *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("decode envelope schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("register envelope schema: %w", err)
	}
	compile := func(fragment string) (*jsonschema.Schema, error) {
		sch, err := compiler.Compile(schemaURL + fragment)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", fragment, err)
		}
		return sch, nil
	}
	out := &schemas{}
	targets := []struct {
		fragment string
		dst      **jsonschema.Schema
	}{
		{"", &out.envelope},
		{"#/$defs/task", &out.task},
		{"#/$defs/project", &out.project},
		{"#/$defs/notification", &out.notification},
		{"#/$defs/deleted", &out.deleted},
	}
	for _, target := range targets {
		sch, err := compile(target.fragment)
		if err != nil {
			return nil, err
		}
		*target.dst = sch
	}
	return out, nil
}

// validate decodes raw with the schema library's number handling and checks
// it against sch.
func validate(sch *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
