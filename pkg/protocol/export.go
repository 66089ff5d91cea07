package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document from the
// Go Document struct using invopop/jsonschema. The same schema is used by
// the validator and printed by `sequencer schema` for external editors.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&Document{})
	s.ID = "https://github.com/ormasoftchile/sequencer/schemas/protocol-v0.json"
	s.Title = "Sequencing Protocol v0"
	s.Description = "Schema for sequencing protocol JSON documents (.454sp.json)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}
