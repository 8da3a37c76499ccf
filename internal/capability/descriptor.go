// ABOUTME: Parses worker-published capability descriptors into normalized Records.
// ABOUTME: Documents are schema-validated first, then decoded and normalized.

package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

// ErrMalformedDescriptor indicates the fetched document could not be parsed
// into a capability record.
var ErrMalformedDescriptor = errors.New("malformed capability descriptor")

// ErrNoSkillsDeclared indicates the descriptor parsed cleanly but declares no
// skills. Registration still succeeds; routing confidence is capped low.
var ErrNoSkillsDeclared = errors.New("no skills declared")

// descriptorSchema validates the shape of a capability document before
// decoding. Unknown fields are allowed so descriptor formats can grow.
const descriptorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "display_name": {"type": "string"},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "skills": {
      "type": "array",
      "items": {
        "type": "object",
        "anyOf": [{"required": ["id"]}, {"required": ["name"]}],
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "tags": {"type": "array", "items": {"type": "string"}},
          "examples": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "keywords": {"type": "array", "items": {"type": "string"}},
    "capabilities": {
      "type": "object",
      "properties": {"streaming": {"type": "boolean"}}
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	schema, err := jsonschema.NewCompiler().Compile([]byte(descriptorSchema))
	if err != nil {
		panic(fmt.Sprintf("capability: compile descriptor schema: %v", err))
	}
	return schema
}

// Descriptor is the wire form of a worker's self-reported capability document,
// served at its well-known descriptor path.
type Descriptor struct {
	Name         string            `json:"name"`
	DisplayName  string            `json:"display_name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Version      string            `json:"version,omitempty"`
	Skills       []DescriptorSkill `json:"skills,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
	Capabilities struct {
		Streaming bool `json:"streaming"`
	} `json:"capabilities"`
}

// DescriptorSkill is a skill entry as published by a worker. Either id or name
// must be present; examples are accepted but not used for scoring.
type DescriptorSkill struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// Parse validates and normalizes a capability document fetched from endpoint.
// On success the returned Record is complete and immutable. A descriptor with
// an empty skill list returns the Record together with ErrNoSkillsDeclared.
func Parse(endpoint string, data []byte) (*Record, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	if result := compiledSchema.Validate(raw); !result.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrMalformedDescriptor, result.Error())
	}

	var doc Descriptor
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}

	name := strings.TrimSpace(doc.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: missing agent name", ErrMalformedDescriptor)
	}

	rec := &Record{
		AgentID:           name,
		DisplayName:       firstNonEmpty(doc.DisplayName, name),
		Description:       strings.TrimSpace(doc.Description),
		Endpoint:          endpoint,
		Keywords:          normalizeTerms(doc.Keywords),
		SupportsStreaming: doc.Capabilities.Streaming,
	}

	rec.Skills = make([]Skill, 0, len(doc.Skills))
	for _, ds := range doc.Skills {
		skillName := firstNonEmpty(ds.Name, ds.ID)
		if strings.TrimSpace(skillName) == "" {
			continue
		}
		rec.Skills = append(rec.Skills, Skill{
			Name:        skillName,
			Description: strings.TrimSpace(ds.Description),
			Tags:        normalizeTerms(ds.Tags),
		})
	}

	if len(rec.Skills) == 0 {
		return rec, ErrNoSkillsDeclared
	}
	return rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// normalizeTerms lowercases, trims, and deduplicates while preserving order.
func normalizeTerms(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
