// ABOUTME: Core capability data model: skills and the immutable capability record.
// ABOUTME: Records are built once by the descriptor parser and replaced wholesale on re-registration.

package capability

// Skill is a single declared capability of an agent.
type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Record is the normalized form of an agent's capability descriptor plus the
// endpoint it was fetched from. A Record is never mutated after construction;
// re-registering an endpoint produces a fresh Record that replaces the old one.
type Record struct {
	AgentID           string   `json:"agent_id"`
	DisplayName       string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Endpoint          string   `json:"endpoint"`
	Skills            []Skill  `json:"skills"`
	Keywords          []string `json:"keywords,omitempty"`
	SupportsStreaming bool     `json:"supports_streaming"`
}

// Clone returns a deep copy of the record. Registry snapshots hand out clones
// so callers can never reach back into shared state.
func (r Record) Clone() Record {
	out := r
	out.Skills = make([]Skill, len(r.Skills))
	for i, s := range r.Skills {
		cs := s
		cs.Tags = append([]string(nil), s.Tags...)
		out.Skills[i] = cs
	}
	out.Keywords = append([]string(nil), r.Keywords...)
	return out
}

// HasSkills reports whether the agent declared at least one skill.
// Agents without skills are registrable but get their routing confidence capped.
func (r Record) HasSkills() bool {
	return len(r.Skills) > 0
}

// TagUnion returns the union of all skills' tags, lowercased, in declaration
// order with duplicates removed.
func (r Record) TagUnion() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range r.Skills {
		for _, t := range s.Tags {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
