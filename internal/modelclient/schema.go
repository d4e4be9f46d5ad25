package modelclient

import "encoding/json"

// InlineSchema resolves every "$ref": "#/$defs/Name" in schema against its
// own "$defs" map and returns a copy with all references substituted in
// place, dropping the now-unused $defs section. Some provider APIs (older
// OpenAI-compatible gateways in particular) reject tool parameter schemas
// containing $ref/$defs outright, so a tool author is free to write
// schemas with shared definitions and have the Model Client flatten them
// per provider as needed (spec §4.F: "a provider that cannot accept
// $ref/$defs gets an inlined copy of the schema; the tool's declared
// schema itself is unchanged").
//
// Only local "#/$defs/..." references are resolved; any other $ref form is
// left untouched, since it isn't one a tool author would have produced.
func InlineSchema(schema json.RawMessage) json.RawMessage {
	var root map[string]any
	if err := json.Unmarshal(schema, &root); err != nil {
		return schema
	}
	defs, _ := root["$defs"].(map[string]any)
	if len(defs) == 0 {
		return schema
	}

	inlined := inlineRefs(root, defs, 0)
	if m, ok := inlined.(map[string]any); ok {
		delete(m, "$defs")
	}

	out, err := json.Marshal(inlined)
	if err != nil {
		return schema
	}
	return out
}

// inlineRefs walks node, substituting any {"$ref": "#/$defs/Name"} object
// with a deep copy of defs[Name]. depth bounds recursion against a
// self-referential $defs cycle, which a well-formed tool schema should
// never produce.
func inlineRefs(node any, defs map[string]any, depth int) any {
	const maxDepth = 32
	if depth > maxDepth {
		return node
	}
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok && len(v) == 1 {
			const prefix = "#/$defs/"
			if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
				name := ref[len(prefix):]
				if def, ok := defs[name]; ok {
					return inlineRefs(def, defs, depth+1)
				}
			}
			return v
		}
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = inlineRefs(val, defs, depth)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = inlineRefs(val, defs, depth)
		}
		return out
	default:
		return node
	}
}
