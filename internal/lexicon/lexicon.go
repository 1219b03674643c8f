// Package lexicon holds the method registry and the schema checks the
// dispatcher runs against parameters, inputs, and outputs. The registry is
// built during server construction and read-only afterwards, so lookups take
// no locks.
package lexicon

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/eugener/xrpcd/internal/nsid"
)

// Method types, discriminated by the lexicon's defs.main.type.
const (
	TypeQuery        = "query"
	TypeProcedure    = "procedure"
	TypeSubscription = "subscription"
)

// Method is one resolved lexicon method definition.
type Method struct {
	NSID        string
	Type        string
	Parameters  *Schema     // nil = no declared parameters
	Input       *BodySchema // procedures only
	Output      *BodySchema // queries and procedures
	Message     *Schema     // subscriptions only; possibly a union
	Errors      []string    // declared error names
	Description string
}

// BodySchema describes a request or response body: its MIME encoding and an
// optional structural schema (JSON encodings only).
type BodySchema struct {
	Encoding string  `json:"encoding"`
	Schema   *Schema `json:"schema,omitempty"`
}

// Schema is a lexicon type node. Only the fields the engine validates are
// modeled; ref and union targets are accepted without graph resolution.
type Schema struct {
	Type       string             `json:"type"`
	Required   []string           `json:"required,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Refs       []string           `json:"refs,omitempty"`
	Ref        string             `json:"ref,omitempty"`
	Minimum    *int64             `json:"minimum,omitempty"`
	Maximum    *int64             `json:"maximum,omitempty"`
}

// Registry maps NSID to method definition. Write during construction, then
// treat as frozen.
type Registry struct {
	methods map[string]*Method
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Add registers a method definition under its NSID.
func (r *Registry) Add(m *Method) error {
	if !nsid.Valid(m.NSID) {
		return fmt.Errorf("invalid method nsid %q", m.NSID)
	}
	switch m.Type {
	case TypeQuery, TypeProcedure, TypeSubscription:
	default:
		return fmt.Errorf("lexicon %s: unknown method type %q", m.NSID, m.Type)
	}
	if _, dup := r.methods[m.NSID]; dup {
		return fmt.Errorf("duplicate lexicon %s", m.NSID)
	}
	r.methods[m.NSID] = m
	return nil
}

// AddJSON parses a lexicon JSON document and registers its main definition.
// Non-method main definitions (records, plain objects) are skipped.
func (r *Registry) AddJSON(doc []byte) error {
	id := gjson.GetBytes(doc, "id").String()
	if id == "" {
		return fmt.Errorf("lexicon document missing id")
	}
	mainType := gjson.GetBytes(doc, "defs.main.type").String()
	switch mainType {
	case TypeQuery, TypeProcedure, TypeSubscription:
	default:
		return nil
	}

	main := gjson.GetBytes(doc, "defs.main")
	var def struct {
		Description string      `json:"description"`
		Parameters  *Schema     `json:"parameters"`
		Input       *BodySchema `json:"input"`
		Output      *BodySchema `json:"output"`
		Message     *struct {
			Schema *Schema `json:"schema"`
		} `json:"message"`
		Errors []struct {
			Name string `json:"name"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(main.Raw), &def); err != nil {
		return fmt.Errorf("lexicon %s: %w", id, err)
	}

	m := &Method{
		NSID:        id,
		Type:        mainType,
		Parameters:  def.Parameters,
		Input:       def.Input,
		Output:      def.Output,
		Description: def.Description,
	}
	if def.Message != nil {
		m.Message = def.Message.Schema
	}
	for _, e := range def.Errors {
		m.Errors = append(m.Errors, e.Name)
	}
	return r.Add(m)
}

// AddAllJSON registers every document in order, stopping at the first error.
func (r *Registry) AddAllJSON(docs ...[]byte) error {
	for _, doc := range docs {
		if err := r.AddJSON(doc); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the method definition for an NSID.
func (r *Registry) Get(id string) (*Method, bool) {
	m, ok := r.methods[id]
	return m, ok
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	return len(r.methods)
}
