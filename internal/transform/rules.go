// Package transform rewrites release file lines while they stream from the
// input store into a scratch table.
package transform

import (
	"strings"

	"github.com/google/uuid"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
)

// ── Rule ───────────────────────────────────────────────────
// Rules rewrite the columns of a single line in place. They compose in a
// Pipeline and run in order.

// WholeLine is the column of a rule that reads or writes more than one column.
const WholeLine = -1

// Rule rewrites one line. Column reports the index the rule writes, or
// WholeLine.
type Rule interface {
	Column() int
	Apply(cols []string) error
}

// RuleFunc adapts a plain function to the Rule interface.
type RuleFunc struct {
	Col int
	Fn  func(cols []string) error
}

func (r RuleFunc) Column() int { return r.Col }
func (r RuleFunc) Apply(cols []string) error { return r.Fn(cols) }

// IDLookup resolves temporary UUIDs to durable identifiers.
type IDLookup interface {
	Peek(uuid string) (string, bool)
}

// ModuleLookup returns the module a concept is published in.
type ModuleLookup interface {
	ModuleOf(conceptID string) (string, bool)
}

// isNull reports the empty and literal "null" placeholders authoring exports use.
func isNull(v string) bool {
	return v == "" || v == "null"
}

// ── Identifier substitution ────────────────────────────────

// SCTIDFromCache replaces a UUID-shaped value with its cached identifier.
type SCTIDFromCache struct {
	Col   int
	Cache IDLookup
}

func (r *SCTIDFromCache) Column() int { return r.Col }

func (r *SCTIDFromCache) Apply(cols []string) error {
	v := cols[r.Col]
	if !strings.Contains(v, "-") {
		return nil
	}
	id, ok := r.Cache.Peek(v)
	if !ok {
		return errors.NewTransformationError(nil, "no identifier for %s in column %d", v, r.Col)
	}
	cols[r.Col] = id
	return nil
}

// ── Deterministic UUID ─────────────────────────────────────

// uuidNamespace seeds every content-derived UUID.
var uuidNamespace = uuid.NameSpaceOID

// ContentUUID returns the type-5 UUID for the concatenated parts.
func ContentUUID(parts ...string) string {
	return uuid.NewSHA1(uuidNamespace, []byte(strings.Join(parts, ""))).String()
}

// UUIDFromContent assigns a content-derived UUID when the column holds the
// "null" placeholder, so reruns mint the same identifier.
type UUIDFromContent struct {
	Col   int
	Parts []int
}

func (r *UUIDFromContent) Column() int { return r.Col }

func (r *UUIDFromContent) Apply(cols []string) error {
	if cols[r.Col] != "null" {
		return nil
	}
	parts := make([]string, len(r.Parts))
	for i, p := range r.Parts {
		if p >= len(cols) {
			return errors.NewTransformationError(nil, "uuid source column %d missing", p)
		}
		parts[i] = cols[p]
	}
	cols[r.Col] = ContentUUID(parts...)
	return nil
}

// RelationshipUUID derives a relationship id from source, destination, type
// and group.
func RelationshipUUID() *UUIDFromContent {
	return &UUIDFromContent{Col: 0, Parts: []int{4, 5, 7, 6}}
}

// ── Module override ────────────────────────────────────────

// ModuleIDBySourceConcept sets a relationship's module to the module of its
// source concept.
type ModuleIDBySourceConcept struct {
	ModuleCol int
	SourceCol int
	Modules   ModuleLookup
}

func (r *ModuleIDBySourceConcept) Column() int { return WholeLine }

func (r *ModuleIDBySourceConcept) Apply(cols []string) error {
	if r.ModuleCol >= len(cols) || r.SourceCol >= len(cols) {
		return nil
	}
	source := cols[r.SourceCol]
	// The component model concept is published in core even though its
	// hierarchy lives in the model component module.
	if source == domain.ComponentModelConceptID {
		cols[r.ModuleCol] = domain.CoreModuleID
		return nil
	}
	if r.Modules == nil {
		return nil
	}
	if module, ok := r.Modules.ModuleOf(source); ok {
		cols[r.ModuleCol] = module
	}
	return nil
}

// ── Null fill ──────────────────────────────────────────────

// ReplaceIfNull sets Col to Value when CheckCol is empty or "null". CheckCol
// may equal Col.
type ReplaceIfNull struct {
	Col      int
	CheckCol int
	Value    string
}

func (r *ReplaceIfNull) Column() int { return r.Col }

func (r *ReplaceIfNull) Apply(cols []string) error {
	if r.CheckCol >= len(cols) {
		return errors.NewTransformationError(nil, "check column %d missing", r.CheckCol)
	}
	if isNull(cols[r.CheckCol]) {
		cols[r.Col] = r.Value
	}
	return nil
}

// EffectiveTimeFill stamps unpublished rows with the release date.
func EffectiveTimeFill(col int, date string) *ReplaceIfNull {
	return &ReplaceIfNull{Col: col, CheckCol: col, Value: date}
}

// ModuleIDFill fills blank module ids.
func ModuleIDFill(col int, module string) *ReplaceIfNull {
	return &ReplaceIfNull{Col: col, CheckCol: col, Value: module}
}

// ── Rule sets ──────────────────────────────────────────────

// Deps are the collaborators rules consult.
type Deps struct {
	Cache         IDLookup
	Modules       ModuleLookup
	EffectiveDate string
	ModuleID      string
}

// RulesFor assembles the rules for a file in application order.
func RulesFor(s *domain.TableSchema, deps Deps) []Rule {
	var rules []Rule

	if timeIx := s.TimeFieldIndex(); timeIx >= 0 && deps.EffectiveDate != "" {
		rules = append(rules, EffectiveTimeFill(timeIx, deps.EffectiveDate))
	}
	if modIx := s.FieldIndex("moduleId"); modIx >= 0 && deps.ModuleID != "" {
		rules = append(rules, ModuleIDFill(modIx, deps.ModuleID))
	}

	switch s.ComponentType {
	case domain.ComponentDescription:
		rules = append(rules, &ReplaceIfNull{Col: 8, CheckCol: 8, Value: domain.EntireTermCaseInsensitive})
	case domain.ComponentRelationship, domain.ComponentStatedRelationship:
		characteristic := domain.InferredRelationshipID
		if s.ComponentType == domain.ComponentStatedRelationship {
			characteristic = domain.StatedRelationshipID
		}
		rules = append(rules,
			RelationshipUUID(),
			&ReplaceIfNull{Col: 8, CheckCol: 8, Value: characteristic},
			&ReplaceIfNull{Col: 9, CheckCol: 9, Value: domain.ExistentialModifierID},
		)
	}

	if deps.Cache != nil {
		for i, f := range s.Fields {
			if f.Type == domain.TypeSCTID {
				rules = append(rules, &SCTIDFromCache{Col: i, Cache: deps.Cache})
			}
		}
	}

	// Source concepts are looked up by durable id, so this runs last.
	if s.ComponentType == domain.ComponentRelationship || s.ComponentType == domain.ComponentStatedRelationship {
		rules = append(rules, &ModuleIDBySourceConcept{ModuleCol: 3, SourceCol: 4, Modules: deps.Modules})
	}
	return rules
}

// MintedColumn returns the column whose UUIDs must be minted as new
// identifiers for the file, or -1 when the file mints none.
func MintedColumn(s *domain.TableSchema) int {
	switch s.ComponentType {
	case domain.ComponentConcept, domain.ComponentDescription,
		domain.ComponentRelationship, domain.ComponentStatedRelationship:
		return 0
	}
	return -1
}
