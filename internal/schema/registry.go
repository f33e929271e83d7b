// Package schema recognizes RF2 release files by name and describes their columns.
package schema

import (
	"fmt"
	"strings"

	"releasegen/internal/domain"
)

// ── Fixed schemas ──────────────────────────────────────────
// Core component files have hard-coded column layouts.

var (
	conceptFields = []domain.Field{
		{Name: "id", Type: domain.TypeSCTID},
		{Name: "effectiveTime", Type: domain.TypeTime},
		{Name: "active", Type: domain.TypeBoolean},
		{Name: "moduleId", Type: domain.TypeSCTID},
		{Name: "definitionStatusId", Type: domain.TypeSCTID},
	}

	descriptionFields = []domain.Field{
		{Name: "id", Type: domain.TypeSCTID},
		{Name: "effectiveTime", Type: domain.TypeTime},
		{Name: "active", Type: domain.TypeBoolean},
		{Name: "moduleId", Type: domain.TypeSCTID},
		{Name: "conceptId", Type: domain.TypeSCTID},
		{Name: "languageCode", Type: domain.TypeString},
		{Name: "typeId", Type: domain.TypeSCTID},
		{Name: "term", Type: domain.TypeString},
		{Name: "caseSignificanceId", Type: domain.TypeSCTID},
	}

	relationshipFields = []domain.Field{
		{Name: "id", Type: domain.TypeSCTID},
		{Name: "effectiveTime", Type: domain.TypeTime},
		{Name: "active", Type: domain.TypeBoolean},
		{Name: "moduleId", Type: domain.TypeSCTID},
		{Name: "sourceId", Type: domain.TypeSCTID},
		{Name: "destinationId", Type: domain.TypeSCTID},
		{Name: "relationshipGroup", Type: domain.TypeInteger},
		{Name: "typeId", Type: domain.TypeSCTID},
		{Name: "characteristicTypeId", Type: domain.TypeSCTID},
		{Name: "modifierId", Type: domain.TypeSCTID},
	}

	identifierFields = []domain.Field{
		{Name: "identifierSchemeId", Type: domain.TypeSCTID},
		{Name: "alternateIdentifier", Type: domain.TypeString},
		{Name: "effectiveTime", Type: domain.TypeTime},
		{Name: "active", Type: domain.TypeBoolean},
		{Name: "moduleId", Type: domain.TypeSCTID},
		{Name: "referencedComponentId", Type: domain.TypeSCTID},
	}

	simpleRefsetFields = []domain.Field{
		{Name: "id", Type: domain.TypeUUID},
		{Name: "effectiveTime", Type: domain.TypeTime},
		{Name: "active", Type: domain.TypeBoolean},
		{Name: "moduleId", Type: domain.TypeSCTID},
		{Name: "refsetId", Type: domain.TypeSCTID},
		{Name: "referencedComponentId", Type: domain.TypeSCTID},
	}
)

// coreSchemas maps an sct2 content type to its columns and component type.
var coreSchemas = map[string]struct {
	component domain.ComponentType
	fields    []domain.Field
	keys      []int
}{
	"Concept":            {domain.ComponentConcept, conceptFields, []int{0}},
	"Description":        {domain.ComponentDescription, descriptionFields, []int{0}},
	"TextDefinition":     {domain.ComponentDescription, descriptionFields, []int{0}},
	"Relationship":       {domain.ComponentRelationship, relationshipFields, []int{0}},
	"StatedRelationship": {domain.ComponentStatedRelationship, relationshipFields, []int{0}},
	"Identifier":         {domain.ComponentIdentifier, identifierFields, []int{0, 1}},
}

// Column positions shared by every refset file.
const (
	RefsetIDIndex              = 4
	RefsetReferencedComponent  = 5
	RefsetFirstAdditionalField = 6
)

const (
	txtExtension    = ".txt"
	nameSeparator   = "_"
	nameSegments    = 5
	betaPrefix      = "x"
	componentPrefix = "sct2"
	refsetPrefix    = "der2"
	refsetSuffix    = "Refset"
)

// Recognize maps a release filename to its table schema. The second result is
// false for anything that is not an RF2 file; such files are copied through
// unmodified, so this is never an error.
func Recognize(filename string) (*domain.TableSchema, bool) {
	if !strings.HasSuffix(filename, txtExtension) {
		return nil, false
	}
	parts := strings.Split(strings.TrimSuffix(filename, txtExtension), nameSeparator)
	if len(parts) != nameSegments {
		return nil, false
	}

	fileType := parts[0]
	beta := false
	if strings.HasPrefix(fileType, betaPrefix) {
		fileType = strings.TrimPrefix(fileType, betaPrefix)
		beta = true
	}
	contentType, contentSubType := parts[1], parts[2]

	s := &domain.TableSchema{
		Filename:  filename,
		TableName: TableName(filename),
		Beta:      beta,
	}

	switch fileType {
	case componentPrefix:
		core, ok := coreSchemas[contentType]
		if !ok {
			return nil, false
		}
		s.ComponentType = core.component
		s.Fields = cloneFields(core.fields)
		s.KeyFields = append([]int(nil), core.keys...)

	case refsetPrefix:
		if !strings.HasSuffix(contentType, refsetSuffix) {
			return nil, false
		}
		pattern := strings.TrimSuffix(contentType, refsetSuffix)
		fields := cloneFields(simpleRefsetFields)
		for _, c := range pattern {
			t, ok := patternType(c)
			if !ok {
				return nil, false
			}
			// Name comes from the header line later.
			fields = append(fields, domain.Field{Type: t})
		}
		s.Fields = fields
		s.KeyFields = []int{0}
		s.ComponentType = refsetComponent(contentSubType)

	default:
		return nil, false
	}

	return s, true
}

// patternType decodes one character of an extension refset pattern.
func patternType(c rune) (domain.DataType, bool) {
	switch c {
	case 'c':
		return domain.TypeSCTID, true
	case 'i':
		return domain.TypeInteger, true
	case 's':
		return domain.TypeString, true
	}
	return "", false
}

func refsetComponent(contentSubType string) domain.ComponentType {
	switch {
	case strings.HasPrefix(contentSubType, "AttributeValue"):
		return domain.ComponentAttributeValue
	case strings.HasPrefix(contentSubType, "SimpleMap"):
		return domain.ComponentSimpleMap
	default:
		return domain.ComponentRefset
	}
}

// PopulateExtendedRefsetAdditionalFieldNames backfills unnamed fields from
// the file's header line, by position.
func PopulateExtendedRefsetAdditionalFieldNames(s *domain.TableSchema, headerLine string) error {
	columns := strings.Split(strings.TrimRight(headerLine, "\r\n"), "\t")
	if len(columns) != len(s.Fields) {
		return fmt.Errorf("header of %s has %d columns, schema expects %d", s.Filename, len(columns), len(s.Fields))
	}
	for i := range s.Fields {
		if s.Fields[i].Name == "" {
			s.Fields[i].Name = columns[i]
		}
	}
	return nil
}

// WithCompositeKey returns a copy of s whose entity key is the given fields.
// Out-of-range indexes are rejected.
func WithCompositeKey(s *domain.TableSchema, fields []int) (*domain.TableSchema, error) {
	if len(fields) == 0 {
		return s, nil
	}
	for _, f := range fields {
		if f < 0 || f >= len(s.Fields) {
			return nil, fmt.Errorf("composite key field %d out of range for %s", f, s.Filename)
		}
	}
	out := *s
	out.Fields = cloneFields(s.Fields)
	out.KeyFields = append([]int(nil), fields...)
	return &out, nil
}

func cloneFields(fields []domain.Field) []domain.Field {
	return append([]domain.Field(nil), fields...)
}
