package domain

import "strings"

// ComponentType is the kind of content an RF2 file carries.
type ComponentType string

const (
	ComponentConcept            ComponentType = "Concept"
	ComponentDescription        ComponentType = "Description"
	ComponentRelationship       ComponentType = "Relationship"
	ComponentStatedRelationship ComponentType = "StatedRelationship"
	ComponentIdentifier         ComponentType = "Identifier"
	ComponentRefset             ComponentType = "Refset"
	ComponentAttributeValue     ComponentType = "AttributeValue"
	ComponentSimpleMap          ComponentType = "SimpleMap"
)

// IsRefset reports whether the component is any refset variant.
func (c ComponentType) IsRefset() bool {
	switch c {
	case ComponentRefset, ComponentAttributeValue, ComponentSimpleMap:
		return true
	}
	return false
}

// DataType is the typed value of an RF2 column.
type DataType string

const (
	TypeString  DataType = "STRING"
	TypeSCTID   DataType = "SCTID"
	TypeUUID    DataType = "UUID"
	TypeBoolean DataType = "BOOLEAN"
	TypeTime    DataType = "TIME"
	TypeInteger DataType = "INTEGER"
)

// FileVariant is one of the three RF2 release forms.
type FileVariant string

const (
	VariantDelta    FileVariant = "Delta"
	VariantFull     FileVariant = "Full"
	VariantSnapshot FileVariant = "Snapshot"
)

// Field describes a single column in an RF2 file.
// Name is empty until resolved from the header for extension refset columns.
type Field struct {
	Name string   `json:"name"`
	Type DataType `json:"type"`
}

// TableSchema describes the shape of an RF2 file and the scratch table holding it.
type TableSchema struct {
	Filename      string        `json:"filename"`
	TableName     string        `json:"tableName"`
	ComponentType ComponentType `json:"componentType"`
	Fields        []Field       `json:"fields"`
	// KeyFields are the field indexes identifying an entity across versions.
	KeyFields []int `json:"keyFields"`
	// Beta is set when the filename carried the "x" beta prefix.
	Beta bool `json:"beta"`
}

// FieldNames returns an ordered list of field names.
func (s *TableSchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// FieldIndex returns the position of the named field, or -1.
func (s *TableSchema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// TimeFieldIndex returns the position of the effectiveTime column, or -1.
func (s *TableSchema) TimeFieldIndex() int {
	for i, f := range s.Fields {
		if f.Type == TypeTime {
			return i
		}
	}
	return -1
}

// Header returns the tab-separated header line without a line terminator.
func (s *TableSchema) Header() string {
	return strings.Join(s.FieldNames(), "\t")
}

// Well-known RF2 concept identifiers.
const (
	CoreModuleID           = "900000000000207008"
	ModelComponentModuleID = "900000000000012004"
	// ComponentModelConceptID is published in the core module even though it
	// belongs to the model component hierarchy.
	ComponentModelConceptID = "900000000000441003"

	ExistentialModifierID     = "900000000000451002"
	InferredRelationshipID    = "900000000000011006"
	StatedRelationshipID      = "900000000000010007"
	EntireTermCaseInsensitive = "900000000000448009"

	CTV3SimpleMapRefsetID     = "900000000000497000"
	SnomedRTSimpleMapRefsetID = "900000000000498005"
)

// LineEnding terminates every line of a generated release file.
const LineEnding = "\r\n"
