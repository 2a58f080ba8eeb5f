package entities

// ColumnSchema describes one column of a source table.
type ColumnSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableSchema describes one source table.
type TableSchema struct {
	Name     string         `json:"name"`
	Columns  []ColumnSchema `json:"columns"`
	RowCount int64          `json:"row_count"`
}

// DomainMapping says where a clinical domain's data lives: which table,
// which code/date columns, and how descendant sets are expanded.
type DomainMapping struct {
	Table         string `json:"table"`
	SubjectColumn string `json:"subject_column"`

	// Event domains (diagnosis, procedure, drug, lab, observation)
	CodeColumns []string `json:"code_columns,omitempty"`
	DateColumn  string   `json:"date_column,omitempty"`
	ValueColumn string   `json:"value_column,omitempty"`
	UnitColumn  string   `json:"unit_column,omitempty"`
	ClassColumn string   `json:"class_column,omitempty"`

	// Reference table for hierarchy (descendant-set) expansion
	ReferenceTable      string `json:"reference_table,omitempty"`
	ReferenceCodeColumn string `json:"reference_code_column,omitempty"`

	// Demographic attribute columns, keyed by lowercase concept name
	AttributeColumns map[string]string `json:"attribute_columns,omitempty"`

	// Enrollment period bounds
	StartColumn string `json:"start_column,omitempty"`
	EndColumn   string `json:"end_column,omitempty"`
}

// SchemaCatalog is the read-only description of the clinical dataset.
type SchemaCatalog struct {
	Tables         []TableSchema            `json:"tables"`
	DomainMappings map[Domain]DomainMapping `json:"domain_mappings"`
}

// Mapping returns the mapping for a domain.
func (c *SchemaCatalog) Mapping(d Domain) (DomainMapping, bool) {
	m, ok := c.DomainMappings[d]
	return m, ok
}

// Table returns the schema for a named table.
func (c *SchemaCatalog) Table(name string) (TableSchema, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSchema{}, false
}

// HasColumn reports whether a table exposes a column.
func (c *SchemaCatalog) HasColumn(table, column string) bool {
	t, ok := c.Table(table)
	if !ok {
		return false
	}
	for _, col := range t.Columns {
		if col.Name == column {
			return true
		}
	}
	return false
}
