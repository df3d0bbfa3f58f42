// Package schema reconciles versioned snapshots of the storage layout. The
// two shipped snapshots describe the narrow original schema (v1) and the
// widened revision (v2); the planner produces ordered widen-only migration
// steps between them. Planning is pure: an external migration tool executes
// the rendered statements.
package schema

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed versions/*.yaml
var versionFS embed.FS

// ColumnType enumerates the engine-agnostic logical column types.
type ColumnType string

const (
	TypeChar     ColumnType = "char"
	TypeDecimal  ColumnType = "decimal"
	TypeInteger  ColumnType = "integer" // 32-bit
	TypeBigint   ColumnType = "bigint"  // 64-bit
	TypeDate     ColumnType = "date"
	TypeDatetime ColumnType = "datetime"
)

// Column is one declarative column description.
type Column struct {
	Name      string     `yaml:"name"`
	Type      ColumnType `yaml:"type"`
	Length    int        `yaml:"length,omitempty"`    // char width
	Precision int        `yaml:"precision,omitempty"` // decimal total digits
	Scale     int        `yaml:"scale,omitempty"`     // decimal fraction digits
	Nullable  bool       `yaml:"nullable,omitempty"`
	// Enum lists the closed value set for the column; empty means open.
	Enum []string `yaml:"enum,omitempty"`
}

// ForeignKey declares a referential constraint.
type ForeignKey struct {
	Column    string `yaml:"column"`
	RefTable  string `yaml:"ref_table"`
	RefColumn string `yaml:"ref_column"`
}

// Table is one declarative table description.
type Table struct {
	Name        string       `yaml:"name"`
	Columns     []Column     `yaml:"columns"`
	PrimaryKey  []string     `yaml:"primary_key"`
	Unique      []string     `yaml:"unique,omitempty"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty"`
}

// Column returns the named column, if declared.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Version is one complete schema snapshot.
type Version struct {
	Version int     `yaml:"version"`
	Tables  []Table `yaml:"tables"`
}

// Table returns the named table, if declared.
func (v Version) Table(name string) (Table, bool) {
	for _, t := range v.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// LoadVersion reads an embedded snapshot by number.
func LoadVersion(n int) (*Version, error) {
	data, err := versionFS.ReadFile(fmt.Sprintf("versions/v%d.yaml", n))
	if err != nil {
		return nil, fmt.Errorf("schema: unknown version %d: %w", n, err)
	}
	var v Version
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("schema: parse version %d: %w", n, err)
	}
	if v.Version != n {
		return nil, fmt.Errorf("schema: version mismatch in v%d.yaml: declares %d", n, v.Version)
	}
	return &v, nil
}

// SQLType renders the engine type for a column (Postgres dialect, advisory).
func (c Column) SQLType() string {
	switch c.Type {
	case TypeChar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	case TypeDecimal:
		return fmt.Sprintf("NUMERIC(%d,%d)", c.Precision, c.Scale)
	case TypeInteger:
		return "INTEGER"
	case TypeBigint:
		return "BIGINT"
	case TypeDate:
		return "DATE"
	case TypeDatetime:
		return "TIMESTAMP"
	}
	return strings.ToUpper(string(c.Type))
}
