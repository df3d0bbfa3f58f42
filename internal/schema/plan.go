package schema

import (
	"fmt"
	"strings"
)

// StepKind enumerates the widen-only operations a plan may contain.
type StepKind string

const (
	StepAddTable       StepKind = "add_table"
	StepAddColumn      StepKind = "add_column"
	StepWidenColumn    StepKind = "widen_column"
	StepDropNotNull    StepKind = "drop_not_null"
	StepRelaxEnum      StepKind = "relax_enum"
	StepDropForeignKey StepKind = "drop_foreign_key"
	StepAddUnique      StepKind = "add_unique"
)

// Step is one reversible migration operation. From retains the prior state
// so the step can be undone by an operator (reversal replays From over To;
// for additive steps reversal is a drop of the added object).
type Step struct {
	Kind   StepKind
	Table  string
	Column string
	From   *Column
	To     *Column
	FK     *ForeignKey
	NewTbl *Table
}

// SQL renders the advisory Postgres statement for the step.
func (s Step) SQL() string {
	switch s.Kind {
	case StepAddTable:
		cols := make([]string, 0, len(s.NewTbl.Columns))
		for _, c := range s.NewTbl.Columns {
			def := fmt.Sprintf("%s %s", c.Name, c.SQLType())
			if !c.Nullable {
				def += " NOT NULL"
			}
			cols = append(cols, def)
		}
		if len(s.NewTbl.PrimaryKey) > 0 {
			cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(s.NewTbl.PrimaryKey, ", ")))
		}
		return fmt.Sprintf("CREATE TABLE %s (%s);", s.Table, strings.Join(cols, ", "))
	case StepAddColumn:
		return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", s.Table, s.Column, s.To.SQLType())
	case StepWidenColumn:
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s;", s.Table, s.Column, s.To.SQLType())
	case StepDropNotNull:
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;", s.Table, s.Column)
	case StepRelaxEnum:
		return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s_%s_check;", s.Table, s.Table, s.Column)
	case StepDropForeignKey:
		return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s_%s_fkey;", s.Table, s.Table, s.FK.Column)
	case StepAddUnique:
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s_%s_key UNIQUE (%s);", s.Table, s.Table, s.Column, s.Column)
	}
	return ""
}

// IncompatibleSchemaError marks a requested migration that would narrow a
// column or drop data. No partial plan is returned alongside it.
type IncompatibleSchemaError struct {
	Table  string
	Column string
	Reason string
}

func (e *IncompatibleSchemaError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("incompatible schema change on %s: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("incompatible schema change on %s.%s: %s", e.Table, e.Column, e.Reason)
}

// PlanVersions loads both embedded snapshots and plans between them.
func PlanVersions(from, to int) ([]Step, error) {
	src, err := LoadVersion(from)
	if err != nil {
		return nil, err
	}
	dst, err := LoadVersion(to)
	if err != nil {
		return nil, err
	}
	return Plan(src, dst)
}

// Plan produces the ordered widen-only steps transforming from into to.
// Any narrowing — shorter text, fewer decimal digits, smaller integer,
// dropped column or table, tightened enum or nullability — aborts planning
// with IncompatibleSchemaError.
func Plan(from, to *Version) ([]Step, error) {
	var steps []Step

	for _, srcTable := range from.Tables {
		if _, ok := to.Table(srcTable.Name); !ok {
			return nil, &IncompatibleSchemaError{Table: srcTable.Name, Reason: "table dropped in target version"}
		}
	}

	for _, dstTable := range to.Tables {
		srcTable, ok := from.Table(dstTable.Name)
		if !ok {
			t := dstTable
			steps = append(steps, Step{Kind: StepAddTable, Table: dstTable.Name, NewTbl: &t})
			continue
		}

		tableSteps, err := planTable(srcTable, dstTable)
		if err != nil {
			return nil, err
		}
		steps = append(steps, tableSteps...)
	}
	return steps, nil
}

func planTable(src, dst Table) ([]Step, error) {
	var steps []Step

	for _, srcCol := range src.Columns {
		if _, ok := dst.Column(srcCol.Name); !ok {
			return nil, &IncompatibleSchemaError{Table: src.Name, Column: srcCol.Name,
				Reason: "column dropped in target version"}
		}
	}

	for _, dstCol := range dst.Columns {
		srcCol, ok := src.Column(dstCol.Name)
		if !ok {
			c := dstCol
			steps = append(steps, Step{Kind: StepAddColumn, Table: dst.Name, Column: dstCol.Name, To: &c})
			continue
		}
		colSteps, err := planColumn(dst.Name, srcCol, dstCol)
		if err != nil {
			return nil, err
		}
		steps = append(steps, colSteps...)
	}

	// Foreign keys may only be dropped; imposing one retroactively could
	// invalidate stored rows.
	for _, dstFK := range dst.ForeignKeys {
		if !hasFK(src.ForeignKeys, dstFK) {
			return nil, &IncompatibleSchemaError{Table: dst.Name, Column: dstFK.Column,
				Reason: "cannot impose a foreign key on existing data"}
		}
	}
	for _, srcFK := range src.ForeignKeys {
		if !hasFK(dst.ForeignKeys, srcFK) {
			fk := srcFK
			steps = append(steps, Step{Kind: StepDropForeignKey, Table: dst.Name, Column: fk.Column, FK: &fk})
		}
	}

	for _, u := range dst.Unique {
		if !contains(src.Unique, u) {
			steps = append(steps, Step{Kind: StepAddUnique, Table: dst.Name, Column: u})
		}
	}
	for _, u := range src.Unique {
		if !contains(dst.Unique, u) {
			return nil, &IncompatibleSchemaError{Table: dst.Name, Column: u,
				Reason: "unique constraint dropped in target version"}
		}
	}

	return steps, nil
}

func planColumn(table string, src, dst Column) ([]Step, error) {
	if src.Type != dst.Type && !(src.Type == TypeInteger && dst.Type == TypeBigint) {
		if src.Type == TypeBigint && dst.Type == TypeInteger {
			return nil, &IncompatibleSchemaError{Table: table, Column: src.Name,
				Reason: "narrowing bigint to integer would overflow stored values"}
		}
		return nil, &IncompatibleSchemaError{Table: table, Column: src.Name,
			Reason: fmt.Sprintf("type change %s -> %s is not widen-only", src.Type, dst.Type)}
	}

	if src.Nullable && !dst.Nullable {
		return nil, &IncompatibleSchemaError{Table: table, Column: src.Name,
			Reason: "cannot impose NOT NULL on possibly-null data"}
	}

	if err := checkEnum(table, src, dst); err != nil {
		return nil, err
	}

	var steps []Step
	// ALTER COLUMN ... TYPE does not touch the NOT NULL constraint, so the
	// relaxation gets its own step regardless of any widening below.
	if !src.Nullable && dst.Nullable {
		steps = append(steps, Step{Kind: StepDropNotNull, Table: table, Column: src.Name})
	}
	widened := false
	switch src.Type {
	case TypeChar:
		if dst.Length < src.Length {
			return nil, &IncompatibleSchemaError{Table: table, Column: src.Name,
				Reason: fmt.Sprintf("narrowing length %d -> %d would truncate", src.Length, dst.Length)}
		}
		widened = dst.Length > src.Length
	case TypeDecimal:
		if dst.Scale < src.Scale {
			return nil, &IncompatibleSchemaError{Table: table, Column: src.Name,
				Reason: fmt.Sprintf("narrowing scale %d -> %d would silently truncate decimals", src.Scale, dst.Scale)}
		}
		if dst.Precision-dst.Scale < src.Precision-src.Scale {
			return nil, &IncompatibleSchemaError{Table: table, Column: src.Name,
				Reason: "narrowing integer digits would overflow stored values"}
		}
		widened = dst.Precision != src.Precision || dst.Scale != src.Scale
	case TypeInteger:
		widened = dst.Type == TypeBigint
	}

	if widened {
		s, d := src, dst
		steps = append(steps, Step{Kind: StepWidenColumn, Table: table, Column: src.Name, From: &s, To: &d})
	}
	if len(src.Enum) > 0 && len(dst.Enum) == 0 {
		s, d := src, dst
		steps = append(steps, Step{Kind: StepRelaxEnum, Table: table, Column: src.Name, From: &s, To: &d})
	}
	return steps, nil
}

func checkEnum(table string, src, dst Column) error {
	if len(dst.Enum) == 0 {
		return nil // open target accepts everything
	}
	if len(src.Enum) == 0 {
		return &IncompatibleSchemaError{Table: table, Column: src.Name,
			Reason: "cannot close an open column to an enumeration"}
	}
	for _, v := range src.Enum {
		if !contains(dst.Enum, v) {
			return &IncompatibleSchemaError{Table: table, Column: src.Name,
				Reason: fmt.Sprintf("enum value %s dropped in target version", v)}
		}
	}
	return nil
}

func hasFK(fks []ForeignKey, fk ForeignKey) bool {
	for _, f := range fks {
		if f == fk {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
