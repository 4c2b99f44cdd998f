// Package model defines the shared data types exchanged between the
// engine components: row snapshots, edit change sets, declarative filters
// and the error taxonomy.
package model

import (
	"errors"
	"fmt"
	"sort"
)

// DisplayMode selects the shape a result set is projected into.
type DisplayMode string

const (
	// DisplayRelational flattens nested columns into a leaf-column grid.
	DisplayRelational DisplayMode = "relational"
	// DisplayDocument keeps document/composite columns intact.
	DisplayDocument DisplayMode = "document"
)

// EditMode selects whether reconciled edits are executed or only rendered.
type EditMode int

const (
	// EditExecute applies the mutation batches against the backend.
	EditExecute EditMode = iota
	// EditScript renders the batches as statement text without executing.
	EditScript
)

// Row is a snapshot of one result row as last shown to the caller.
// Data is ordered by flat leaf ordinal. Metadata carries free-form per-row
// state used by document-oriented sources to re-locate the row.
type Row struct {
	Data     []any
	Metadata map[string]any
}

// UpdatedRow is a row snapshot plus the sparse map of changed columns.
// Updates is keyed by flat leaf ordinal and holds transport values.
type UpdatedRow struct {
	Row
	Updates map[int]any
}

// ChangeSet groups the row edits submitted against one result id.
type ChangeSet struct {
	Added   []Row
	Updated []UpdatedRow
	Deleted []Row
}

// Empty reports whether the change set contains no work.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Constraint is one column condition and/or ordering directive of a Filter.
type Constraint struct {
	Column        string
	Operator      string // "=", "<>", ">", "<", ">=", "<=", "LIKE", "IS NULL", "IS NOT NULL"
	Value         any
	OrderPosition int // 1-based position in the result ordering, 0 when not ordered
	OrderDesc     bool
}

// Condition reports whether the constraint carries a filtering condition.
func (c Constraint) Condition() bool { return c.Operator != "" }

// Filter is a declarative constraint/sort/paging specification applied to
// a query or a container read.
type Filter struct {
	Constraints []Constraint
	Where       string // free-text predicate appended verbatim
	Offset      int64
	Limit       int64
}

// HasConditions reports whether the filter would change the produced rows.
func (f *Filter) HasConditions() bool {
	if f == nil {
		return false
	}
	if f.Where != "" {
		return true
	}
	for _, c := range f.Constraints {
		if c.Condition() || c.OrderPosition > 0 {
			return true
		}
	}
	return false
}

// Ordered returns the constraints participating in ordering, sorted by
// their order position.
func (f *Filter) Ordered() []Constraint {
	if f == nil {
		return nil
	}
	var out []Constraint
	for _, c := range f.Constraints {
		if c.OrderPosition > 0 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OrderPosition < out[j].OrderPosition
	})
	return out
}

// Severity classifies a message posted to a session log.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warning"
	SeverityError Severity = "error"
)

// MessageSink receives non-fatal errors and notices for the owning
// session's message log.
type MessageSink interface {
	Post(severity Severity, text string)
}

// DiscardMessages is a MessageSink that drops everything.
type DiscardMessages struct{}

// Post implements MessageSink.
func (DiscardMessages) Post(Severity, string) {}

// QuotaKind names the configured ceiling a QuotaError was raised against.
type QuotaKind string

const (
	QuotaRows    QuotaKind = "row limit"
	QuotaTasks   QuotaKind = "concurrent tasks"
	QuotaTimeout QuotaKind = "statement timeout"
)

// QuotaError reports that a configured resource ceiling was hit. It is a
// distinct type so callers can react differently from generic failures.
type QuotaError struct {
	Kind  QuotaKind
	Limit int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota exceeded (limit %d)", e.Kind, e.Limit)
}

// IsQuota reports whether err is (or wraps) a QuotaError.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// ValidationError reports a request rejected before any backend I/O:
// bad row/column position, missing row identifier, non-editable source.
type ValidationError struct {
	Msg      string
	Position int // offending ordinal, -1 when not positional
}

func (e *ValidationError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("%s (position %d)", e.Msg, e.Position)
	}
	return e.Msg
}

// Validationf builds a non-positional ValidationError.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...), Position: -1}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
