package storage

import (
	"context"
	"fmt"
	"strings"
)

// BatchInserter accumulates rows for one table and flushes them as
// multi-row INSERT statements. The batch size is derived from the
// driver's bind-parameter budget: floor(32767 / columns), capped at
// the conservative default of 2500 rows.
type BatchInserter struct {
	r         runner
	table     string
	columns   []string
	conflict  string
	values    []interface{}
	rowCount  int
	batchSize int

	// Total rows flushed since creation.
	Inserted int
}

// NewBatchInserter prepares a batch inserter for a table. conflict,
// when non-empty, is appended verbatim as an ON CONFLICT clause.
func (q *queries) NewBatchInserter(table string, columns []string, conflict string) *BatchInserter {
	size := MaxBindParameters / len(columns)
	if size > DefaultBatchSize {
		size = DefaultBatchSize
	}

	return &BatchInserter{
		r:         q.r,
		table:     table,
		columns:   columns,
		conflict:  conflict,
		values:    make([]interface{}, 0, size*len(columns)),
		batchSize: size,
	}
}

// BatchSize reports the computed rows-per-flush ceiling.
func (b *BatchInserter) BatchSize() int {
	return b.batchSize
}

// Pending reports the number of rows currently buffered.
func (b *BatchInserter) Pending() int {
	return b.rowCount
}

// Add buffers one row. When the buffer reaches the batch size it is
// flushed. Callers treat a flush as a cancellation checkpoint.
func (b *BatchInserter) Add(ctx context.Context, values ...interface{}) (flushed bool, err error) {
	if len(values) != len(b.columns) {
		return false, fmt.Errorf("table %s: got %d values for %d columns", b.table, len(values), len(b.columns))
	}

	b.values = append(b.values, values...)
	b.rowCount++

	if b.rowCount >= b.batchSize {
		return true, b.Flush(ctx)
	}
	return false, nil
}

// Flush writes all buffered rows in one statement.
func (b *BatchInserter) Flush(ctx context.Context) error {
	if b.rowCount == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(b.table)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(b.columns, ", "))
	sb.WriteString(") VALUES ")

	nCols := len(b.columns)
	for i := 0; i < b.rowCount; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		sb.WriteString(placeholders(i*nCols+1, nCols))
		sb.WriteString(")")
	}

	if b.conflict != "" {
		sb.WriteString(" ")
		sb.WriteString(b.conflict)
	}

	if _, err := b.r.ExecContext(ctx, sb.String(), b.values...); err != nil {
		return fmt.Errorf("batch insert into %s: %w", b.table, err)
	}

	b.Inserted += b.rowCount
	b.values = b.values[:0]
	b.rowCount = 0

	return nil
}
