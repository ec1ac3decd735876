// Package dataset provides the tabular query engine. Each uploaded CSV
// becomes its own in-memory SQLite database with a single registered
// table; the workflow runs model-generated SQL against it. The engine
// only ever executes SELECT statements against registered tables, so a
// hostile query cannot touch application data.
package dataset

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/convodeck/convodeck/backend/pkg/models"
)

// MaxResultRows caps how many rows a query returns to the workflow.
const MaxResultRows = 50

// Engine manages one in-memory SQLite database per registered dataset.
type Engine struct {
	mu           sync.RWMutex
	entries      map[string]*entry // key: dataset ID
	maxFileBytes int64
}

type entry struct {
	db     *sql.DB
	table  string
	schema string // cached Describe output
}

// NewEngine creates a dataset engine. maxFileBytes caps CSV uploads.
func NewEngine(maxFileBytes int64) *Engine {
	return &Engine{
		entries:      make(map[string]*entry),
		maxFileBytes: maxFileBytes,
	}
}

// SanitizeTableName derives a safe SQL table name from a file stem.
func SanitizeTableName(stem string) string {
	name := strings.ToLower(strings.TrimSpace(stem))
	name = regexp.MustCompile(`[^a-z0-9_]+`).ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "dataset"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

// Register loads a CSV file into a fresh in-memory database under the
// given table name and returns the cached schema description.
// Re-registering a dataset ID replaces its previous database.
func (e *Engine) Register(ctx context.Context, datasetID, tableName, csvPath string) (string, error) {
	info, err := os.Stat(csvPath)
	if err != nil {
		return "", fmt.Errorf("stat dataset file: %w", err)
	}
	if e.maxFileBytes > 0 && info.Size() > e.maxFileBytes {
		return "", &models.ErrFileTooLarge{SizeBytes: info.Size(), MaxBytes: e.maxFileBytes}
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return "", fmt.Errorf("open dataset file: %w", err)
	}
	defer f.Close()

	header, rows, err := readCSV(f)
	if err != nil {
		return "", err
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return "", fmt.Errorf("open in-memory db: %w", err)
	}
	// A single connection keeps the in-memory database alive and shared.
	db.SetMaxOpenConns(1)

	colTypes := inferColumnTypes(header, rows)
	if err := loadTable(ctx, db, tableName, header, colTypes, rows); err != nil {
		db.Close()
		return "", err
	}

	schema := describe(tableName, header, colTypes, rows)

	e.mu.Lock()
	if old, ok := e.entries[datasetID]; ok {
		old.db.Close()
	}
	e.entries[datasetID] = &entry{db: db, table: tableName, schema: schema}
	e.mu.Unlock()

	log.Info().
		Str("dataset_id", datasetID).
		Str("table", tableName).
		Int("rows", len(rows)).
		Int("columns", len(header)).
		Msg("Dataset registered")
	return schema, nil
}

// Describe returns the cached schema description for a dataset.
func (e *Engine) Describe(datasetID string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.entries[datasetID]
	if !ok {
		return "", fmt.Errorf("dataset not registered: %s", datasetID)
	}
	return ent.schema, nil
}

// Query runs a SELECT statement against a registered dataset and returns
// up to MaxResultRows rows. Anything that is not a plain SELECT over the
// registered table is rejected.
func (e *Engine) Query(ctx context.Context, datasetID, query string) ([]map[string]any, error) {
	e.mu.RLock()
	ent, ok := e.entries[datasetID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dataset not registered: %s", datasetID)
	}

	if err := validateQuery(query, ent.table); err != nil {
		return nil, err
	}

	rows, err := ent.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query dataset: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		record := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				record[c] = string(b)
			} else {
				record[c] = values[i]
			}
		}
		out = append(out, record)
		if len(out) >= MaxResultRows {
			break
		}
	}
	return out, rows.Err()
}

// Unregister closes and drops a dataset's database.
func (e *Engine) Unregister(datasetID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.entries[datasetID]; ok {
		ent.db.Close()
		delete(e.entries, datasetID)
	}
}

// Close releases every registered database.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ent := range e.entries {
		ent.db.Close()
		delete(e.entries, id)
	}
}

// ── Query validation ────────────────────────────────────────

var forbiddenKeywords = regexp.MustCompile(
	`(?i)\b(insert|update|delete|drop|alter|create|attach|detach|pragma|vacuum|reindex|replace)\b`)

func validateQuery(query, table string) error {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if trimmed == "" {
		return &models.ValidationError{Field: "query", Reason: "query is empty"}
	}
	if strings.Contains(trimmed, ";") {
		return &models.ValidationError{Field: "query", Reason: "multiple statements are not allowed"}
	}
	if !strings.HasPrefix(strings.ToLower(trimmed), "select") {
		return &models.ValidationError{Field: "query", Reason: "only SELECT statements are allowed"}
	}
	if forbiddenKeywords.MatchString(trimmed) {
		return &models.ValidationError{Field: "query", Reason: "statement contains a forbidden keyword"}
	}
	// The query must target the registered table and nothing else.
	if !regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(table) + `\b`).MatchString(trimmed) {
		return &models.ValidationError{Field: "query", Reason: "query must reference table " + table}
	}
	if sqliteInternals.MatchString(trimmed) {
		return &models.ValidationError{Field: "query", Reason: "access to internal tables is not allowed"}
	}
	return nil
}

var sqliteInternals = regexp.MustCompile(`(?i)\bsqlite_`)

// ── CSV loading ─────────────────────────────────────────────

func readCSV(r io.Reader) (header []string, rows [][]string, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // tolerate ragged rows

	header, err = reader.Read()
	if err != nil {
		return nil, nil, &models.ValidationError{Field: "file", Reason: "cannot read CSV header"}
	}
	for i := range header {
		header[i] = SanitizeTableName(header[i])
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read CSV row: %w", err)
		}
		// Pad short rows so every record has a value per column.
		for len(record) < len(header) {
			record = append(record, "")
		}
		rows = append(rows, record[:len(header)])
	}
	return header, rows, nil
}

// inferColumnTypes picks INTEGER, REAL, or TEXT per column by scanning
// all non-empty values.
func inferColumnTypes(header []string, rows [][]string) []string {
	types := make([]string, len(header))
	for col := range header {
		isInt, isReal, seen := true, true, false
		for _, row := range rows {
			v := strings.TrimSpace(row[col])
			if v == "" {
				continue
			}
			seen = true
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isReal = false
			}
		}
		switch {
		case seen && isInt:
			types[col] = "INTEGER"
		case seen && isReal:
			types[col] = "REAL"
		default:
			types[col] = "TEXT"
		}
	}
	return types
}

func loadTable(ctx context.Context, db *sql.DB, table string, header, colTypes []string, rows [][]string) error {
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = fmt.Sprintf("%s %s", h, colTypes[i])
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", "))
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(header)), ",")
	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, placeholders)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, len(row))
		for i, v := range row {
			v = strings.TrimSpace(v)
			if v == "" {
				args[i] = nil
				continue
			}
			switch colTypes[i] {
			case "INTEGER":
				n, _ := strconv.ParseInt(v, 10, 64)
				args[i] = n
			case "REAL":
				f, _ := strconv.ParseFloat(v, 64)
				args[i] = f
			default:
				args[i] = v
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}
	return tx.Commit()
}

// describe builds the human-readable schema summary cached per dataset.
// It lists each column with its type, null count, and up to three sample
// values; the workflow feeds this to the model when generating SQL.
func describe(table string, header, colTypes []string, rows [][]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Table: %s (%d rows)\nColumns:\n", table, len(rows))
	for col, name := range header {
		nulls := 0
		var samples []string
		for _, row := range rows {
			v := strings.TrimSpace(row[col])
			if v == "" {
				nulls++
				continue
			}
			if len(samples) < 3 {
				samples = append(samples, v)
			}
		}
		fmt.Fprintf(&sb, "- %s (%s, %d nulls, samples: %s)\n",
			name, colTypes[col], nulls, strings.Join(samples, ", "))
	}
	return sb.String()
}
