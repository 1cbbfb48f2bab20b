package destinations

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"data-router/internal/common/errors"
	"data-router/internal/record"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLConfig configures the postgres and sqlite destinations.
// ColumnMappings maps column names to record paths; when empty, the
// top-level keys of the batch are used as columns.
type SQLConfig struct {
	DSN            string            `json:"dsn" validate:"required"`
	Table          string            `json:"table" validate:"required"`
	ColumnMappings map[string]string `json:"column_mappings"`
	UpsertKey      []string          `json:"upsert_key"`
	MaxConns       int               `json:"max_conns" validate:"min=0"`
}

func (c *SQLConfig) validateIdentifiers() error {
	for _, part := range strings.Split(c.Table, ".") {
		if !identifierPattern.MatchString(part) {
			return errors.ConfigError(fmt.Sprintf("invalid table name %q", c.Table), nil)
		}
	}
	for column := range c.ColumnMappings {
		if !identifierPattern.MatchString(column) {
			return errors.ConfigError(fmt.Sprintf("invalid column name %q", column), nil)
		}
	}
	for _, column := range c.UpsertKey {
		if !identifierPattern.MatchString(column) {
			return errors.ConfigError(fmt.Sprintf("invalid upsert_key column %q", column), nil)
		}
		if len(c.ColumnMappings) > 0 {
			if _, ok := c.ColumnMappings[column]; !ok {
				return errors.ConfigError(fmt.Sprintf("upsert_key column %q has no column mapping", column), nil)
			}
		}
	}
	return nil
}

// column pairs a column name with the record path feeding it
type column struct {
	name string
	path record.Path
}

// statement is an INSERT prepared for one set of columns
type statement struct {
	sql     string
	columns []column
}

// sqlBuilder renders INSERT and UPSERT statements for one table
type sqlBuilder struct {
	table       string
	mapped      []column
	upsertKey   []string
	placeholder func(i int) string
}

func newSQLBuilder(config SQLConfig, placeholder func(i int) string) (*sqlBuilder, error) {
	if err := config.validateIdentifiers(); err != nil {
		return nil, err
	}

	b := &sqlBuilder{
		table:       quoteQualified(config.Table),
		upsertKey:   config.UpsertKey,
		placeholder: placeholder,
	}

	names := make([]string, 0, len(config.ColumnMappings))
	for name := range config.ColumnMappings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path, err := record.ParsePath(config.ColumnMappings[name])
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("invalid path for column %s", name), err)
		}
		b.mapped = append(b.mapped, column{name: name, path: path})
	}
	return b, nil
}

// build prepares the statement for a batch. Unmapped configs take their
// columns from the keys present in the batch.
func (b *sqlBuilder) build(records []record.Record) (*statement, error) {
	columns := b.mapped
	if len(columns) == 0 {
		for _, key := range unionKeys(records) {
			if !identifierPattern.MatchString(key) {
				return nil, fmt.Errorf("field %q is not a valid column name", key)
			}
			columns = append(columns, column{name: key, path: record.MustParsePath(key)})
		}
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("batch has no columns to insert")
	}

	names := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		names[i] = quoteIdent(col.name)
		placeholders[i] = b.placeholder(i + 1)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)",
		b.table, strings.Join(names, ", "), strings.Join(placeholders, ", "))

	if len(b.upsertKey) > 0 {
		keys := make([]string, len(b.upsertKey))
		isKey := make(map[string]bool, len(b.upsertKey))
		for i, k := range b.upsertKey {
			keys[i] = quoteIdent(k)
			isKey[k] = true
		}

		var updates []string
		for _, col := range columns {
			if !isKey[col.name] {
				updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(col.name), quoteIdent(col.name)))
			}
		}

		if len(updates) == 0 {
			fmt.Fprintf(&sb, " ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
		} else {
			fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET %s",
				strings.Join(keys, ", "), strings.Join(updates, ", "))
		}
	}

	return &statement{sql: sb.String(), columns: columns}, nil
}

// args extracts the column values for one record. Containers are stored as
// JSON text.
func (s *statement) args(r record.Record) ([]interface{}, error) {
	args := make([]interface{}, len(s.columns))
	for i, col := range s.columns {
		v, ok := col.path.Get(r)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}, []interface{}:
			data, err := record.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("failed to encode column %s: %w", col.name, err)
			}
			args[i] = string(data)
		default:
			args[i] = val
		}
	}
	return args, nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}
