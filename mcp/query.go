// Package mcp is the read-only inspection surface over the audit store.
// Arbitrary SQL is admitted only after proving it is a single SELECT; the
// canned analyzers build on the same gate, so every read path through this
// package is incapable of mutating the trail it inspects.
package mcp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/elspeth-run/elspeth/landscape"
)

// forbiddenVerbs are the statement verbs a read-only surface must never
// execute. Matching is word-bounded against the query with string literals
// and comments removed, so a column named "update_time" or a literal
// 'DROP' passes.
var forbiddenVerbs = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "CREATE", "ALTER", "TRUNCATE",
	"GRANT", "REVOKE", "COPY", "PRAGMA", "ATTACH", "DETACH", "VACUUM",
	"SET", "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE", "REINDEX",
}

var forbiddenPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(forbiddenVerbs, "|") + `)\b`)

// QueryError reports why a statement was refused. The position points at
// the offending construct in the original text where one can be named.
type QueryError struct {
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query refused: %s", e.Reason)
}

// ValidateReadOnlySQL admits a statement only if it is one SELECT (or a
// WITH chain ending in one) with no mutating verb anywhere outside string
// literals and quoted identifiers. Comments are stripped before any other
// check, so nothing can hide behind them.
func ValidateReadOnlySQL(query string) error {
	stripped, err := stripLiteralsAndComments(query)
	if err != nil {
		return err
	}

	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return &QueryError{Reason: "statement is empty"}
	}

	// One trailing semicolon terminates the statement; any content after
	// a semicolon is a second statement.
	if i := strings.IndexByte(trimmed, ';'); i >= 0 {
		if rest := strings.TrimSpace(trimmed[i+1:]); rest != "" {
			return &QueryError{Reason: "multiple statements are not allowed"}
		}
		trimmed = strings.TrimSpace(trimmed[:i])
		if trimmed == "" {
			return &QueryError{Reason: "statement is empty"}
		}
	}

	leading := leadingWord(trimmed)
	switch strings.ToUpper(leading) {
	case "SELECT", "WITH":
	default:
		return &QueryError{Reason: fmt.Sprintf("statement must start with SELECT or WITH, got %q", leading)}
	}

	if m := forbiddenPattern.FindString(trimmed); m != "" {
		return &QueryError{Reason: fmt.Sprintf("statement contains forbidden verb %s", strings.ToUpper(m))}
	}
	return nil
}

// stripLiteralsAndComments blanks out single-quoted strings, double-quoted
// and backtick-quoted identifiers, line comments, and block comments,
// preserving everything else. Unterminated constructs are refused: a
// validator must not guess what the engine would do with them.
func stripLiteralsAndComments(query string) (string, error) {
	var out strings.Builder
	out.Grow(len(query))
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end, ok := scanQuoted(query, i, c)
			if !ok {
				return "", &QueryError{Reason: "unterminated string or quoted identifier"}
			}
			out.WriteByte(' ')
			i = end
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return "", &QueryError{Reason: "unterminated block comment"}
			}
			out.WriteByte(' ')
			i += 2 + end + 2
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String(), nil
}

// scanQuoted returns the index just past a quoted region opened at start,
// honoring doubled-quote escapes.
func scanQuoted(query string, start int, quote byte) (int, bool) {
	i := start + 1
	for i < len(query) {
		if query[i] != quote {
			i++
			continue
		}
		if i+1 < len(query) && query[i+1] == quote {
			i += 2
			continue
		}
		return i + 1, true
	}
	return 0, false
}

func leadingWord(s string) string {
	end := 0
	for end < len(s) {
		c := s[end]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			end++
			continue
		}
		break
	}
	if end == 0 {
		return s
	}
	return s[:end]
}

// Query validates the statement and runs it against the audit store,
// returning each row as a column-keyed map. Byte-typed columns come back
// as strings; the audit schema stores no raw binary.
func Query(ctx context.Context, db *landscape.DB, query string, args ...any) ([]map[string]any, error) {
	if err := ValidateReadOnlySQL(query); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record[col] = v
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
