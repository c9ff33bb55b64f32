package outlets

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/siplinehq/sipline/pkg/llms"
)

// ResultKind classifies a gate answer.
type ResultKind string

const (
	KindList   ResultKind = "list"
	KindCount  ResultKind = "count"
	KindSingle ResultKind = "single"
	KindEmpty  ResultKind = "empty"
	KindError  ResultKind = "error"
)

// Result is the structured gate answer. SQL is included for debugging and
// the /outlets endpoint.
type Result struct {
	Kind         ResultKind       `json:"kind"`
	Rows         []map[string]any `json:"rows,omitempty"`
	Count        int              `json:"count"`
	Formatted    string           `json:"formatted_text"`
	SQL          string           `json:"sql,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Querier is the execution capability the gate depends on. *Store
// implements it; tests substitute a fake.
type Querier interface {
	Select(ctx context.Context, query string) ([]map[string]any, error)
}

// Gate translates a natural-language outlet question into one validated
// SELECT, executes it, and formats the rows. The language model never
// reaches the database directly: every statement passes the validation
// predicate first.
type Gate struct {
	llm   llms.Provider
	store Querier
}

func NewGate(llm llms.Provider, store Querier) *Gate {
	return &Gate{llm: llm, store: store}
}

const listLimit = 20

const apology = "I'm sorry, I couldn't look up outlet information for that request. Please try rephrasing."

const sqlPromptTemplate = `You are a SQL expert. Convert natural language questions to PostgreSQL queries for the 'outlets' table.

Table schema:
CREATE TABLE outlets (
    id BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    address TEXT,
    city TEXT,               -- e.g., 'Shah Alam', 'Petaling Jaya'
    state TEXT,              -- e.g., 'Selangor', 'Kuala Lumpur'
    postal_code TEXT,
    maps_url TEXT,
    location_category TEXT,  -- e.g., 'Mall', 'Stand Alone', 'Petrol Station'
    source TEXT,
    fetched_at TIMESTAMP
);

Rules:
1. Use ILIKE for case-insensitive text search
2. Use %% wildcards for partial matches
3. Always limit results to 20 unless counting
4. Only return SELECT queries against the outlets table
5. For location queries, search city, state, or address
6. For category queries, use location_category
7. For map/URL requests, include maps_url in the SELECT list
8. For "how many" style questions, use SELECT COUNT(*) AS count
9. Return ONLY raw SQL - no markdown, no code blocks, no explanations

Examples:
Q: "Show me outlets in malls"
A: SELECT * FROM outlets WHERE location_category ILIKE '%%mall%%' LIMIT 20

Q: "Find outlets in Shah Alam"
A: SELECT * FROM outlets WHERE city ILIKE 'Shah Alam' LIMIT 20

Q: "How many outlets in Selangor?"
A: SELECT COUNT(*) AS count FROM outlets WHERE state ILIKE 'Selangor'

Q: "Give me the map location for outlets in Subang"
A: SELECT name, address, city, state, maps_url FROM outlets WHERE city ILIKE '%%Subang%%' LIMIT 20

Question: %s`

var (
	forbiddenVerbRe = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|GRANT)\b`)
	tableRefRe      = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	limitRe         = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
	countShapeRe    = regexp.MustCompile(`(?i)\bCOUNT\s*\(`)
	locationHintRe  = regexp.MustCompile(`(?i)\b(?:in|at|near|around)\s+([a-zA-Z][a-zA-Z' ]*[a-zA-Z])`)
	sqlFenceRe      = regexp.MustCompile("(?s)```(?:sql)?|```")
)

// Answer runs the full gate pipeline. At most one SQL regeneration is
// attempted, whether the first statement failed validation or execution;
// a second failure degrades to KindError with a safe explanation.
func (g *Gate) Answer(ctx context.Context, question string) Result {
	statement, err := g.generate(ctx, question, "")
	if err != nil {
		slog.Warn("outlet SQL generation failed", "error", err)
		return errorResult("", fmt.Sprintf("SQL generation failed: %v", err))
	}

	retried := false
	if err := ValidateSQL(statement); err != nil {
		slog.Warn("generated SQL rejected", "sql", statement, "error", err)
		retried = true
		statement, err = g.regenerate(ctx, question, statement, err)
		if err != nil {
			return errorResult(statement, err.Error())
		}
	}

	statement = ensureLimit(statement)

	rows, err := g.store.Select(ctx, statement)
	if err != nil && !retried {
		slog.Warn("outlet query failed, regenerating once", "sql", statement, "error", err)
		regenerated, regenErr := g.regenerate(ctx, question, statement, err)
		if regenErr != nil {
			return errorResult(regenerated, regenErr.Error())
		}
		statement = ensureLimit(regenerated)
		rows, err = g.store.Select(ctx, statement)
	}
	if err != nil {
		slog.Warn("outlet query failed", "sql", statement, "error", err)
		return errorResult(statement, fmt.Sprintf("query execution failed: %v", err))
	}

	return classify(question, statement, rows)
}

// regenerate asks for a corrected statement with the failure appended as
// context, then re-validates.
func (g *Gate) regenerate(ctx context.Context, question, previous string, cause error) (string, error) {
	addendum := fmt.Sprintf("\n\nYour previous query was rejected:\n%s\nError: %v\nGenerate a corrected query.", previous, cause)
	statement, err := g.generate(ctx, question, addendum)
	if err != nil {
		return "", fmt.Errorf("SQL regeneration failed: %w", err)
	}
	if err := ValidateSQL(statement); err != nil {
		return statement, fmt.Errorf("regenerated SQL rejected: %w", err)
	}
	return statement, nil
}

func (g *Gate) generate(ctx context.Context, question, addendum string) (string, error) {
	prompt := fmt.Sprintf(sqlPromptTemplate, question) + addendum
	raw, err := g.llm.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return CleanSQL(raw), nil
}

// CleanSQL strips markdown fences and surrounding whitespace from model
// output.
func CleanSQL(raw string) string {
	return strings.TrimSpace(sqlFenceRe.ReplaceAllString(raw, ""))
}

// ValidateSQL is the safety predicate: the statement must be a single
// SELECT referencing only the outlets table, with no destructive verbs.
func ValidateSQL(statement string) error {
	s := strings.TrimSpace(statement)
	if s == "" {
		return fmt.Errorf("empty statement")
	}

	s = strings.TrimSuffix(s, ";")
	if strings.Contains(s, ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}

	if !strings.HasPrefix(strings.ToUpper(s), "SELECT") {
		return fmt.Errorf("only SELECT statements are allowed")
	}

	if m := forbiddenVerbRe.FindString(s); m != "" {
		return fmt.Errorf("forbidden keyword %q", strings.ToUpper(m))
	}

	tables := tableRefRe.FindAllStringSubmatch(s, -1)
	if len(tables) == 0 {
		return fmt.Errorf("no table reference found")
	}
	for _, t := range tables {
		if !strings.EqualFold(t[1], "outlets") {
			return fmt.Errorf("table %q is not allowed", t[1])
		}
	}
	return nil
}

// ensureLimit caps row lists; count queries pass through unchanged.
func ensureLimit(statement string) string {
	s := strings.TrimSuffix(strings.TrimSpace(statement), ";")
	if countShapeRe.MatchString(s) || limitRe.MatchString(s) {
		return s
	}
	return s + fmt.Sprintf(" LIMIT %d", listLimit)
}

func errorResult(statement, message string) Result {
	return Result{
		Kind:         KindError,
		Formatted:    apology,
		SQL:          statement,
		ErrorMessage: message,
	}
}

// classify shapes rows into the result kinds and their formatted text.
func classify(question, statement string, rows []map[string]any) Result {
	if count, ok := countValue(rows); ok {
		return Result{
			Kind:      KindCount,
			Count:     count,
			Formatted: formatCount(question, count),
			SQL:       statement,
		}
	}

	switch len(rows) {
	case 0:
		return Result{
			Kind:      KindEmpty,
			Formatted: "No outlets found matching your query.",
			SQL:       statement,
		}
	case 1:
		return Result{
			Kind:      KindSingle,
			Rows:      rows,
			Count:     1,
			Formatted: formatOutletLine(rows[0], wantsMap(question)),
			SQL:       statement,
		}
	default:
		return Result{
			Kind:      KindList,
			Rows:      rows,
			Count:     len(rows),
			Formatted: formatList(rows, wantsMap(question)),
			SQL:       statement,
		}
	}
}

// countValue detects the COUNT(*) AS count shape: a single row whose only
// interesting column is the count.
func countValue(rows []map[string]any) (int, bool) {
	if len(rows) != 1 {
		return 0, false
	}
	v, ok := rows[0]["count"]
	if !ok || len(rows[0]) != 1 {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func formatCount(question string, count int) string {
	if m := locationHintRe.FindStringSubmatch(question); m != nil {
		return fmt.Sprintf("There are %d outlets in %s.", count, strings.TrimSpace(m[1]))
	}
	return fmt.Sprintf("There are %d outlets matching your criteria.", count)
}

func formatList(rows []map[string]any, withMap bool) string {
	shown := rows
	header := ""
	if len(rows) > 10 {
		shown = rows[:5]
		header = fmt.Sprintf("Found %d outlets total. Here are the first 5:\n\n", len(rows))
	}

	lines := make([]string, 0, len(shown))
	for _, row := range shown {
		lines = append(lines, formatOutletLine(row, withMap))
	}
	return header + strings.Join(lines, "\n")
}

func formatOutletLine(row map[string]any, withMap bool) string {
	line := fmt.Sprintf("• %s - %s (%s, %s)",
		stringField(row, "name"),
		stringField(row, "address"),
		stringField(row, "city"),
		stringField(row, "state"))
	if withMap {
		line += "\n  📍 Map: " + stringField(row, "maps_url")
	}
	return line
}

func stringField(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok || v == nil {
		return "N/A"
	}
	s := fmt.Sprint(v)
	if s == "" {
		return "N/A"
	}
	return s
}

func wantsMap(question string) bool {
	lower := strings.ToLower(question)
	for _, hint := range []string{"map", "direction", "google", "link", "url"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
