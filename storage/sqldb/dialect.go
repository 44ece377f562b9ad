package sqldb

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect holds the SQL differences between supported databases.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of ?.
	Numbered bool
	// Schema returns the DDL for the given table.
	Schema func(table string) string
}

// SQLite is the dialect for github.com/mattn/go-sqlite3.
var SQLite = Dialect{
	Name: "sqlite3",
	Schema: func(table string) string {
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id          TEXT NOT NULL,
    rev         TEXT NOT NULL,
    generation  INTEGER NOT NULL,
    doc_type    TEXT NOT NULL DEFAULT '',
    modified_at TEXT NOT NULL DEFAULT '',
    body        TEXT NOT NULL,
    created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id, rev)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_id ON %[1]s (id);
`, table)
	},
}

// Postgres is the dialect for github.com/lib/pq.
var Postgres = Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: func(table string) string {
		return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id          TEXT NOT NULL,
    rev         TEXT NOT NULL,
    generation  INTEGER NOT NULL,
    doc_type    TEXT NOT NULL DEFAULT '',
    modified_at TEXT NOT NULL DEFAULT '',
    body        JSONB NOT NULL,
    created_at  TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    PRIMARY KEY (id, rev)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_id ON %[1]s (id);

CREATE OR REPLACE FUNCTION %[1]s_notify_revision()
RETURNS TRIGGER AS $$
BEGIN
    PERFORM pg_notify(
        '%[1]s_revisions',
        json_build_object('id', NEW.id, 'rev', NEW.rev, 'generation', NEW.generation)::text
    );
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS %[1]s_notify_trigger ON %[1]s;
CREATE TRIGGER %[1]s_notify_trigger
    AFTER INSERT ON %[1]s
    FOR EACH ROW
    EXECUTE FUNCTION %[1]s_notify_revision();
`, table)
	},
}

// NotifyChannel is the LISTEN/NOTIFY channel the postgres schema
// publishes new revisions on.
func NotifyChannel(table string) string { return table + "_revisions" }

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidTableName reports whether name is safe to interpolate into SQL.
func ValidTableName(name string) bool {
	return identifier.MatchString(name)
}

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
