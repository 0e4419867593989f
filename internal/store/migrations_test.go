package store

import (
	"strings"
	"testing"
)

func TestLoadMigrationFiles(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	first := files[0]
	if first.version != "0001" {
		t.Fatalf("unexpected first version: %s", first.version)
	}
	if len(first.statements) != 3 {
		t.Fatalf("expected 3 statements in init migration, got %d", len(first.statements))
	}
	for _, stmt := range first.statements {
		if !strings.HasPrefix(stmt, "CREATE TABLE") {
			t.Fatalf("unexpected statement: %q", stmt)
		}
	}
}

func TestSplitSQLStatements(t *testing.T) {
	statements := splitSQLStatements("CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n")
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(statements))
	}
	if statements[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("unexpected statement: %q", statements[1])
	}
	if got := splitSQLStatements("  \n ; ; "); len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_init.sql": "0001",
		"0002.sql":      "0002",
		"plain":         "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}
