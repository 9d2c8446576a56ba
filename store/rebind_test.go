package store

import "testing"

func TestRebind(t *testing.T) {
	pg := NewSQLStore(nil, DialectPostgres)
	got := pg.rebind(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	if want := `UPDATE t SET a = $1, b = $2 WHERE id = $3`; got != want {
		t.Fatalf("want %q got %q", want, got)
	}
	lite := NewSQLStore(nil, DialectSQLite)
	if got := lite.rebind(`SELECT ?`); got != `SELECT ?` {
		t.Fatalf("sqlite query must be untouched, got %q", got)
	}
	if DialectFor("pgx") != DialectPostgres || DialectFor("sqlite") != DialectSQLite {
		t.Fatalf("unexpected dialect mapping")
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (x INT);\n\nCREATE INDEX i ON a (x);\n")
	if len(stmts) != 2 {
		t.Fatalf("want 2 statements, got %d: %q", len(stmts), stmts)
	}
}
