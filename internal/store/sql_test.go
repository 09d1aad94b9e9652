package store

import (
	"errors"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

func TestJSONScanValue(t *testing.T) {
	var j JSON
	if err := j.Scan([]byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if string(j) != `{"a":1}` {
		t.Errorf("scan = %s", j)
	}
	if err := j.Scan("{}"); err != nil {
		t.Fatal(err)
	}
	v, err := j.Value()
	if err != nil || string(v.([]byte)) != "{}" {
		t.Errorf("value = %v, %v", v, err)
	}
	var empty JSON
	v, _ = empty.Value()
	if string(v.([]byte)) != "{}" {
		t.Errorf("empty value = %v", v)
	}
	if err := j.Scan(42); err == nil {
		t.Error("scanning an int should fail")
	}
}

func TestTranslateUniquePostgres(t *testing.T) {
	err := translateUnique(&pq.Error{Code: "23505", Constraint: "scim_users_user_name_uniq"})
	var ue *UniquenessError
	if !errors.As(err, &ue) || ue.Attribute != "userName" {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, ErrUniqueness) {
		t.Error("should match ErrUniqueness")
	}

	err = translateUnique(&pq.Error{Code: "23505", Constraint: "scim_groups_display_name_uniq"})
	if !errors.As(err, &ue) || ue.Attribute != "displayName" {
		t.Fatalf("err = %v", err)
	}

	// Other codes pass through unchanged.
	orig := &pq.Error{Code: "23503"}
	if got := translateUnique(orig); got != error(orig) {
		t.Errorf("non-unique error rewritten: %v", got)
	}
}

func TestTranslateUniqueSQLite(t *testing.T) {
	err := translateUnique(sqlite3.Error{
		Code:         sqlite3.ErrConstraint,
		ExtendedCode: sqlite3.ErrConstraintUnique,
	})
	if !errors.Is(err, ErrUniqueness) {
		t.Fatalf("err = %v", err)
	}
	if translateUnique(nil) != nil {
		t.Error("nil should stay nil")
	}
}

func TestBuildWhere(t *testing.T) {
	where, args := buildWhere(Query{}, 7)
	if where != "tenant_id = ?" || len(args) != 1 || args[0] != 7 {
		t.Errorf("got %q %v", where, args)
	}
	where, args = buildWhere(Query{Where: "LOWER(user_name) = LOWER(?)", Args: []any{"john"}}, 7)
	if where != "tenant_id = ? AND (LOWER(user_name) = LOWER(?))" {
		t.Errorf("got %q", where)
	}
	if len(args) != 2 || args[1] != "john" {
		t.Errorf("args = %v", args)
	}
}

func TestAppendRange(t *testing.T) {
	q, args := appendRange("SELECT 1", nil, Query{Limit: 10, Offset: 20})
	if !strings.HasSuffix(q, " LIMIT ? OFFSET ?") || len(args) != 2 {
		t.Errorf("got %q %v", q, args)
	}
	q, args = appendRange("SELECT 1", nil, Query{Limit: -1})
	if strings.Contains(q, "LIMIT") || len(args) != 0 {
		t.Errorf("negative limit should add nothing: %q", q)
	}
}

func TestSchemaStatementsSplit(t *testing.T) {
	stmts := splitStatements(postgresSchema)
	if len(stmts) < 8 {
		t.Errorf("postgres schema has %d statements", len(stmts))
	}
	for _, stmt := range stmts {
		up := strings.ToUpper(stmt)
		if !strings.Contains(up, "CREATE TABLE") && !strings.Contains(up, "CREATE UNIQUE INDEX") && !strings.Contains(up, "CREATE INDEX") {
			t.Errorf("unexpected statement: %s", stmt)
		}
	}
}
