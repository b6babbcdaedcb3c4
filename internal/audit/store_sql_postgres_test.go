package audit

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// TestRegisterNodeRebindsPlaceholdersForPostgres exercises SQLStore's "?" ->
// "$N" rebinding against a real postgres-driver insert path, without a live
// database — the same role go-sqlmock plays in the teacher's own store
// tests (sqlite is used everywhere else in this package since it needs no
// mock, but the rebind logic itself is only exercised on the postgres
// driver name, which the sqlite-backed tests never select).
func TestRegisterNodeRebindsPlaceholdersForPostgres(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	store := NewSQLStore(db, "postgres")

	mock.ExpectExec(regexp.QuoteMeta(
		`INSERT INTO nodes (node_id, run_id, label, type, plugin_name, plugin_version, config_hash, determinism)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)).
		WithArgs("node-1", "run-1", "src", NodeSource, "csv", "1", "hash", Deterministic).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.RegisterNode(context.Background(), Node{
		NodeID:        "node-1",
		RunID:         "run-1",
		Label:         "src",
		Type:          NodeSource,
		PluginName:    "csv",
		PluginVersion: "1",
		ConfigHash:    "hash",
		Determinism:   Deterministic,
	})
	if err != nil {
		t.Fatalf("RegisterNode with postgres rebind failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
