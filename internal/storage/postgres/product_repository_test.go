package postgres

import (
	"strings"
	"testing"
)

func TestLockProductsQuery_CompatibleWithForeignKeyChecks(t *testing.T) {
	t.Parallel()

	if !strings.Contains(lockProductsQuery, "FOR NO KEY UPDATE") {
		t.Fatalf("products must be locked with FOR NO KEY UPDATE, got: %s", lockProductsQuery)
	}
	if !strings.Contains(lockProductsQuery, "ORDER BY id") {
		t.Fatalf("products must be locked in id order, got: %s", lockProductsQuery)
	}
}
