package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/feastly/cartsync/store"
	"github.com/feastly/cartsync/store/storetest"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CARTSYNC_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CARTSYNC_POSTGRES_DSN not set")
	}

	if err := Migrate(dsn); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool.New failed: %v", err)
	}
	t.Cleanup(pool.Close)

	storetest.Run(t, func(t *testing.T) store.Store {
		// The suite assumes an empty store; cascade clears the children.
		_, err := pool.Exec(context.Background(), `TRUNCATE cart_sessions CASCADE`)
		if err != nil {
			t.Fatalf("truncate failed: %v", err)
		}
		st, err := New(context.Background(), Config{Pool: pool})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return st
	})
}
