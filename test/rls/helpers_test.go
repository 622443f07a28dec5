package rls_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/fluxbase-eu/pgtest"
)

const (
	aliceID = "00000000-0000-0000-0000-000000000001"
	bobID   = "00000000-0000-0000-0000-000000000002"
	ownerID = "00000000-0000-0000-0000-0000000000a1"

	seedFile = "testdata/seed/seed-data.sql"
	seedPlan = "testdata/seed/plan.yaml"
)

// testConfig loads pgtest.yaml next to the tests and skips when no server is reachable
func testConfig(t *testing.T) *pgtest.Config {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	cfg, err := pgtest.LoadConfig()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, cfg.Database.AdminURL())
	if err != nil {
		t.Skipf("Skipping integration test: PostgreSQL not reachable: %v", err)
	}
	_ = conn.Close(ctx)

	return cfg
}

// insertUser creates a user through the privileged client and returns its id
func insertUser(t *testing.T, c *pgtest.Client, email string) string {
	t.Helper()
	row, err := c.One(context.Background(),
		`INSERT INTO auth.users (email) VALUES ($1) RETURNING id`, email)
	require.NoError(t, err)
	return row.String("id")
}

// actAs switches the scoped client to an authenticated user
func actAs(t *testing.T, c *pgtest.Client, userID string) {
	t.Helper()
	require.NoError(t, c.SetContextMap(context.Background(), map[string]string{
		"role":                    "authenticated",
		"request.jwt.claim.sub":   userID,
		"request.jwt.claim.email": userID + "@example.com",
	}))
}

// signToken signs claims with HS256
func signToken(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims))
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}
