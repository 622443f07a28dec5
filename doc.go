// Package pgtest provisions an isolated PostgreSQL database per test suite and
// runs every test inside a rollback-only transactional scope.
//
// A suite owns two connections to its ephemeral database. The privileged client
// connects as the configured superuser and is used for fixture setup and
// verification. The scoped client connects as an unprivileged login role that is
// a member of the configured session roles, so row-level security policies apply
// to it. Tests impersonate identities with SetContext; the role and claims are
// applied transaction-locally and disappear when the enclosing scope rolls back.
//
//	func TestPets(t *testing.T) {
//		suite := pgtest.Setup(t, nil, pgtest.SQLFile("testdata/seed.sql"))
//
//		t.Run("owner sees own pet", func(t *testing.T) {
//			suite.Each(t)
//			ctx := context.Background()
//
//			err := suite.Scoped().SetContextMap(ctx, map[string]string{
//				"role":                  "authenticated",
//				"request.jwt.claim.sub": userID,
//			})
//			require.NoError(t, err)
//
//			rows, err := suite.Scoped().Any(ctx, "SELECT id FROM rls_test.pets WHERE user_id = $1", userID)
//			require.NoError(t, err)
//			assert.Len(t, rows, 1)
//		})
//	}
//
// Seeders run once per suite on the privileged connection before the first test;
// their data persists until teardown drops the database.
package pgtest
