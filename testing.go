package pgtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

// Setup acquires a suite for t and tears it down when t and its subtests finish
func Setup(t testing.TB, cfg *Config, seeders ...Seeder) *Suite {
	t.Helper()

	s, err := Acquire(context.Background(), cfg, seeders...)
	if err != nil {
		t.Fatalf("pgtest: acquire suite: %v", err)
	}
	t.Cleanup(func() {
		s.Teardown(context.Background())
	})
	return s
}

// Each opens a test scope on both clients and registers the rollback with
// t.Cleanup, so it runs however the test exits
func (s *Suite) Each(t testing.TB) {
	t.Helper()
	ctx := context.Background()

	for _, c := range []*Client{s.privileged, s.scoped} {
		if err := c.BeforeEach(ctx); err != nil {
			t.Fatalf("pgtest: %s: begin test: %v", c.Name(), err)
		}
		t.Cleanup(func() {
			if err := c.AfterEach(ctx); err != nil {
				t.Errorf("pgtest: %s: end test: %v", c.Name(), err)
			}
		})
	}
}

// TestSuite plugs a harness suite into testify's suite runner. Embed it and set
// Seeders (and optionally Config) before suite.Run:
//
//	type PetsSuite struct{ pgtest.TestSuite }
//
//	func TestPets(t *testing.T) {
//		suite.Run(t, &PetsSuite{TestSuite: pgtest.TestSuite{Seeders: []pgtest.Seeder{...}}})
//	}
type TestSuite struct {
	suite.Suite

	Config  *Config
	Options Options
	Seeders []Seeder

	// DB is the harness suite, available from SetupSuite on
	DB *Suite
}

// SetupSuite acquires the harness suite
func (ts *TestSuite) SetupSuite() {
	s, err := AcquireWith(context.Background(), ts.Config, ts.Options, ts.Seeders...)
	ts.Require().NoError(err, "acquire suite")
	ts.DB = s
}

// TearDownSuite tears the harness suite down
func (ts *TestSuite) TearDownSuite() {
	if ts.DB != nil {
		ts.DB.Teardown(context.Background())
	}
}

// SetupTest opens the test scope on both clients
func (ts *TestSuite) SetupTest() {
	ctx := context.Background()
	ts.Require().NoError(ts.DB.Privileged().BeforeEach(ctx))
	ts.Require().NoError(ts.DB.Scoped().BeforeEach(ctx))
}

// TearDownTest rolls the test scope back on both clients
func (ts *TestSuite) TearDownTest() {
	ctx := context.Background()
	ts.Assert().NoError(ts.DB.Scoped().AfterEach(ctx))
	ts.Assert().NoError(ts.DB.Privileged().AfterEach(ctx))
}

// Privileged returns the privileged client of the harness suite
func (ts *TestSuite) Privileged() *Client {
	return ts.DB.Privileged()
}

// Scoped returns the scoped client of the harness suite
func (ts *TestSuite) Scoped() *Client {
	return ts.DB.Scoped()
}
