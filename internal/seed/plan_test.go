package seed

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(changes []PlanChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Name
	}
	return out
}

func TestPlanFile_Order(t *testing.T) {
	tests := []struct {
		name    string
		changes []PlanChange
		want    []string
		wantErr string
	}{
		{
			name:    "listing order without requirements",
			changes: []PlanChange{{Name: "a"}, {Name: "b"}, {Name: "c"}},
			want:    []string{"a", "b", "c"},
		},
		{
			name: "requirements move changes later",
			changes: []PlanChange{
				{Name: "pets", Requires: []string{"users"}},
				{Name: "schema"},
				{Name: "users", Requires: []string{"schema"}},
			},
			want: []string{"schema", "users", "pets"},
		},
		{
			name: "stable among ready changes",
			changes: []PlanChange{
				{Name: "schema"},
				{Name: "b", Requires: []string{"schema"}},
				{Name: "a", Requires: []string{"schema"}},
			},
			want: []string{"schema", "b", "a"},
		},
		{
			name:    "duplicate",
			changes: []PlanChange{{Name: "a"}, {Name: "a"}},
			wantErr: "duplicate change",
		},
		{
			name:    "unknown requirement",
			changes: []PlanChange{{Name: "a", Requires: []string{"ghost"}}},
			wantErr: "unknown change",
		},
		{
			name: "cycle",
			changes: []PlanChange{
				{Name: "root"},
				{Name: "a", Requires: []string{"b"}},
				{Name: "b", Requires: []string{"a"}},
			},
			wantErr: "dependency cycle among [a b]",
		},
		{
			name:    "unnamed",
			changes: []PlanChange{{File: "x.sql"}},
			wantErr: "has no name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &PlanFile{Changes: tt.changes}
			got, err := plan.Order()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPlan)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(got))
		})
	}
}

func TestPlan_Seed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pgtest.plan.yaml", `
project: rls-demo
changes:
  - name: pets
    requires: [schema]
  - name: schema
  - name: data
    file: extra/data.sql
    requires: [pets]
`)
	writeFile(t, dir, "deploy/schema.sql", "CREATE SCHEMA app")
	writeFile(t, dir, "deploy/pets.sql", "CREATE TABLE app.pets ()")
	writeFile(t, dir, "extra/data.sql", "INSERT INTO app.pets DEFAULT VALUES")

	plan, err := LoadPlan(filepath.Join(dir, "pgtest.plan.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "rls-demo", plan.Project)
	assert.Equal(t, filepath.Join(dir, "deploy", "schema.sql"), plan.FilePath(plan.Changes[1]))

	exec := &recordingExec{}
	require.NoError(t, Plan(filepath.Join(dir, "pgtest.plan.yaml")).Seed(context.Background(), Target{Conn: exec}))
	assert.Equal(t, []string{
		"BEGIN", "CREATE SCHEMA app", "COMMIT",
		"BEGIN", "CREATE TABLE app.pets ()", "COMMIT",
		"BEGIN", "INSERT INTO app.pets DEFAULT VALUES", "COMMIT",
	}, exec.statements)
}

func TestPlan_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPlan(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.yaml", "changes: [")
	_, err = LoadPlan(bad)
	assert.Error(t, err)

	cyclic := writeFile(t, dir, "cyclic.yaml", `
changes:
  - name: a
    requires: [a]
`)
	_, err = LoadPlan(cyclic)
	assert.ErrorIs(t, err, ErrInvalidPlan)

	missingFile := writeFile(t, dir, "nofile.yaml", "changes:\n  - name: ghost\n")
	err = Plan(missingFile).Seed(context.Background(), Target{Conn: &recordingExec{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `change "ghost"`)
}
