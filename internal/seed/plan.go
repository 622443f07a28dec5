package seed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PlanChange is one deployable change of a plan
type PlanChange struct {
	Name     string   `yaml:"name"`
	File     string   `yaml:"file,omitempty"`     // relative to the plan; default deploy/<name>.sql
	Requires []string `yaml:"requires,omitempty"` // changes that must be deployed first
}

// PlanFile is a seed plan manifest
type PlanFile struct {
	Project string       `yaml:"project,omitempty"`
	Changes []PlanChange `yaml:"changes"`

	dir string
}

// LoadPlan reads and validates a plan manifest
func LoadPlan(path string) (*PlanFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var plan PlanFile
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	plan.dir = filepath.Dir(path)

	if _, err := plan.Order(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Order returns the changes in deployment order. Among changes whose requirements
// are met, the one listed first is deployed first.
func (p *PlanFile) Order() ([]PlanChange, error) {
	index := make(map[string]int, len(p.Changes))
	for i, c := range p.Changes {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: change %d has no name", ErrInvalidPlan, i)
		}
		if _, dup := index[c.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate change %q", ErrInvalidPlan, c.Name)
		}
		index[c.Name] = i
	}
	for _, c := range p.Changes {
		for _, r := range c.Requires {
			if _, ok := index[r]; !ok {
				return nil, fmt.Errorf("%w: change %q requires unknown change %q", ErrInvalidPlan, c.Name, r)
			}
		}
	}

	deployed := make(map[string]bool, len(p.Changes))
	ordered := make([]PlanChange, 0, len(p.Changes))
	for len(ordered) < len(p.Changes) {
		progressed := false
		for _, c := range p.Changes {
			if deployed[c.Name] || !requirementsMet(c, deployed) {
				continue
			}
			deployed[c.Name] = true
			ordered = append(ordered, c)
			progressed = true
			break
		}
		if !progressed {
			var stuck []string
			for _, c := range p.Changes {
				if !deployed[c.Name] {
					stuck = append(stuck, c.Name)
				}
			}
			return nil, fmt.Errorf("%w: dependency cycle among %v", ErrInvalidPlan, stuck)
		}
	}
	return ordered, nil
}

func requirementsMet(c PlanChange, deployed map[string]bool) bool {
	for _, r := range c.Requires {
		if !deployed[r] {
			return false
		}
	}
	return true
}

// FilePath returns the SQL file of change c
func (p *PlanFile) FilePath(c PlanChange) string {
	file := c.File
	if file == "" {
		file = filepath.Join("deploy", c.Name+".sql")
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(p.dir, file)
}

type planSeeder struct {
	path string
}

// Plan deploys the changes of a plan manifest in dependency order,
// each change in its own transaction
func Plan(path string) Seeder {
	return &planSeeder{path: path}
}

func (s *planSeeder) Name() string {
	return "plan:" + s.path
}

func (s *planSeeder) Seed(ctx context.Context, t Target) error {
	plan, err := LoadPlan(s.path)
	if err != nil {
		return err
	}
	changes, err := plan.Order()
	if err != nil {
		return err
	}
	for _, c := range changes {
		f, err := readFile(nil, plan.FilePath(c))
		if err != nil {
			return fmt.Errorf("change %q: %w", c.Name, err)
		}
		f.Name = c.Name
		if err := ExecFile(ctx, t.Conn, f); err != nil {
			return fmt.Errorf("change %q: %w", c.Name, err)
		}
	}
	return nil
}
