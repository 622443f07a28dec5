package seed

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/pgtest/internal/database"
)

// Target is the database a seeder writes to
type Target struct {
	Conn       database.Executor // privileged connection
	ConnString string            // privileged connection URL of Database
	Database   string
	Index      int // position of the seeder in its pipeline
}

// Seeder loads fixture data or schema into a freshly provisioned database
type Seeder interface {
	Name() string
	Seed(ctx context.Context, t Target) error
}

// File is one SQL unit
type File struct {
	Name    string // file name without extension, e.g. "001_users"
	Path    string
	Content string
}

// ExecFile runs f inside its own transaction on exec
func ExecFile(ctx context.Context, exec database.Executor, f File) error {
	start := time.Now()

	if _, err := exec.Exec(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := exec.Exec(ctx, f.Content); err != nil {
		if _, rbErr := exec.Exec(ctx, "ROLLBACK"); rbErr != nil {
			log.Warn().Err(rbErr).Str("seed", f.Name).Msg("Failed to rollback transaction")
		}
		return fmt.Errorf("%s: SQL execution failed: %w", f.Path, err)
	}

	if _, err := exec.Exec(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("%s: failed to commit transaction: %w", f.Path, err)
	}

	log.Debug().
		Str("seed", f.Name).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("Seed file executed successfully")

	return nil
}

func readFile(fsys fs.FS, path string) (File, error) {
	var (
		content []byte
		err     error
	)
	if fsys != nil {
		content, err = fs.ReadFile(fsys, path)
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return File{}, fmt.Errorf("failed to read seed file: %w", err)
	}
	base := filepath.Base(path)
	return File{
		Name:    strings.TrimSuffix(base, filepath.Ext(base)),
		Path:    path,
		Content: string(content),
	}, nil
}

// =============================================================================
// SQL files
// =============================================================================

type sqlFiles struct {
	paths []string
}

// SQLFile runs the given SQL files in order, each in its own transaction
func SQLFile(paths ...string) Seeder {
	return &sqlFiles{paths: paths}
}

func (s *sqlFiles) Name() string {
	names := make([]string, len(s.paths))
	for i, p := range s.paths {
		names[i] = filepath.Base(p)
	}
	return "sql:" + strings.Join(names, ",")
}

func (s *sqlFiles) Seed(ctx context.Context, t Target) error {
	for _, p := range s.paths {
		f, err := readFile(nil, p)
		if err != nil {
			return err
		}
		if err := ExecFile(ctx, t.Conn, f); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Directory
// =============================================================================

type directory struct {
	dir string
	fs  fs.FS
}

// Directory runs every *.sql file of dir in lexical order
func Directory(dir string) Seeder {
	return &directory{dir: dir}
}

// DirectoryFS runs every *.sql file of dir inside fsys in lexical order
func DirectoryFS(fsys fs.FS, dir string) Seeder {
	return &directory{dir: dir, fs: fsys}
}

func (d *directory) Name() string {
	return "dir:" + d.dir
}

func (d *directory) Seed(ctx context.Context, t Target) error {
	files, err := DiscoverFiles(d.fs, d.dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.Warn().Str("path", d.dir).Msg("No seed files found")
		return nil
	}
	for _, f := range files {
		if err := ExecFile(ctx, t.Conn, f); err != nil {
			return err
		}
	}
	return nil
}

// DiscoverFiles returns the *.sql files of dir sorted by name.
// A nil fsys reads from the operating system.
func DiscoverFiles(fsys fs.FS, dir string) ([]File, error) {
	var (
		entries []fs.DirEntry
		err     error
	)
	if fsys != nil {
		entries, err = fs.ReadDir(fsys, dir)
	} else {
		entries, err = os.ReadDir(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seeds directory: %w", err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var path string
		if fsys != nil {
			path = strings.TrimPrefix(dir+"/"+entry.Name(), "./")
		} else {
			path = filepath.Join(dir, entry.Name())
		}

		f, err := readFile(fsys, path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	// Lexicographic order ensures 001_ comes before 002_
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})

	log.Debug().Int("count", len(files)).Str("path", dir).Msg("Discovered seed files")

	return files, nil
}

// =============================================================================
// Migrations
// =============================================================================

// MigrationsTable prefixes the version tables of Migrate seeders. Each seeder
// tracks its versions separately, so sources numbered from 1 do not collide.
const MigrationsTable = "pgtest_seed_migrations"

// migrationsTable names the version table of src at pipeline position index
func migrationsTable(index int, src database.MigrationSource) string {
	sum := uuid.NewSHA1(uuid.NameSpaceOID, []byte(src.String()))
	return fmt.Sprintf("%s_%d_%s", MigrationsTable, index, strings.ReplaceAll(sum.String(), "-", "")[:8])
}

type migrations struct {
	src database.MigrationSource
}

// Migrate applies golang-migrate up migrations from dir
func Migrate(dir string) Seeder {
	return &migrations{src: database.MigrationSource{Dir: dir}}
}

// MigrateFS applies golang-migrate up migrations from dir inside fsys
func MigrateFS(fsys fs.FS, dir string) Seeder {
	return &migrations{src: database.MigrationSource{FS: fsys, Path: dir}}
}

func (m *migrations) Name() string {
	return "migrate:" + m.src.String()
}

func (m *migrations) Seed(ctx context.Context, t Target) error {
	if t.ConnString == "" {
		return fmt.Errorf("migrate seeder requires a connection string")
	}
	_, err := database.RunMigrations(ctx, t.ConnString, m.src, migrationsTable(t.Index, m.src))
	return err
}

// =============================================================================
// Functions
// =============================================================================

type funcSeeder struct {
	name string
	fn   func(ctx context.Context, t Target) error
}

// Func wraps fn as a seeder
func Func(name string, fn func(ctx context.Context, t Target) error) Seeder {
	return &funcSeeder{name: name, fn: fn}
}

func (f *funcSeeder) Name() string {
	return f.name
}

func (f *funcSeeder) Seed(ctx context.Context, t Target) error {
	return f.fn(ctx, t)
}
