// Package migrations exposes the embedded ingress schema per SQL dialect. The
// postgres files live in data/sql/migrations and the sqlite variants in its
// sqlite/ subdirectory; both trees must describe the same numbered steps and
// create every table the stores use.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"

	ingress "github.com/goliatone/go-ingress"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const rootDir = "data/sql/migrations"

// Tables lists every table read or written by store/sql.
var Tables = []string{
	"ingress_integrations",
	"ingress_tenant_secrets",
	"ingress_inbound_events",
	"ingress_outbound_jobs",
	"ingress_job_locks",
	"ingress_job_runs",
	"ingress_rate_limit_state",
}

var dialectDirs = map[string]string{
	DialectPostgres: rootDir,
	DialectSQLite:   rootDir + "/sqlite",
}

// Schema is one dialect's migration tree. Steps are the migration base names
// in apply order, e.g. "00002_ingress_inbound_events".
type Schema struct {
	Dialect string
	Dir     string
	FS      fs.FS
	Steps   []string
}

// RegisterFunc hands a dialect's migration filesystem to a migrator, such as
// a go-persistence-bun client's RegisterSQLMigrations.
type RegisterFunc func(ctx context.Context, dialect string, fsys fs.FS) error

// Load returns the validated embedded schema for the given dialects, or for
// every dialect when none are named.
func Load(dialects ...string) ([]Schema, error) {
	return LoadFrom(ingress.GetMigrationsFS(), dialects...)
}

// LoadFrom is Load over an arbitrary migration tree rooted like the embedded
// one.
func LoadFrom(root fs.FS, dialects ...string) ([]Schema, error) {
	wanted, err := normalizeDialects(dialects)
	if err != nil {
		return nil, err
	}

	all := make(map[string]Schema, len(dialectDirs))
	for _, dialect := range []string{DialectPostgres, DialectSQLite} {
		schema, err := loadDialect(root, dialect)
		if err != nil {
			return nil, err
		}
		all[dialect] = schema
	}
	if !slices.Equal(all[DialectPostgres].Steps, all[DialectSQLite].Steps) {
		return nil, fmt.Errorf(
			"migrations: postgres steps %v do not match sqlite steps %v",
			all[DialectPostgres].Steps, all[DialectSQLite].Steps,
		)
	}

	out := make([]Schema, 0, len(wanted))
	for _, dialect := range wanted {
		out = append(out, all[dialect])
	}
	return out, nil
}

// Register validates the schema and passes each requested dialect to fn.
func Register(ctx context.Context, fn RegisterFunc, dialects ...string) ([]Schema, error) {
	if fn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	schemas, err := Load(dialects...)
	if err != nil {
		return nil, err
	}
	for _, schema := range schemas {
		if err := fn(ctx, schema.Dialect, schema.FS); err != nil {
			return schemas, fmt.Errorf("migrations: register %s (%s): %w", schema.Dialect, schema.Dir, err)
		}
	}
	return schemas, nil
}

func loadDialect(root fs.FS, dialect string) (Schema, error) {
	dir := dialectDirs[dialect]
	sub, err := fs.Sub(root, dir)
	if err != nil {
		return Schema{}, fmt.Errorf("migrations: %s: %w", dir, err)
	}
	ups, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return Schema{}, fmt.Errorf("migrations: glob %s: %w", dir, err)
	}
	if len(ups) == 0 {
		return Schema{}, fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	slices.Sort(ups)

	schema := Schema{Dialect: dialect, Dir: dir, FS: sub}
	var created strings.Builder
	for i, up := range ups {
		step := strings.TrimSuffix(up, ".up.sql")
		if err := checkStepNumber(step, i+1); err != nil {
			return Schema{}, fmt.Errorf("migrations: %s: %w", dir, err)
		}
		upSQL, err := readStatement(sub, up)
		if err != nil {
			return Schema{}, fmt.Errorf("migrations: %s: %w", dir, err)
		}
		if _, err := readStatement(sub, step+".down.sql"); err != nil {
			return Schema{}, fmt.Errorf("migrations: %s: %w", dir, err)
		}
		created.WriteString(strings.ToLower(upSQL))
		created.WriteByte('\n')
		schema.Steps = append(schema.Steps, step)
	}

	ddl := created.String()
	for _, table := range Tables {
		if !strings.Contains(ddl, "create table if not exists "+table+" ") {
			return Schema{}, fmt.Errorf("migrations: %s never creates table %s", dir, table)
		}
	}
	return schema, nil
}

// checkStepNumber requires steps to be numbered 00001, 00002, ... with no
// gaps, so both dialects apply in the same order.
func checkStepNumber(step string, want int) error {
	prefix, _, ok := strings.Cut(step, "_")
	if !ok || len(prefix) != 5 {
		return fmt.Errorf("step %q is not named NNNNN_description", step)
	}
	got, err := strconv.Atoi(prefix)
	if err != nil || got != want {
		return fmt.Errorf("step %q is out of sequence, expected %05d", step, want)
	}
	return nil
}

func readStatement(fsys fs.FS, name string) (string, error) {
	content, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(content)) == "" {
		return "", fmt.Errorf("%s is empty", name)
	}
	return string(content), nil
}

func normalizeDialects(dialects []string) ([]string, error) {
	if len(dialects) == 0 {
		return []string{DialectPostgres, DialectSQLite}, nil
	}
	out := make([]string, 0, len(dialects))
	for _, dialect := range dialects {
		dialect = strings.TrimSpace(strings.ToLower(dialect))
		if _, ok := dialectDirs[dialect]; !ok {
			return nil, fmt.Errorf("migrations: unsupported dialect %q", dialect)
		}
		if !slices.Contains(out, dialect) {
			out = append(out, dialect)
		}
	}
	return out, nil
}
