package steps

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// pgClient is the narrow Postgres surface the database step needs
type pgClient interface {
	DatabaseExists(ctx context.Context, name string) (bool, error)
	RoleExists(ctx context.Context, name string) (bool, error)
	CreateRole(ctx context.Context, name, password string) error
	AlterRolePassword(ctx context.Context, name, password string) error
	CreateDatabase(ctx context.Context, name, owner string) error
	GrantPrivileges(ctx context.Context, privileges, database, role string) error
	Close() error
}

// DatabaseStep ensures the declared database and role exist with the declared
// privileges. Creation is guarded; grants are reapplied unconditionally since
// GRANT is idempotent. Existing data is never dropped or altered.
type DatabaseStep struct {
	connect func(hc *HostContext) (pgClient, error)
}

// NewDatabaseStep returns a database step using a direct Postgres connection
func NewDatabaseStep() *DatabaseStep {
	return &DatabaseStep{connect: connectPostgres}
}

// Name implements Step
func (s *DatabaseStep) Name() string { return "database" }

// Plan reports one change when the declared database or role is absent. On a
// bare host where Postgres is not yet installed the connection fails; planning
// then optimistically reports the create, since the guarded Apply is safe
// either way once the packages step has run.
func (s *DatabaseStep) Plan(ctx context.Context, hc *HostContext) ([]Change, error) {
	db := hc.Manifest.Database

	client, err := s.connect(hc)
	if err != nil {
		installed, factErr := postgresServerInstalled(ctx, hc)
		if factErr == nil && !installed {
			return []Change{{
				Action: "create",
				Detail: fmt.Sprintf("database %s owned by %s", db.Name, db.User),
			}}, nil
		}
		return nil, &DatabaseProvisionError{newStepError(s.Name(), "",
			fmt.Errorf("failed to connect to postgres: %w", err))}
	}
	defer client.Close()

	dbExists, err := client.DatabaseExists(ctx, db.Name)
	if err != nil {
		return nil, &DatabaseProvisionError{newStepError(s.Name(), "", err)}
	}
	roleExists, err := client.RoleExists(ctx, db.User)
	if err != nil {
		return nil, &DatabaseProvisionError{newStepError(s.Name(), "", err)}
	}

	if dbExists && roleExists {
		return nil, nil
	}
	return []Change{{
		Action: "create",
		Detail: fmt.Sprintf("database %s owned by %s", db.Name, db.User),
	}}, nil
}

// Apply converges role, database and grants
func (s *DatabaseStep) Apply(ctx context.Context, hc *HostContext) error {
	db := hc.Manifest.Database

	client, err := s.connect(hc)
	if err != nil {
		return &DatabaseProvisionError{newStepError(s.Name(), "",
			fmt.Errorf("failed to connect to postgres: %w", err))}
	}
	defer client.Close()

	password := ""
	if db.PasswordVar != "" {
		password = hc.Secrets[db.PasswordVar].Reveal()
	}

	roleExists, err := client.RoleExists(ctx, db.User)
	if err != nil {
		return &DatabaseProvisionError{newStepError(s.Name(), "", err)}
	}
	if !roleExists {
		hc.Logger.WithField("role", db.User).Info("creating database role")
		if err := client.CreateRole(ctx, db.User, password); err != nil {
			return &DatabaseProvisionError{newStepError(s.Name(), "", err)}
		}
	} else if password != "" {
		if err := client.AlterRolePassword(ctx, db.User, password); err != nil {
			return &DatabaseProvisionError{newStepError(s.Name(), "", err)}
		}
	}

	dbExists, err := client.DatabaseExists(ctx, db.Name)
	if err != nil {
		return &DatabaseProvisionError{newStepError(s.Name(), "", err)}
	}
	if !dbExists {
		hc.Logger.WithField("database", db.Name).Info("creating database")
		if err := client.CreateDatabase(ctx, db.Name, db.User); err != nil {
			return &DatabaseProvisionError{newStepError(s.Name(), "", err)}
		}
	}

	if err := client.GrantPrivileges(ctx, db.Privileges, db.Name, db.User); err != nil {
		return &DatabaseProvisionError{newStepError(s.Name(), "", err)}
	}
	return nil
}

// postgresServerInstalled reports whether any Postgres server package is
// present, checking the metapackage and any versioned package the manifest
// declares (postgresql-16 and friends).
func postgresServerInstalled(ctx context.Context, hc *HostContext) (bool, error) {
	names := []string{"postgresql"}
	for _, pkg := range hc.Manifest.Packages {
		if pkg != "postgresql" && strings.HasPrefix(pkg, "postgresql") {
			names = append(names, pkg)
		}
	}
	for _, name := range names {
		installed, err := hc.Facts.PackageInstalled(ctx, name)
		if err != nil {
			return false, err
		}
		if installed {
			return true, nil
		}
	}
	return false, nil
}

// sqlPGClient implements pgClient over database/sql with the pq driver
type sqlPGClient struct {
	db *sql.DB
}

func connectPostgres(hc *HostContext) (pgClient, error) {
	cfg := hc.Manifest.Database

	address := hc.Host.Address
	if hc.Host.Local() {
		address = "127.0.0.1"
	}

	password := ""
	if secret, ok := hc.Secrets["PGPASSWORD"]; ok {
		password = secret.Reveal()
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=postgres sslmode=disable connect_timeout=5",
		address, cfg.Port, cfg.AdminUser)
	if password != "" {
		dsn += fmt.Sprintf(" password=%s", password)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &sqlPGClient{db: db}, nil
}

func (c *sqlPGClient) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, "SELECT 1 FROM pg_database WHERE datname = $1", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (c *sqlPGClient) RoleExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, "SELECT 1 FROM pg_roles WHERE rolname = $1", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (c *sqlPGClient) CreateRole(ctx context.Context, name, password string) error {
	stmt := fmt.Sprintf("CREATE ROLE %s LOGIN", pq.QuoteIdentifier(name))
	if password != "" {
		stmt += fmt.Sprintf(" PASSWORD %s", quoteLiteral(password))
	}
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func (c *sqlPGClient) AlterRolePassword(ctx context.Context, name, password string) error {
	stmt := fmt.Sprintf("ALTER ROLE %s WITH PASSWORD %s",
		pq.QuoteIdentifier(name), quoteLiteral(password))
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func (c *sqlPGClient) CreateDatabase(ctx context.Context, name, owner string) error {
	stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
		pq.QuoteIdentifier(name), pq.QuoteIdentifier(owner))
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func (c *sqlPGClient) GrantPrivileges(ctx context.Context, privileges, database, role string) error {
	if privileges == "" {
		privileges = "ALL"
	}
	stmt := fmt.Sprintf("GRANT %s ON DATABASE %s TO %s",
		sanitizePrivileges(privileges), pq.QuoteIdentifier(database), pq.QuoteIdentifier(role))
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func (c *sqlPGClient) Close() error {
	return c.db.Close()
}

// quoteLiteral escapes a string literal for embedding in DDL, which does not
// accept bind parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// sanitizePrivileges keeps only the privilege keywords Postgres accepts on a
// database object so manifest input cannot smuggle SQL into the GRANT.
func sanitizePrivileges(privileges string) string {
	allowed := map[string]bool{
		"ALL": true, "CONNECT": true, "CREATE": true, "TEMPORARY": true, "TEMP": true,
	}
	var kept []string
	for _, p := range strings.Split(strings.ToUpper(privileges), ",") {
		p = strings.TrimSpace(p)
		if allowed[p] {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "ALL"
	}
	return strings.Join(kept, ", ")
}
