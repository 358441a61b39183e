package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresChecker checks Postgres reachability and database readiness
type PostgresChecker struct {
	User     string
	Password string
	Database string
	Port     int
}

// Check pings Postgres and runs a trivial query
func (c *PostgresChecker) Check(ctx context.Context, address string) *CheckResult {
	result := newResult("postgres")

	start := time.Now()
	db, err := sql.Open("postgres", c.connString(address))
	if err != nil {
		return result.fail("unhealthy", "failed to open connection: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return result.fail("unhealthy", "ping failed: %v", err)
	}
	result.Latency = time.Since(start)

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return result.fail("degraded", "query failed: %v", err)
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err == nil {
		result.Metadata["version"] = version
	}

	result.OK = true
	result.Status = "healthy"
	result.Message = fmt.Sprintf("connected (latency: %v)", result.Latency)
	return result
}

// CheckDatabases confirms the named databases exist and allow connections
func (c *PostgresChecker) CheckDatabases(ctx context.Context, address string, databases []string) *CheckResult {
	result := newResult("postgres_databases")

	if len(databases) == 0 {
		result.OK = true
		result.Status = "healthy"
		result.Message = "no databases specified"
		return result
	}

	start := time.Now()
	db, err := sql.Open("postgres", c.connString(address))
	if err != nil {
		return result.fail("unhealthy", "failed to open connection: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var missing, denied []string
	for _, name := range databases {
		var allow bool
		err := db.QueryRowContext(ctx, "SELECT datallowconn FROM pg_database WHERE datname = $1", name).Scan(&allow)
		if err == sql.ErrNoRows {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return result.fail("unhealthy", "query failed for %s: %v", name, err)
		}
		if !allow {
			denied = append(denied, name)
		}
	}
	result.Latency = time.Since(start)

	if len(missing) > 0 || len(denied) > 0 {
		if len(missing) > 0 {
			result.Metadata["missing"] = strings.Join(missing, ",")
		}
		if len(denied) > 0 {
			result.Metadata["disallowed"] = strings.Join(denied, ",")
		}
		return result.fail("unhealthy", "database readiness failed (missing: %v, disallowed: %v)", missing, denied)
	}

	result.OK = true
	result.Status = "healthy"
	result.Message = fmt.Sprintf("databases ready (latency: %v)", result.Latency)
	return result
}

func (c *PostgresChecker) connString(address string) string {
	database := c.Database
	if database == "" {
		database = "postgres"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=5",
		address, port, c.User, c.Password, database)
}
