package scanner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jamesruggles/rlsguard/internal/database"
)

// Decrypter opens a stored credential blob.
type Decrypter interface {
	Decrypt(blob string) (string, error)
}

// PostgresDialer connects to a project's database with pgx. Every Dial opens a
// fresh connection that the caller closes when the scan ends.
type PostgresDialer struct {
	Host             string
	User             string
	Database         string
	SSLMode          string
	StatementTimeout time.Duration
	ConnectTimeout   time.Duration
	Secrets          Decrypter
}

func (d *PostgresDialer) Dial(ctx context.Context, project *database.Project) (Catalog, error) {
	cfg, err := d.connConfig(project)
	if err != nil {
		return nil, err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to project %s: %w", project.ID, err)
	}
	return &pgCatalog{conn: conn, timeout: d.statementTimeout()}, nil
}

func (d *PostgresDialer) statementTimeout() time.Duration {
	if d.StatementTimeout <= 0 {
		return 30 * time.Second
	}
	return d.StatementTimeout
}

// connConfig builds the pgx config. The password is decrypted here and set on
// the config directly; it never appears in the connection string.
func (d *PostgresDialer) connConfig(project *database.Project) (*pgx.ConnConfig, error) {
	user := firstNonEmpty(project.DBUser, d.User, "postgres")
	dbname := firstNonEmpty(project.DBName, d.Database, "postgres")
	port := project.DBPort
	if port <= 0 {
		port = 5432
	}
	connectTimeout := d.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	dsn := strings.Join([]string{
		connParam("host", firstNonEmpty(d.Host, "127.0.0.1")),
		connParam("port", strconv.Itoa(port)),
		connParam("user", user),
		connParam("dbname", dbname),
		connParam("sslmode", firstNonEmpty(d.SSLMode, "disable")),
		connParam("connect_timeout", strconv.Itoa(int(connectTimeout/time.Second))),
	}, " ")

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}

	if project.EncryptedPassword != "" {
		if d.Secrets == nil {
			return nil, fmt.Errorf("project %s has encrypted credentials but no key is configured", project.ID)
		}
		password, err := d.Secrets.Decrypt(project.EncryptedPassword)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials for project %s: %w", project.ID, err)
		}
		cfg.Password = password
	}

	cfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(d.statementTimeout().Milliseconds(), 10)
	cfg.RuntimeParams["application_name"] = "rlsguard"
	return cfg, nil
}

func connParam(key, value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `'`, `\'`)
	return key + "='" + value + "'"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type pgCatalog struct {
	conn    *pgx.Conn
	timeout time.Duration
}

const systemSchemaFilter = `n.nspname NOT IN ('pg_catalog', 'information_schema')
	  AND n.nspname NOT LIKE 'pg\_toast%'
	  AND n.nspname NOT LIKE 'pg\_temp%'`

const tablesQuery = `
SELECT n.nspname::text AS schema_name,
       c.relname::text AS table_name,
       c.relrowsecurity AS rls_enabled
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p')
  AND (cardinality($1::text[]) = 0 OR n.nspname::text = ANY($1::text[]))
  AND ` + systemSchemaFilter + `
ORDER BY 1, 2`

const policiesQuery = `
SELECT n.nspname::text AS schema_name,
       c.relname::text AS table_name,
       p.polname::text AS policy_name,
       p.polcmd::text AS command_code,
       p.polpermissive AS permissive,
       CASE WHEN p.polroles = '{0}'::oid[] THEN ARRAY['public']::text[]
            ELSE ARRAY(SELECT r.rolname::text FROM pg_catalog.pg_roles r
                       WHERE r.oid = ANY(p.polroles) ORDER BY 1)
       END AS roles,
       pg_catalog.pg_get_expr(p.polqual, p.polrelid) AS using_expr,
       pg_catalog.pg_get_expr(p.polwithcheck, p.polrelid) AS with_check_expr
FROM pg_catalog.pg_policy p
JOIN pg_catalog.pg_class c ON c.oid = p.polrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE (cardinality($1::text[]) = 0 OR n.nspname::text = ANY($1::text[]))
  AND ` + systemSchemaFilter + `
ORDER BY 1, 2, 3`

const storagePresenceQuery = `
SELECT to_regclass('storage.buckets') IS NOT NULL AS has_buckets,
       to_regclass('storage.objects') IS NOT NULL AS has_objects`

const bucketsQuery = `
SELECT id::text AS id, name::text AS name, COALESCE(public, false) AS public
FROM storage.buckets
ORDER BY name`

const objectsRLSQuery = `
SELECT c.relrowsecurity
FROM pg_catalog.pg_class c
WHERE c.oid = 'storage.objects'::regclass`

func collect[T any](ctx context.Context, c *pgCatalog, query string, args ...any) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

func schemaArg(schemas []string) []string {
	if schemas == nil {
		return []string{}
	}
	return schemas
}

func (c *pgCatalog) Tables(ctx context.Context, schemas []string) ([]Table, error) {
	tables, err := collect[Table](ctx, c, tablesQuery, schemaArg(schemas))
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

func (c *pgCatalog) Policies(ctx context.Context, schemas []string) ([]Policy, error) {
	policies, err := collect[Policy](ctx, c, policiesQuery, schemaArg(schemas))
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return policies, nil
}

func (c *pgCatalog) Storage(ctx context.Context) (*StorageState, error) {
	qctx, cancel := context.WithTimeout(ctx, c.timeout)
	var hasBuckets, hasObjects bool
	err := c.conn.QueryRow(qctx, storagePresenceQuery).Scan(&hasBuckets, &hasObjects)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("probe storage schema: %w", err)
	}
	if !hasBuckets || !hasObjects {
		return nil, nil
	}

	buckets, err := collect[Bucket](ctx, c, bucketsQuery)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	qctx, cancel = context.WithTimeout(ctx, c.timeout)
	var rls bool
	err = c.conn.QueryRow(qctx, objectsRLSQuery).Scan(&rls)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read storage.objects RLS flag: %w", err)
	}

	all, err := c.Policies(ctx, []string{"storage"})
	if err != nil {
		return nil, err
	}
	var policies []Policy
	for _, p := range all {
		if p.Table == "objects" {
			policies = append(policies, p)
		}
	}

	return &StorageState{Buckets: buckets, ObjectsRLSEnabled: rls, Policies: policies}, nil
}

func (c *pgCatalog) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
