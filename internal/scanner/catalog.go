package scanner

import (
	"context"

	"github.com/jamesruggles/rlsguard/internal/database"
)

// Table is one base table and its row-level security flag.
type Table struct {
	Schema     string `db:"schema_name" json:"schema"`
	Name       string `db:"table_name" json:"name"`
	RLSEnabled bool   `db:"rls_enabled" json:"hasRLS"`
}

// Policy is one row of pg_policy with its expressions rendered as text.
type Policy struct {
	Schema      string   `db:"schema_name" json:"schema"`
	Table       string   `db:"table_name" json:"table"`
	Name        string   `db:"policy_name" json:"name"`
	CommandCode string   `db:"command_code" json:"-"`
	Permissive  bool     `db:"permissive" json:"permissive"`
	Roles       []string `db:"roles" json:"roles"`
	Using       *string  `db:"using_expr" json:"using,omitempty"`
	WithCheck   *string  `db:"with_check_expr" json:"withCheck,omitempty"`
}

// Command maps the raw pg_policy.polcmd code to its SQL keyword.
func (p Policy) Command() string {
	return CommandName(p.CommandCode)
}

func CommandName(code string) string {
	switch code {
	case "r":
		return "SELECT"
	case "a":
		return "INSERT"
	case "w":
		return "UPDATE"
	case "d":
		return "DELETE"
	case "*":
		return "ALL"
	default:
		return "ALL"
	}
}

type Bucket struct {
	ID     string `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Public bool   `db:"public" json:"public"`
}

// StorageState describes the object-storage schema of a project.
type StorageState struct {
	Buckets           []Bucket
	ObjectsRLSEnabled bool
	Policies          []Policy
}

// Catalog reads security metadata from one target database.
// An empty schemas list means every non-system schema.
type Catalog interface {
	Tables(ctx context.Context, schemas []string) ([]Table, error)
	Policies(ctx context.Context, schemas []string) ([]Policy, error)
	// Storage returns nil when the project has no storage schema.
	Storage(ctx context.Context) (*StorageState, error)
	Close(ctx context.Context) error
}

// Dialer opens a short-lived Catalog for a project.
type Dialer interface {
	Dial(ctx context.Context, project *database.Project) (Catalog, error)
}
