package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/jamesruggles/rlsguard/internal/model"
)

type ProjectStatus string

const (
	ProjectRunning ProjectStatus = "running"
	ProjectStopped ProjectStatus = "stopped"
)

// StringList is stored as a JSON array in a TEXT column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported type %T for StringList", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// Project is provisioned elsewhere; the auditor reads it to reach the target database.
type Project struct {
	ID                string        `db:"id" json:"id"`
	Name              string        `db:"name" json:"name"`
	Directory         string        `db:"directory" json:"directory"`
	DBPort            int           `db:"db_port" json:"db_port"`
	APIPort           int           `db:"api_port" json:"api_port"`
	StudioPort        int           `db:"studio_port" json:"studio_port"`
	DBUser            string        `db:"db_user" json:"db_user,omitempty"`
	DBName            string        `db:"db_name" json:"db_name,omitempty"`
	EncryptedPassword string        `db:"encrypted_password" json:"-"`
	Status            ProjectStatus `db:"status" json:"status"`
	AutoStart         *bool         `db:"auto_start" json:"auto_start,omitempty"`
	Services          StringList    `db:"services" json:"services"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

type Scan struct {
	ID           string           `db:"id" json:"id"`
	ProjectID    string           `db:"project_id" json:"project_id"`
	Type         model.ScanType   `db:"type" json:"type"`
	Status       model.ScanStatus `db:"status" json:"status"`
	Results      types.JSONText   `db:"results_json" json:"results"`
	ErrorMessage string           `db:"error_message" json:"error_message,omitempty"`
	DurationMs   int64            `db:"duration_ms" json:"duration_ms"`
	TaskID       string           `db:"task_id" json:"task_id,omitempty"`
	StartedAt    *time.Time       `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
}

// ScanUpdate is merged over the stored row; nil fields are left unchanged.
type ScanUpdate struct {
	Status       *model.ScanStatus
	Results      any
	ErrorMessage *string
	DurationMs   *int64
	CompletedAt  *time.Time
}

type Snapshot struct {
	ID            string         `db:"id" json:"id"`
	ProjectID     string         `db:"project_id" json:"project_id"`
	Name          string         `db:"name" json:"name,omitempty"`
	Data          types.JSONText `db:"data_json" json:"data"`
	TablesCount   int            `db:"tables_count" json:"tables_count"`
	PoliciesCount int            `db:"policies_count" json:"policies_count"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

type ActivityEntry struct {
	ID           int64          `db:"id" json:"id"`
	Timestamp    time.Time      `db:"timestamp" json:"timestamp"`
	Type         string         `db:"type" json:"type"`
	Action       string         `db:"action" json:"action"`
	ProjectID    string         `db:"project_id" json:"project_id,omitempty"`
	UserID       string         `db:"user_id" json:"user_id,omitempty"`
	Details      types.JSONText `db:"details_json" json:"details"`
	Status       string         `db:"status" json:"status"`
	ErrorMessage string         `db:"error_message" json:"error_message,omitempty"`
}
