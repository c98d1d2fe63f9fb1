package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jamesruggles/rlsguard/internal/model"
)

type GeneralSettings struct {
	InstanceName string `json:"instanceName"`
	Timezone     string `json:"timezone"`
}

type AppearanceSettings struct {
	Theme string `json:"theme"`
}

type SecuritySettings struct {
	SessionTimeoutMinutes int  `json:"sessionTimeoutMinutes"`
	RequireStrongPassword bool `json:"requireStrongPassword"`
}

type NotificationSettings struct {
	EmailEnabled         bool   `json:"emailEnabled"`
	Provider             string `json:"provider"`
	APIKey               string `json:"apiKey"`
	FromAddress          string `json:"fromAddress"`
	RecipientEmail       string `json:"recipientEmail"`
	NotifyOnScanIssues   bool   `json:"notifyOnScanIssues"`
	NotifyOnDailySummary bool   `json:"notifyOnDailySummary"`
	NotifyOnProjectDown  bool   `json:"notifyOnProjectDown"`
}

type SecurityScanningSettings struct {
	Enabled             bool             `json:"enabled"`
	ScanTime            string           `json:"scanTime"`
	ScanTypes           []model.ScanType `json:"scanTypes"`
	MinSeverityToNotify model.Severity   `json:"minSeverityToNotify"`
}

type Settings struct {
	General          GeneralSettings          `json:"general"`
	Appearance       AppearanceSettings       `json:"appearance"`
	Security         SecuritySettings         `json:"security"`
	Notifications    NotificationSettings     `json:"notifications"`
	SecurityScanning SecurityScanningSettings `json:"securityScanning"`
}

// DefaultSettings is what a fresh install, or any key missing from an older row, resolves to.
func DefaultSettings() Settings {
	return Settings{
		General: GeneralSettings{
			InstanceName: "rlsguard",
			Timezone:     "Local",
		},
		Appearance: AppearanceSettings{
			Theme: "system",
		},
		Security: SecuritySettings{
			SessionTimeoutMinutes: 60,
			RequireStrongPassword: true,
		},
		Notifications: NotificationSettings{
			Provider:             "resend",
			NotifyOnScanIssues:   true,
			NotifyOnDailySummary: true,
		},
		SecurityScanning: SecurityScanningSettings{
			Enabled:             false,
			ScanTime:            "02:00",
			ScanTypes:           []model.ScanType{model.ScanAudit, model.ScanStorage},
			MinSeverityToNotify: model.SeverityHigh,
		},
	}
}

type settingsRow struct {
	General          string `db:"general_json"`
	Appearance       string `db:"appearance_json"`
	Security         string `db:"security_json"`
	Notifications    string `db:"notifications_json"`
	SecurityScanning string `db:"security_scanning_json"`
}

// GetSettings decodes each sub-config over its defaults so keys absent from
// older rows keep their default values.
func (db *DB) GetSettings(ctx context.Context) (*Settings, error) {
	var row settingsRow
	err := db.GetContext(ctx, &row,
		`SELECT COALESCE(general_json, '{}') AS general_json,
		        COALESCE(appearance_json, '{}') AS appearance_json,
		        COALESCE(security_json, '{}') AS security_json,
		        COALESCE(notifications_json, '{}') AS notifications_json,
		        COALESCE(security_scanning_json, '{}') AS security_scanning_json
		 FROM settings WHERE id = 1`)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	s := DefaultSettings()
	parts := []struct {
		name string
		raw  string
		dst  any
	}{
		{"general", row.General, &s.General},
		{"appearance", row.Appearance, &s.Appearance},
		{"security", row.Security, &s.Security},
		{"notifications", row.Notifications, &s.Notifications},
		{"securityScanning", row.SecurityScanning, &s.SecurityScanning},
	}
	for _, p := range parts {
		if p.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(p.raw), p.dst); err != nil {
			return nil, fmt.Errorf("decode %s settings: %w", p.name, err)
		}
	}
	if len(s.SecurityScanning.ScanTypes) == 0 {
		s.SecurityScanning.ScanTypes = DefaultSettings().SecurityScanning.ScanTypes
	}
	if !s.SecurityScanning.MinSeverityToNotify.Valid() {
		s.SecurityScanning.MinSeverityToNotify = DefaultSettings().SecurityScanning.MinSeverityToNotify
	}
	return &s, nil
}

// SaveSettings rewrites the singleton settings row. The CMS owns this path in production.
func (db *DB) SaveSettings(ctx context.Context, s *Settings) error {
	encode := func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	}
	var row settingsRow
	var err error
	if row.General, err = encode(s.General); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if row.Appearance, err = encode(s.Appearance); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if row.Security, err = encode(s.Security); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if row.Notifications, err = encode(s.Notifications); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if row.SecurityScanning, err = encode(s.SecurityScanning); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	_, err = db.NamedExecContext(ctx,
		`INSERT INTO settings (id, general_json, appearance_json, security_json, notifications_json, security_scanning_json, updated_at)
		 VALUES (1, :general_json, :appearance_json, :security_json, :notifications_json, :security_scanning_json, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
		     general_json = excluded.general_json,
		     appearance_json = excluded.appearance_json,
		     security_json = excluded.security_json,
		     notifications_json = excluded.notifications_json,
		     security_scanning_json = excluded.security_scanning_json,
		     updated_at = CURRENT_TIMESTAMP`, row)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
