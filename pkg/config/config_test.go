package config

import (
	"reflect"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PORT", "DB_DRIVER", "SQLITE_PATH", "DATABASE_URL", "CLINIC_TIMEZONE", "CORS_ALLOWED_ORIGINS", "RECONCILE_MAX_RETRIES"} {
		t.Setenv(key, "")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if c.Addr() != ":8080" {
		t.Errorf("Expected :8080, got %s", c.Addr())
	}
	if c.DBDriver != "sqlite" || c.SQLitePath != "clinic.db" {
		t.Errorf("Expected sqlite at clinic.db, got %s at %s", c.DBDriver, c.SQLitePath)
	}
	if c.Timezone != DefaultTimezone {
		t.Errorf("Expected %s, got %s", DefaultTimezone, c.Timezone)
	}
	if !reflect.DeepEqual(c.AllowedOrigins, []string{"*"}) {
		t.Errorf("Expected [*], got %v", c.AllowedOrigins)
	}
	if c.MaxRetries != 3 {
		t.Errorf("Expected 3 retries, got %d", c.MaxRetries)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "host=localhost dbname=clinic")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://clinic.example, http://localhost:5173 ,")
	t.Setenv("RECONCILE_MAX_RETRIES", "0")

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if c.Addr() != ":9090" || c.DBDriver != "postgres" || c.MaxRetries != 0 {
		t.Errorf("Unexpected config %+v", c)
	}
	want := []string{"https://clinic.example", "http://localhost:5173"}
	if !reflect.DeepEqual(c.AllowedOrigins, want) {
		t.Errorf("Expected %v, got %v", want, c.AllowedOrigins)
	}
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad retries", map[string]string{"RECONCILE_MAX_RETRIES": "three"}},
		{"negative retries", map[string]string{"RECONCILE_MAX_RETRIES": "-1"}},
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres"}},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLocation(t *testing.T) {
	c := &Config{Timezone: "Not/AZone"}
	if c.Location() != time.UTC {
		t.Errorf("Expected UTC fallback, got %s", c.Location())
	}

	c.Timezone = "UTC"
	if c.Location().String() != "UTC" {
		t.Errorf("Expected UTC, got %s", c.Location())
	}
}
