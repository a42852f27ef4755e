package config

import "testing"

func TestDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")
	if got := DatabaseURL("postgres://localhost/def"); got != "postgres://localhost/def" {
		t.Errorf("no env set: got %q, want the default", got)
	}

	t.Setenv("DB_URL", "postgres://localhost/legacy")
	if got := DatabaseURL("postgres://localhost/def"); got != "postgres://localhost/legacy" {
		t.Errorf("DB_URL fallback: got %q", got)
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/primary")
	if got := DatabaseURL("postgres://localhost/def"); got != "postgres://localhost/primary" {
		t.Errorf("DATABASE_URL should win over DB_URL: got %q", got)
	}
}
