package store

import (
	"errors"
	"testing"
	"time"
)

func TestLoadRelationalConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		envVars map[string]string
		want    *RelationalConfig
	}{
		{
			name: "defaults when environment is empty",
			envVars: map[string]string{
				"DATABASE_URL":                "",
				"DATABASE_MAX_OPEN_CONNS":     "",
				"DATABASE_MAX_IDLE_CONNS":     "",
				"DATABASE_CONN_MAX_LIFETIME":  "",
				"DATABASE_CONN_MAX_IDLE_TIME": "",
			},
			want: &RelationalConfig{
				databaseURL:     "",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				ConnMaxIdleTime: 10 * time.Minute,
			},
		},
		{
			name: "environment overrides",
			envVars: map[string]string{
				"DATABASE_URL":               "postgres://granary:secret@db:5432/granary?sslmode=disable", // pragma: allowlist secret
				"DATABASE_MAX_OPEN_CONNS":    "50",
				"DATABASE_MAX_IDLE_CONNS":    "10",
				"DATABASE_CONN_MAX_LIFETIME": "1h",
			},
			want: &RelationalConfig{
				databaseURL:     "postgres://granary:secret@db:5432/granary?sslmode=disable", // pragma: allowlist secret
				MaxOpenConns:    50,
				MaxIdleConns:    10,
				ConnMaxLifetime: time.Hour,
				ConnMaxIdleTime: 10 * time.Minute,
			},
		},
		{
			name: "invalid values fall back to defaults",
			envVars: map[string]string{
				"DATABASE_MAX_OPEN_CONNS":    "not-a-number",
				"DATABASE_CONN_MAX_LIFETIME": "sometime",
			},
			want: &RelationalConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				ConnMaxIdleTime: 10 * time.Minute,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			got := LoadRelationalConfig()

			if got.databaseURL != tt.want.databaseURL {
				t.Errorf("databaseURL = %q, want %q", got.databaseURL, tt.want.databaseURL)
			}

			if got.MaxOpenConns != tt.want.MaxOpenConns {
				t.Errorf("MaxOpenConns = %d, want %d", got.MaxOpenConns, tt.want.MaxOpenConns)
			}

			if got.MaxIdleConns != tt.want.MaxIdleConns {
				t.Errorf("MaxIdleConns = %d, want %d", got.MaxIdleConns, tt.want.MaxIdleConns)
			}

			if got.ConnMaxLifetime != tt.want.ConnMaxLifetime {
				t.Errorf("ConnMaxLifetime = %v, want %v", got.ConnMaxLifetime, tt.want.ConnMaxLifetime)
			}

			if got.ConnMaxIdleTime != tt.want.ConnMaxIdleTime {
				t.Errorf("ConnMaxIdleTime = %v, want %v", got.ConnMaxIdleTime, tt.want.ConnMaxIdleTime)
			}
		})
	}
}

func TestRelationalConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("empty url is rejected", func(t *testing.T) {
		cfg := RelationalConfigForURL("   ")
		if err := cfg.Validate(); !errors.Is(err, ErrDatabaseURLEmpty) {
			t.Errorf("Validate() = %v, want ErrDatabaseURLEmpty", err)
		}
	})

	t.Run("non-empty url passes", func(t *testing.T) {
		cfg := RelationalConfigForURL("postgres://localhost:5432/granary")
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
	})
}

func TestMaskDatabaseURL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "masks the password",
			url:  "postgres://granary:supersecret@db:5432/granary", // pragma: allowlist secret
			want: "postgres://granary:***@db:5432/granary",
		},
		{
			name: "no userinfo left untouched",
			url:  "postgres://db:5432/granary",
			want: "postgres://db:5432/granary",
		},
		{
			name: "username without password left untouched",
			url:  "postgres://granary@db:5432/granary",
			want: "postgres://granary@db:5432/granary",
		},
		{
			name: "password containing at signs",
			url:  "postgres://granary:p@ss@db:5432/granary", // pragma: allowlist secret
			want: "postgres://granary:***@db:5432/granary",
		},
		{
			name: "empty url",
			url:  "",
			want: "",
		},
		{
			name: "no scheme left untouched",
			url:  "host=db user=granary",
			want: "host=db user=granary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RelationalConfigForURL(tt.url)
			if got := cfg.MaskDatabaseURL(); got != tt.want {
				t.Errorf("MaskDatabaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadKeyValueConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("GRANARY_KV_TABLE", "")
		t.Setenv("AWS_REGION", "")
		t.Setenv("GRANARY_KV_ENDPOINT", "")

		cfg := LoadKeyValueConfig()

		if cfg.Table != "granary-catalog" {
			t.Errorf("Table = %q, want %q", cfg.Table, "granary-catalog")
		}

		if cfg.Region != "us-east-1" {
			t.Errorf("Region = %q, want %q", cfg.Region, "us-east-1")
		}
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("GRANARY_KV_TABLE", "catalog-staging")
		t.Setenv("AWS_REGION", "eu-west-1")
		t.Setenv("GRANARY_KV_ENDPOINT", "http://localhost:8000")

		cfg := LoadKeyValueConfig()

		if cfg.Table != "catalog-staging" {
			t.Errorf("Table = %q, want %q", cfg.Table, "catalog-staging")
		}

		if cfg.Region != "eu-west-1" {
			t.Errorf("Region = %q, want %q", cfg.Region, "eu-west-1")
		}

		if cfg.Endpoint != "http://localhost:8000" {
			t.Errorf("Endpoint = %q, want %q", cfg.Endpoint, "http://localhost:8000")
		}
	})

	t.Run("empty table is rejected", func(t *testing.T) {
		cfg := &KeyValueConfig{Table: " "}
		if err := cfg.Validate(); !errors.Is(err, ErrKeyValueTableEmpty) {
			t.Errorf("Validate() = %v, want ErrKeyValueTableEmpty", err)
		}
	})
}

func TestLoadSearchConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("GRANARY_SEARCH_URLS", "")
		t.Setenv("GRANARY_SEARCH_INDEX_PREFIX", "")

		cfg := LoadSearchConfig()

		if len(cfg.Addresses) != 1 || cfg.Addresses[0] != "http://localhost:9200" {
			t.Errorf("Addresses = %v, want [http://localhost:9200]", cfg.Addresses)
		}

		if cfg.IndexPrefix != "granary" {
			t.Errorf("IndexPrefix = %q, want %q", cfg.IndexPrefix, "granary")
		}
	})

	t.Run("multiple addresses", func(t *testing.T) {
		t.Setenv("GRANARY_SEARCH_URLS", "http://es-1:9200, http://es-2:9200")

		cfg := LoadSearchConfig()

		if len(cfg.Addresses) != 2 {
			t.Fatalf("Addresses = %v, want two entries", cfg.Addresses)
		}

		if cfg.Addresses[1] != "http://es-2:9200" {
			t.Errorf("Addresses[1] = %q, want %q", cfg.Addresses[1], "http://es-2:9200")
		}
	})

	t.Run("no addresses is rejected", func(t *testing.T) {
		cfg := &SearchConfig{}
		if err := cfg.Validate(); !errors.Is(err, ErrSearchAddressesEmpty) {
			t.Errorf("Validate() = %v, want ErrSearchAddressesEmpty", err)
		}
	})
}
