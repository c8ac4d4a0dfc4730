package store

import (
	"errors"
	"strings"
	"time"

	"github.com/granary-io/granary/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute

	defaultKeyValueTable = "granary-catalog"

	defaultSearchURL         = "http://localhost:9200"
	defaultSearchIndexPrefix = "granary"
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrKeyValueTableEmpty is returned when the key-value table name is empty.
	ErrKeyValueTableEmpty = errors.New("key-value table name cannot be empty")

	// ErrSearchAddressesEmpty is returned when no search cluster address is configured.
	ErrSearchAddressesEmpty = errors.New("search addresses cannot be empty")
)

type (
	// RelationalConfig holds PostgreSQL connection configuration with
	// production-ready defaults.
	RelationalConfig struct {
		databaseURL     string
		MaxOpenConns    int           // Maximum number of open connections
		MaxIdleConns    int           // Maximum number of idle connections
		ConnMaxLifetime time.Duration // Maximum lifetime of connections
		ConnMaxIdleTime time.Duration // Maximum idle time for connections
	}

	// KeyValueConfig holds DynamoDB configuration for the legacy key-value store.
	KeyValueConfig struct {
		Table    string // Catalog table name
		Region   string // AWS region
		Endpoint string // Custom endpoint for local development; empty in production
	}

	// SearchConfig holds Elasticsearch configuration for the search index.
	SearchConfig struct {
		Addresses       []string // Cluster node URLs
		IndexPrefix     string   // Per-deployment index name prefix
		Username        string
		password        string
		InsecureSkipTLS bool // Skip certificate verification, local clusters only
	}
)

// LoadRelationalConfig loads PostgreSQL configuration from environment
// variables with fallback to defaults.
func LoadRelationalConfig() *RelationalConfig {
	return &RelationalConfig{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""), // databaseURL is private for obvious reasons.
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// RelationalConfigForURL builds a config around an explicit database URL
// with default pool settings. Used by tooling and integration tests.
func RelationalConfigForURL(url string) *RelationalConfig {
	return &RelationalConfig{
		databaseURL:     url,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *RelationalConfig) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *RelationalConfig) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No @ found, no userinfo
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password
		return c.databaseURL
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		return c.databaseURL
	}

	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}

// LoadKeyValueConfig loads DynamoDB configuration from environment variables
// with fallback to defaults.
func LoadKeyValueConfig() *KeyValueConfig {
	return &KeyValueConfig{
		Table:    config.GetEnvStr("GRANARY_KV_TABLE", defaultKeyValueTable),
		Region:   config.GetEnvStr("AWS_REGION", "us-east-1"),
		Endpoint: config.GetEnvStr("GRANARY_KV_ENDPOINT", ""),
	}
}

// Validate checks if the DynamoDB configuration is valid.
func (c *KeyValueConfig) Validate() error {
	if strings.TrimSpace(c.Table) == "" {
		return ErrKeyValueTableEmpty
	}

	return nil
}

// LoadSearchConfig loads Elasticsearch configuration from environment
// variables with fallback to defaults.
func LoadSearchConfig() *SearchConfig {
	return &SearchConfig{
		Addresses:       config.ParseCommaSeparatedList(config.GetEnvStr("GRANARY_SEARCH_URLS", defaultSearchURL)),
		IndexPrefix:     config.GetEnvStr("GRANARY_SEARCH_INDEX_PREFIX", defaultSearchIndexPrefix),
		Username:        config.GetEnvStr("GRANARY_SEARCH_USERNAME", ""),
		password:        config.GetEnvStr("GRANARY_SEARCH_PASSWORD", ""),
		InsecureSkipTLS: config.GetEnvBool("GRANARY_SEARCH_INSECURE", false),
	}
}

// Validate checks if the Elasticsearch configuration is valid.
func (c *SearchConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return ErrSearchAddressesEmpty
	}

	return nil
}
