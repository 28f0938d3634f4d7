package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/shared"

	_ "github.com/lib/pq"
)

var DB *sql.DB

// requiredColumns lists the columns the audit store reads and writes
var requiredColumns = map[string][]string{
	"listings":      {"id", "source_url", "content_hash", "price", "area", "raw_description", "neighborhood", "audit_status", "last_error", "created_at", "updated_at"},
	"price_history": {"id", "listing_id", "price", "changed_at"},
	"buildings":     {"id", "cadastre_id", "address", "latitude", "longitude", "construction_year"},
	"reports":       {"id", "listing_id", "building_id", "run_id", "status", "risk_score", "ai_confidence", "legal_brief", "discrepancy_details", "image_archive_refs", "cost", "error", "manual_review_notes", "created_at"},
}

// Connect establishes the database connection with default pool settings
func Connect(dbURL string) error {
	config := shared.NewDefaultUnifiedConfiguration().Database
	return ConnectWithConfig(dbURL, &config)
}

// ConnectWithConfig establishes database connection with custom configuration
func ConnectWithConfig(dbURL string, config *shared.DatabaseConfig) error {
	db, err := Open(dbURL, config)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open returns a pinged connection pool without touching the package-level DB
func Open(dbURL string, config *shared.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.PingTimeout)
	defer cancel()

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"max_open_conns":    config.MaxOpenConns,
		"max_idle_conns":    config.MaxIdleConns,
		"conn_max_lifetime": config.ConnMaxLifetime,
	}).Info("Connected to database")

	return db, nil
}

func Close() {
	if DB != nil {
		DB.Close()
		logrus.Info("Database connection closed")
	}
}

// HealthCheck pings the database and logs pool statistics
func HealthCheck(ctx context.Context) error {
	if DB == nil {
		return fmt.Errorf("database connection not established")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := DB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	stats := DB.Stats()
	logrus.WithFields(logrus.Fields{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
	}).Debug("Database connection pool health check")

	return nil
}

// Migrate applies the schema file statement by statement
func Migrate(schemaPath string) error {
	if DB == nil {
		return fmt.Errorf("database connection not established")
	}
	return MigrateDB(DB, schemaPath)
}

// MigrateDB applies the schema file to db, logging and skipping statements that fail
func MigrateDB(db *sql.DB, schemaPath string) error {
	content, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	failed := 0
	for _, stmt := range parseSQLStatements(string(content)) {
		if _, err := db.Exec(stmt); err != nil {
			failed++
			logrus.Warnf("Migration statement failed (continuing): %v", err)
		}
	}

	logrus.WithField("failed_statements", failed).Info("Database migration completed")
	return ValidateSchema(db)
}

// parseSQLStatements splits SQL content into statements terminated by a trailing semicolon.
// Comment-only lines are skipped.
func parseSQLStatements(content string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(line)

		if strings.HasSuffix(line, ";") {
			stmt := strings.TrimSpace(strings.TrimSuffix(current.String(), ";"))
			if stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}

// ValidateSchema checks that every table and column used by the audit store exists
func ValidateSchema(db *sql.DB) error {
	var missing []string
	for table, columns := range requiredColumns {
		present, err := getTableColumns(db, table)
		if err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table, err)
		}
		if len(present) == 0 {
			missing = append(missing, table)
			continue
		}
		for _, column := range columns {
			if _, ok := present[column]; !ok {
				missing = append(missing, table+"."+column)
			}
		}
	}

	if len(missing) > 0 {
		logrus.WithField("missing", missing).Error("Schema validation failed")
		return fmt.Errorf("schema is missing %s", strings.Join(missing, ", "))
	}

	logrus.Info("Schema validation passed successfully")
	return nil
}

// getTableColumns returns a map of column names to their data types
func getTableColumns(db *sql.DB, tableName string) (map[string]string, error) {
	query := `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
	`
	rows, err := db.Query(query, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]string)
	for rows.Next() {
		var columnName, dataType string
		if err := rows.Scan(&columnName, &dataType); err != nil {
			return nil, err
		}
		columns[columnName] = dataType
	}

	return columns, rows.Err()
}
