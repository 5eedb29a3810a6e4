// Package postgresql provides the PostgreSQL persistence implementation
// for the automation engine.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/dripline/dripline/pkg/persistence"
	"github.com/dripline/dripline/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	eventRepo      *EventRepository
	workflowRepo   *WorkflowRepository
	runRepo        *RunRepository
	jobRepo        *JobRepository
	logRepo        *LogRepository
	settingsRepo   *SettingsRepository
	enrollmentRepo *EnrollmentRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs the
// embedded schema migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger,
		eventRepo:      &EventRepository{db: database},
		workflowRepo:   &WorkflowRepository{db: database},
		runRepo:        &RunRepository{db: database},
		jobRepo:        &JobRepository{db: database},
		logRepo:        &LogRepository{db: database},
		settingsRepo:   &SettingsRepository{db: database},
		enrollmentRepo: &EnrollmentRepository{db: database},
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) EventRepository() persistence.EventRepository {
	return p.eventRepo
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) RunRepository() persistence.RunRepository {
	return p.runRepo
}

func (p *Persistence) JobRepository() persistence.JobRepository {
	return p.jobRepo
}

func (p *Persistence) LogRepository() persistence.LogRepository {
	return p.logRepo
}

func (p *Persistence) SettingsRepository() persistence.SettingsRepository {
	return p.settingsRepo
}

func (p *Persistence) EnrollmentRepository() persistence.EnrollmentRepository {
	return p.enrollmentRepo
}
