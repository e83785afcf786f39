// Package registry persists definitions as versioned JSON documents in
// SQLite or PostgreSQL. Loads re-run construction-time validation, so a
// definition that fails to validate never reaches the pipeline.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openmarketing/harrier/internal/domain"
)

var (
	ErrNotFound     = errors.New("definition not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLStore implements domain.Registry using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New creates a store based on configuration and runs migrations.
func New(cfg domain.RegistryConfig) (*SQLStore, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &SQLStore{db: db, driver: cfg.Driver}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(schemaDefinitions)
	return err
}

// save upserts one definition document, bumping its version on update.
func (s *SQLStore) save(ctx context.Context, kind domain.DefinitionKind, id string, spec any) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	now := time.Now().UTC()
	update := `
		UPDATE definitions
		SET spec = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND kind = ?
	`
	res, err := s.db.ExecContext(ctx, s.rebind(update), string(payload), now, id, string(kind))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	insert := `
		INSERT INTO definitions (id, kind, version, spec, enabled, created_at, updated_at)
		VALUES (?, ?, 1, ?, 1, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, s.rebind(insert), id, string(kind), string(payload), now, now)
	return err
}

func (s *SQLStore) get(ctx context.Context, kind domain.DefinitionKind, id string, out any) error {
	query := `
		SELECT spec FROM definitions
		WHERE id = ? AND kind = ? AND enabled = 1
	`
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(query), id, string(kind)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("corrupt %s definition %s: %w", kind, id, err)
	}
	return nil
}

func (s *SQLStore) list(ctx context.Context, kind domain.DefinitionKind) ([]json.RawMessage, error) {
	query := `
		SELECT spec FROM definitions
		WHERE kind = ? AND enabled = 1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []json.RawMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		specs = append(specs, json.RawMessage(payload))
	}
	return specs, rows.Err()
}

// SaveEntity validates and stores an entity definition.
func (s *SQLStore) SaveEntity(ctx context.Context, e *domain.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.save(ctx, domain.KindEntity, e.ID, e)
}

// GetEntity loads and re-validates an entity.
func (s *SQLStore) GetEntity(ctx context.Context, id string) (*domain.Entity, error) {
	var e domain.Entity
	if err := s.get(ctx, domain.KindEntity, id, &e); err != nil {
		return nil, err
	}
	return domain.NewEntity(e)
}

// ListEntities returns all enabled entities.
func (s *SQLStore) ListEntities(ctx context.Context) ([]*domain.Entity, error) {
	specs, err := s.list(ctx, domain.KindEntity)
	if err != nil {
		return nil, err
	}
	entities := make([]*domain.Entity, 0, len(specs))
	for _, spec := range specs {
		var e domain.Entity
		if err := json.Unmarshal(spec, &e); err != nil {
			return nil, err
		}
		validated, err := domain.NewEntity(e)
		if err != nil {
			return nil, err
		}
		entities = append(entities, validated)
	}
	return entities, nil
}

// SaveReport stores a report definition. The report must already be bound
// to its source entity.
func (s *SQLStore) SaveReport(ctx context.Context, r *domain.Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.save(ctx, domain.KindReport, r.ID, r)
}

// GetReport loads a report and binds its source entity.
func (s *SQLStore) GetReport(ctx context.Context, id string) (*domain.Report, error) {
	var r domain.Report
	if err := s.get(ctx, domain.KindReport, id, &r); err != nil {
		return nil, err
	}
	source, err := s.GetEntity(ctx, r.SourceEntity)
	if err != nil {
		return nil, fmt.Errorf("report %s source entity %s: %w", id, r.SourceEntity, err)
	}
	return domain.NewReport(r, source)
}

// ListReports returns all enabled reports with sources bound.
func (s *SQLStore) ListReports(ctx context.Context) ([]*domain.Report, error) {
	specs, err := s.list(ctx, domain.KindReport)
	if err != nil {
		return nil, err
	}
	reports := make([]*domain.Report, 0, len(specs))
	for _, spec := range specs {
		var r domain.Report
		if err := json.Unmarshal(spec, &r); err != nil {
			return nil, err
		}
		source, err := s.GetEntity(ctx, r.SourceEntity)
		if err != nil {
			return nil, fmt.Errorf("report %s source entity %s: %w", r.ID, r.SourceEntity, err)
		}
		bound, err := domain.NewReport(r, source)
		if err != nil {
			return nil, err
		}
		reports = append(reports, bound)
	}
	return reports, nil
}

// SaveMeasure validates and stores a measure definition.
func (s *SQLStore) SaveMeasure(ctx context.Context, m *domain.Measure) error {
	if _, err := domain.NewMeasure(*m); err != nil {
		return err
	}
	return s.save(ctx, domain.KindMeasure, m.ID, m)
}

// GetMeasure loads and re-validates a measure.
func (s *SQLStore) GetMeasure(ctx context.Context, id string) (*domain.Measure, error) {
	var m domain.Measure
	if err := s.get(ctx, domain.KindMeasure, id, &m); err != nil {
		return nil, err
	}
	return domain.NewMeasure(m)
}

// ListMeasures returns all enabled measures.
func (s *SQLStore) ListMeasures(ctx context.Context) ([]*domain.Measure, error) {
	specs, err := s.list(ctx, domain.KindMeasure)
	if err != nil {
		return nil, err
	}
	measures := make([]*domain.Measure, 0, len(specs))
	for _, spec := range specs {
		var m domain.Measure
		if err := json.Unmarshal(spec, &m); err != nil {
			return nil, err
		}
		validated, err := domain.NewMeasure(m)
		if err != nil {
			return nil, err
		}
		measures = append(measures, validated)
	}
	return measures, nil
}

// SaveMonitor validates and stores a monitor definition.
func (s *SQLStore) SaveMonitor(ctx context.Context, m *domain.Monitor) error {
	if _, err := domain.NewMonitor(*m); err != nil {
		return err
	}
	return s.save(ctx, domain.KindMonitor, m.ID, m)
}

// GetMonitor loads and re-validates a monitor.
func (s *SQLStore) GetMonitor(ctx context.Context, id string) (*domain.Monitor, error) {
	var m domain.Monitor
	if err := s.get(ctx, domain.KindMonitor, id, &m); err != nil {
		return nil, err
	}
	return domain.NewMonitor(m)
}

// ListMonitors returns all enabled monitors.
func (s *SQLStore) ListMonitors(ctx context.Context) ([]*domain.Monitor, error) {
	specs, err := s.list(ctx, domain.KindMonitor)
	if err != nil {
		return nil, err
	}
	monitors := make([]*domain.Monitor, 0, len(specs))
	for _, spec := range specs {
		var m domain.Monitor
		if err := json.Unmarshal(spec, &m); err != nil {
			return nil, err
		}
		validated, err := domain.NewMonitor(m)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, validated)
	}
	return monitors, nil
}

// DeleteMonitor removes a monitor definition.
func (s *SQLStore) DeleteMonitor(ctx context.Context, id string) error {
	query := `DELETE FROM definitions WHERE id = ? AND kind = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query), id, string(domain.KindMonitor))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
