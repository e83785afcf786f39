package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openmarketing/harrier/internal/domain"
)

// Bundle is a set of definitions parsed from YAML files.
type Bundle struct {
	Entities []domain.Entity  `yaml:"entities"`
	Reports  []domain.Report  `yaml:"reports"`
	Measures []domain.Measure `yaml:"measures"`
	Monitors []domain.Monitor `yaml:"monitors"`
}

// LoadDir parses every .yaml/.yml file in dir into one bundle. Parsing
// does not validate; Seed does, so a broken file fails loudly at seed
// time with the definition id in the error.
func LoadDir(dir string) (*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions dir: %w", err)
	}

	bundle := &Bundle{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		var file Bundle
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}

		bundle.Entities = append(bundle.Entities, file.Entities...)
		bundle.Reports = append(bundle.Reports, file.Reports...)
		bundle.Measures = append(bundle.Measures, file.Measures...)
		bundle.Monitors = append(bundle.Monitors, file.Monitors...)
	}
	return bundle, nil
}

// Seed validates a bundle and stores it. Entities save first so reports
// can bind their sources.
func Seed(ctx context.Context, reg domain.Registry, b *Bundle) error {
	for i := range b.Entities {
		e, err := domain.NewEntity(b.Entities[i])
		if err != nil {
			return err
		}
		if err := reg.SaveEntity(ctx, e); err != nil {
			return fmt.Errorf("failed to save entity %s: %w", e.ID, err)
		}
	}

	for i := range b.Reports {
		source, err := reg.GetEntity(ctx, b.Reports[i].SourceEntity)
		if err != nil {
			return fmt.Errorf("report %s source entity %s: %w", b.Reports[i].ID, b.Reports[i].SourceEntity, err)
		}
		r, err := domain.NewReport(b.Reports[i], source)
		if err != nil {
			return err
		}
		if err := reg.SaveReport(ctx, r); err != nil {
			return fmt.Errorf("failed to save report %s: %w", r.ID, err)
		}
	}

	for i := range b.Measures {
		m, err := domain.NewMeasure(b.Measures[i])
		if err != nil {
			return err
		}
		if err := reg.SaveMeasure(ctx, m); err != nil {
			return fmt.Errorf("failed to save measure %s: %w", m.ID, err)
		}
	}

	for i := range b.Monitors {
		m, err := domain.NewMonitor(b.Monitors[i])
		if err != nil {
			return err
		}
		if err := reg.SaveMonitor(ctx, m); err != nil {
			return fmt.Errorf("failed to save monitor %s: %w", m.ID, err)
		}
	}

	slog.Info("seeded definitions",
		"entities", len(b.Entities),
		"reports", len(b.Reports),
		"measures", len(b.Measures),
		"monitors", len(b.Monitors))
	return nil
}
