// Package seed loads monitors and recurring templates from a JSON file.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"pulse/internal/models"
	"pulse/internal/recurrence"
	"pulse/internal/storage"
	"pulse/internal/validate"
)

// File is the on-disk seed document.
type File struct {
	Monitors  []models.Monitor `json:"monitors"`
	Templates []models.Task    `json:"templates"`
}

// Result counts what a load did.
type Result struct {
	Monitors  int
	Templates int
	Existing  int
	Invalid   int
}

// Store is the subset of storage.Storer the loader writes through.
type Store interface {
	CreateMonitor(ctx context.Context, m *models.Monitor) error
	FindMonitorByURL(ctx context.Context, url string) (*models.Monitor, error)
	CreateTask(ctx context.Context, t *models.Task) error
	FindTemplateByTitle(ctx context.Context, title string) (*models.Task, error)
}

// Loader validates seed entries and creates the ones not already stored.
// Monitors are keyed by normalized URL and templates by title.
type Loader struct {
	store  Store
	rules  validate.Rules
	logger *zap.Logger
	now    func() time.Time
}

// NewLoader creates a Loader.
func NewLoader(store Store, rules validate.Rules, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, rules: rules, logger: logger.Named("seed"), now: time.Now}
}

// LoadFile reads path and applies it.
func (l *Loader) LoadFile(ctx context.Context, path string) (Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return Result{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	res, err := l.Apply(ctx, f)
	if err == nil {
		l.logger.Info("seed loaded", zap.String("file", path),
			zap.Int("monitors", res.Monitors), zap.Int("templates", res.Templates),
			zap.Int("existing", res.Existing), zap.Int("invalid", res.Invalid))
	}
	return res, err
}

// Apply creates every valid, not-yet-stored entry of f. Invalid entries are
// logged and skipped; store failures abort.
func (l *Loader) Apply(ctx context.Context, f File) (Result, error) {
	var res Result
	for i := range f.Monitors {
		m := f.Monitors[i]
		m.ID, m.LastCheckedAt = 0, nil
		if err := l.rules.Monitor(&m); err != nil {
			res.Invalid++
			l.logger.Warn("skipping invalid monitor", zap.Int("index", i), zap.String("url", f.Monitors[i].URL), zap.Error(err))
			continue
		}
		switch _, err := l.store.FindMonitorByURL(ctx, m.URL); {
		case err == nil:
			res.Existing++
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return res, fmt.Errorf("monitors[%d]: %w", i, err)
		}
		if err := l.store.CreateMonitor(ctx, &m); err != nil {
			return res, fmt.Errorf("monitors[%d]: %w", i, err)
		}
		res.Monitors++
	}

	for i := range f.Templates {
		t := f.Templates[i]
		t.ID, t.RecurringTemplateID = 0, nil
		t.IsRecurringTemplate = true
		if err := validate.Task(&t); err != nil {
			res.Invalid++
			l.logger.Warn("skipping invalid template", zap.Int("index", i), zap.String("title", t.Title), zap.Error(err))
			continue
		}
		switch _, err := l.store.FindTemplateByTitle(ctx, t.Title); {
		case err == nil:
			res.Existing++
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return res, fmt.Errorf("templates[%d]: %w", i, err)
		}
		recurrence.Prime(&t, l.now())
		if err := l.store.CreateTask(ctx, &t); err != nil {
			return res, fmt.Errorf("templates[%d]: %w", i, err)
		}
		res.Templates++
	}
	return res, nil
}
