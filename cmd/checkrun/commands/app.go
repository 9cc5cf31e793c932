package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/checkrun/am"
	"github.com/teranos/checkrun/checks"
	"github.com/teranos/checkrun/db"
	"github.com/teranos/checkrun/errors"
	"github.com/teranos/checkrun/logger"
	"github.com/teranos/checkrun/module"
	"github.com/teranos/checkrun/report"
	"github.com/teranos/checkrun/runstore"
)

// app bundles the components every data command needs.
type app struct {
	cfg       *am.Config
	db        *sql.DB
	store     *runstore.Store
	artifacts *report.ArtifactStore
	registry  *module.Registry
}

// openApp loads configuration, opens and migrates the database and marks
// runs left Running by a previous process as Canceled.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	dbPath := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	store := runstore.New(database, logger.ComponentLogger("runstore"))
	if n, err := store.RecoverOrphanedRuns(ctx); err != nil {
		logger.Warnw("Failed to recover orphaned runs", logger.FieldError, err)
	} else if n > 0 {
		logger.AddPulseOpenSymbol(logger.Logger).Infow("Recovered orphaned runs", logger.FieldCount, n)
	}

	reg := module.NewRegistry()
	checks.RegisterAll(reg)

	return &app{
		cfg:       cfg,
		db:        database,
		store:     store,
		artifacts: report.NewArtifactStore(cfg.GetArtifactsRoot()),
		registry:  reg,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.Warnw("Failed to close database", logger.FieldError, err)
	}
}

// readSettings loads a settings document from a JSON or YAML file and
// returns it as JSON.
func readSettings(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings file %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrapf(err, "failed to parse YAML settings %s", path)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, errors.Wrapf(err, "settings %s cannot be expressed as JSON", path)
		}
		return out, nil
	default:
		if !json.Valid(data) {
			return nil, errors.Newf("settings file %s is not valid JSON", path)
		}
		return data, nil
	}
}
