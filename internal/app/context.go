package app

import (
	"database/sql"
	"log"
	"os"

	"caliber/internal/config"
	"caliber/internal/engine"
	"caliber/internal/oracle"
)

// Environment variables consumed at startup. Secrets stay out of
// caliber.yml, which is meant to be committed with the job definition.
const (
	EnvOracleAPIKey = "CALIBER_ORACLE_API_KEY"
	EnvJWTSecret    = "CALIBER_JWT_SECRET"
	EnvAdminKey     = "CALIBER_ADMIN_KEY"
)

// ResolveConfig loads caliber.yml from the workspace, falling back to the
// default job template when the file does not exist. jobOverride replaces
// the configured job id when set.
func ResolveConfig(workspace, jobOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		jobID := jobOverride
		if jobID == "" {
			jobID = "default-job"
		}
		cfg = config.Default(jobID)
	}
	if jobOverride != "" {
		cfg.Job.ID = jobOverride
	}
	return cfg, nil
}

// BuildEngine wires the engine with the oracle client and secrets from the
// environment. The oracle gets an in-memory response cache scoped to this
// process.
func BuildEngine(conn *sql.DB, cfg *config.Config, logger *log.Logger) engine.Engine {
	var oc oracle.Client
	if cfg != nil && cfg.Oracle.BaseURL != "" {
		oc = oracle.NewHTTPClient(cfg.Oracle, os.Getenv(EnvOracleAPIKey), oracle.NewMemoryCache())
	}
	e := engine.New(conn, cfg, oc)
	e.JWTSecret = os.Getenv(EnvJWTSecret)
	e.Logger = logger
	return e
}
