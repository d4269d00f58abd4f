package cmd

import (
	"os"
	"path/filepath"

	"github.com/context-cache/context-cache/internal/ccerr"
	"github.com/context-cache/context-cache/internal/chunk"
	"github.com/context-cache/context-cache/internal/config"
	"github.com/context-cache/context-cache/internal/embed"
	"github.com/context-cache/context-cache/internal/ingest"
	"github.com/context-cache/context-cache/internal/retrieve"
	"github.com/context-cache/context-cache/internal/schedule"
	"github.com/context-cache/context-cache/internal/store"
)

// app bundles the services every subcommand needs, built once from the
// layered config the same way the teacher's commands each open their own
// metadata/BM25/vector stores from a resolved project root.
type app struct {
	Config    config.Config
	Store     *store.SQLiteStore
	Vectors   store.VectorIndex
	Pipeline  *ingest.Pipeline
	Retriever *retrieve.Retriever
}

func newApp() (*app, error) {
	cfg, err := config.Load(config.DefaultUserConfigPath(), projectConfigPath())
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindConfig, "load config", err)
	}
	if flagDBPath != "" {
		cfg.DBPath = flagDBPath
	}
	if flagHost != "" {
		cfg.Host = flagHost
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "create store directory", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, ccerr.Wrap(ccerr.KindIO, "open store", err)
	}

	vi := store.NewHNSWIndex(cfg.Embed.Dim)
	vectorPath := filepath.Join(cfg.VectorIndexDir, cfg.Embed.ModelName+".hnsw")
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		_ = vi.Load(vectorPath)
	}

	ch := chunk.New(cfg.Chunk)
	em := embed.New(cfg.Embed)
	pipe := ingest.New(st, vi, vectorPath, ch, em)
	retriever := retrieve.New(st, vi, em, cfg.Search)

	return &app{Config: cfg, Store: st, Vectors: vi, Pipeline: pipe, Retriever: retriever}, nil
}

func (a *app) Close() error {
	if err := os.MkdirAll(a.Config.VectorIndexDir, 0o755); err == nil {
		_ = a.Vectors.Save(filepath.Join(a.Config.VectorIndexDir, a.Config.Embed.ModelName+".hnsw"))
	}
	_ = a.Vectors.Close()
	return a.Store.Close()
}

func (a *app) newScheduler() *schedule.Scheduler {
	workers := a.Config.Workers
	if workers <= 0 {
		workers = 1
	}
	return schedule.New(workers, a.Config.Watch.QueueSoftCap)
}

// projectConfigPath looks for .context-cache.yaml in the working directory.
func projectConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	path := filepath.Join(cwd, ".context-cache.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
