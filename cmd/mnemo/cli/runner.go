package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/mnemo/internal/compress"
	"github.com/felixgeelhaar/mnemo/internal/memory"
	"github.com/felixgeelhaar/mnemo/internal/monitor"
	"github.com/felixgeelhaar/mnemo/internal/observe"
	"github.com/felixgeelhaar/mnemo/internal/store"
)

// Engine bundles the fully wired context-management stack for one CLI
// invocation: storage, provider, memory store, compressor and the
// session monitor.
type Engine struct {
	Observer *observe.Observer
	Store    store.Storage
	Memories *memory.Store
	Monitor  *monitor.Monitor
}

func newEngine(ctx context.Context) *Engine {
	var obs *observe.Observer
	if ciMode {
		obs = observe.NewJSON(os.Stdout, verbose)
	} else {
		obs = observe.New(os.Stdout, verbose)
	}

	storeLayer, err := store.NewSQLiteStore(filepath.Join(mnemoDir(), "mnemo.db"))
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to init store")
	}

	p, err := getProvider(storeLayer)
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to initialize provider")
	}

	memories := memory.New(storeLayer, p, memory.WithObserver(obs))
	if err := memories.Load(ctx); err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to load memory index")
	}

	compressor := compress.New(memories,
		compress.WithSummarizer(p),
		compress.WithEmbedder(p),
		compress.WithObserver(obs),
	)

	cfg := monitor.DefaultConfig()
	if configPath != "" {
		cfg, err = monitor.LoadConfig(configPath)
		if err != nil {
			obs.Log().Fatal().Err(err).Msg("Failed to load config")
		}
	}

	snapshot := filepath.Join(mnemoDir(), "session.json")
	opts := []monitor.Option{
		monitor.WithObserver(obs),
		monitor.WithSnapshotPath(snapshot),
	}
	sess, err := monitor.LoadSession(snapshot)
	if err != nil {
		obs.Log().Fatal().Err(err).Msg("Failed to load session snapshot")
	}
	if sess != nil {
		opts = append(opts, monitor.WithSession(sess))
	}

	return &Engine{
		Observer: obs,
		Store:    storeLayer,
		Memories: memories,
		Monitor:  monitor.New(memories, compressor, cfg, opts...),
	}
}

func (e *Engine) Close() {
	if err := e.Store.Close(); err != nil {
		fmt.Printf("Failed to close store: %v\n", err)
	}
	e.Observer.Close()
}
