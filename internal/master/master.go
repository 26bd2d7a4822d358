// Package master is the composition root: it wires the keystore, minion
// data cache, target resolver, publisher ACL, job store, event bus, and
// HTTP API together and runs them until shutdown.
package master

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwright/drover/internal/acl"
	"github.com/fleetwright/drover/internal/api"
	"github.com/fleetwright/drover/internal/auth"
	"github.com/fleetwright/drover/internal/batch"
	"github.com/fleetwright/drover/internal/config"
	"github.com/fleetwright/drover/internal/events"
	"github.com/fleetwright/drover/internal/job"
	"github.com/fleetwright/drover/internal/keystore"
	"github.com/fleetwright/drover/internal/lock"
	"github.com/fleetwright/drover/internal/log"
	"github.com/fleetwright/drover/internal/minions"
	"github.com/fleetwright/drover/internal/storage"
	"github.com/fleetwright/drover/internal/target"
)

// peerWindow bounds how long a minion stays "connected" after its last
// transport activity.
const peerWindow = 5 * time.Minute

// Master is the assembled service.
type Master struct {
	cfg *config.Config

	Keys     *keystore.Store
	Cache    *minions.Cache
	Resolver *target.Resolver
	ACL      *acl.Checker
	Store    *job.Store
	Bus      *events.Bus
}

// New opens the master's stores and wires the targeting and authorization
// services. The caller owns shutdown via Run's context.
func New(ctx context.Context, cfg *config.Config) (*Master, func(), error) {
	keys, err := keystore.New(cfg.Master.KeysDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening keystore: %w", err)
	}

	db, err := storage.OpenSQLite(ctx, cfg.Cache.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache database: %w", err)
	}
	bus := events.NewBus(1000)
	cache := minions.NewCache(db)
	peers := newPeerTracker(bus, peerWindow)
	cleanup := func() {
		peers.Close()
		_ = db.Close()
	}

	groups := make(map[string][]string, len(cfg.Nodegroups))
	for name, def := range cfg.Nodegroups {
		groups[name] = def.Tokens
	}

	resolver := target.NewResolver(keys, cache, groups, target.WithPeerSource(peers))

	return &Master{
		cfg:      cfg,
		Keys:     keys,
		Cache:    cache,
		Resolver: resolver,
		ACL:      acl.NewChecker(resolver, cfg.PublisherACL),
		Store:    job.NewStore(db),
		Bus:      bus,
	}, cleanup, nil
}

// BatchOptions returns the configured batch defaults.
func (m *Master) BatchOptions() batch.Options {
	return batch.Options{
		Size:             m.cfg.Batch.Size,
		GatherTimeout:    m.cfg.Batch.GatherJobTimeout,
		Delay:            m.cfg.Batch.Delay,
		PollInterval:     m.cfg.Batch.PollInterval,
		EmptyPollRetries: m.cfg.Batch.EmptyPollRetries,
	}
}

// Publisher returns the configured transport publisher.
func (m *Master) Publisher() batch.Publisher {
	return &busPublisher{bus: m.Bus}
}

// Run blocks until ctx is cancelled or a component fails. The pidfile lock,
// when configured, is held for the whole run.
func (m *Master) Run(ctx context.Context) error {
	logger := log.WithComponent("master")

	if m.cfg.Master.PidFile != "" {
		pidLock, err := lock.AcquirePIDLock(m.cfg.Master.PidFile)
		if err != nil {
			return fmt.Errorf("acquiring pid lock (another master running?): %w", err)
		}
		defer pidLock.Release()
		logger.Info("acquired pid lock", "path", pidLock.Path())
	}

	errCh := make(chan error, 1)
	if m.cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(m.cfg.API.Auth.Tokens))
		for _, t := range m.cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Name:   t.Name,
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		server := api.New(api.Config{
			Listen: m.cfg.API.Listen,
			APIKey: m.cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, api.Deps{
			Resolver: m.Resolver,
			Keys:     m.Keys,
			Cache:    m.Cache,
			Store:    m.Store,
			Bus:      m.Bus,
			Pub:      m.Publisher(),
			ACL:      m.ACL,
			Batch:    m.BatchOptions(),
		}, log.WithComponent("api"))

		go func() {
			if err := server.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", m.cfg.API.Listen)
	}

	logger.Info("master running", "name", m.cfg.Master.Name)
	select {
	case <-ctx.Done():
		logger.Info("master stopping")
		return nil
	case err := <-errCh:
		logger.Error("component failed", "error", err.Error())
		return err
	}
}
