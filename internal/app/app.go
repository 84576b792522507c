// Package app wires the configured stack for the server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"escrowhub/internal/chain"
	"escrowhub/internal/config"
	"escrowhub/internal/coordinator"
	"escrowhub/internal/gateway"
	"escrowhub/internal/idempotency"
	"escrowhub/internal/metrics"
	"escrowhub/internal/notify"
	"escrowhub/internal/signer"
	"escrowhub/internal/tracker"
	"escrowhub/internal/units"
)

type App struct {
	Config        *config.AppConfig
	Log           logrus.FieldLogger
	Metrics       *metrics.Registry
	Chain         chain.Client
	Resolver      *signer.Resolver
	Coordinator   *coordinator.Coordinator
	Emitter       *notify.Emitter
	Notifications notify.Store
	Idempotency   idempotency.Store

	closers []func()
}

type options struct {
	withIdempotency bool
	client          chain.Client
}

type Option func(*options)

// WithIdempotency also opens the idempotency store.
func WithIdempotency() Option { return func(o *options) { o.withIdempotency = true } }

// WithChainClient replaces the configured chain client.
func WithChainClient(c chain.Client) Option { return func(o *options) { o.client = c } }

// Build connects every collaborator named by cfg. On error, everything
// opened so far is closed.
func Build(ctx context.Context, cfg *config.AppConfig, log logrus.FieldLogger, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	net := cfg.ActiveNetwork()
	conv, err := units.New(net.Decimals)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", net.Name, err)
	}

	a.Chain = o.client
	if a.Chain == nil {
		c, err := a.openChain(ctx, net)
		if err != nil {
			return nil, err
		}
		a.Chain = c
	}

	resolver, err := a.buildResolver()
	if err != nil {
		return nil, err
	}
	a.Resolver = resolver

	if err := a.openNotifications(ctx); err != nil {
		return nil, err
	}

	if o.withIdempotency {
		if err := a.openIdempotency(ctx); err != nil {
			return nil, err
		}
	}

	gw := gateway.New(a.Chain, conv,
		gateway.WithGasLimits(cfg.GasLimits()),
		gateway.WithLogger(log),
		gateway.WithMetrics(a.Metrics),
	)
	coord, err := coordinator.New(coordinator.Deps{
		Gateway:         gw,
		Resolver:        a.Resolver,
		Tracker:         tracker.New(tracker.WithLogger(log), tracker.WithMetrics(a.Metrics)),
		Emitter:         a.Emitter,
		Logger:          log,
		ListConcurrency: cfg.Service.ListConcurrency,
	})
	if err != nil {
		return nil, err
	}
	a.Coordinator = coord
	log.WithFields(logrus.Fields{
		"network":  net.Name,
		"decimals": net.Decimals,
		"fake":     cfg.Chain.Fake,
	}).Info("escrow stack ready")
	return a, nil
}

func (a *App) openChain(ctx context.Context, net config.Network) (chain.Client, error) {
	if a.Config.Chain.Fake {
		a.Log.Warn("using in-process fake chain")
		return chain.NewFakeClient(chain.WithBlockGasLimit(a.Config.BlockGasLimit())), nil
	}
	c, err := chain.NewEthClient(ctx, chain.EthClientConfig{
		RPCURL:          net.RPCURL,
		ContractAddress: net.Contract,
		FinalityDepth:   a.Config.Chain.FinalityDepth,
		DropAfterBlocks: int(a.Config.Chain.DropAfterBlocks),
	}, a.Log)
	if err != nil {
		return nil, fmt.Errorf("escrow client: %w", err)
	}
	a.closers = append(a.closers, c.Close)
	return c, nil
}

func (a *App) buildResolver() (*signer.Resolver, error) {
	w := a.Config.Wallet
	keys, err := signer.NewKeyProvider(w.PrivateKeys...)
	if err != nil {
		return nil, fmt.Errorf("wallet keys: %w", err)
	}
	providers := signer.Providers{keys}
	if w.KeystoreDir != "" {
		providers = append(providers, signer.NewKeystoreProvider(w.KeystoreDir, func(common.Address) string {
			return a.Config.Passphrase()
		}))
	}

	r := signer.NewResolver(providers, a.Log)
	for _, addr := range keys.Addresses() {
		r.Register(addr, signer.OriginKey)
	}
	for _, raw := range w.TestAccounts {
		addr, err := signer.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("test account: %w", err)
		}
		r.Register(addr, signer.OriginTest)
	}
	if len(w.TestAccounts) > 0 && !a.Config.Chain.Fake {
		a.Log.Warn("test accounts are configured against a real chain; their transactions will be rejected")
	}
	return r, nil
}

func (a *App) openNotifications(ctx context.Context) error {
	n := a.Config.Notifications
	var store notify.Store
	if n.PostgresDSN != "" {
		pg, err := notify.NewPostgresSink(ctx, n.PostgresDSN)
		if err != nil {
			return fmt.Errorf("notification store: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		store = pg
	} else {
		store = notify.NewMemorySink()
	}
	a.Notifications = store
	a.Emitter = notify.NewEmitter(
		notify.MultiSink{store, notify.LogSink{Log: a.Log.WithField("component", "notifications")}},
		notify.WithQueueSize(n.QueueSize),
		notify.WithDeliveryTimeout(n.DeliveryTimeout),
		notify.WithLogger(a.Log),
		notify.WithMetrics(a.Metrics),
	)
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = a.Emitter.Close(ctx)
	})
	return nil
}

func (a *App) openIdempotency(ctx context.Context) error {
	dsn := a.Config.Service.IdempotencyDSN
	if dsn == "" {
		a.Idempotency = idempotency.NewMemoryStore()
		return nil
	}
	pg, err := idempotency.NewPostgresStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	a.Idempotency = pg
	return nil
}

// RPCHealth probes the chain client when it supports it.
func (a *App) RPCHealth(ctx context.Context) error {
	if hc, ok := a.Chain.(chain.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return errors.New("chain client has no health probe")
}

// Close drains pending notifications and releases connections.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Emitter != nil {
		err = a.Emitter.Close(ctx)
	}
	a.closeAll()
	return err
}

const closeTimeout = 5 * time.Second

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
