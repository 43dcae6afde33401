package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polymirror/internal/backoff"
	"github.com/alanyoungcy/polymirror/internal/balance"
	"github.com/alanyoungcy/polymirror/internal/config"
	"github.com/alanyoungcy/polymirror/internal/crypto"
	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/executor"
	"github.com/alanyoungcy/polymirror/internal/feed"
	"github.com/alanyoungcy/polymirror/internal/handoff"
	"github.com/alanyoungcy/polymirror/internal/monitor"
	"github.com/alanyoungcy/polymirror/internal/platform/goldsky"
	"github.com/alanyoungcy/polymirror/internal/platform/paper"
	"github.com/alanyoungcy/polymirror/internal/platform/polymarket"
	"github.com/alanyoungcy/polymirror/internal/server"
	"github.com/alanyoungcy/polymirror/internal/server/handler"
	"github.com/alanyoungcy/polymirror/internal/server/ws"
	"github.com/alanyoungcy/polymirror/internal/service"
)

// paperAccount is the operator account in paper mode when no funder is set.
const paperAccount = "paper"

// venueHandle is the venue plus the operator account it trades for.
type venueHandle struct {
	venue   domain.Venue
	account string
	close   func()
}

// openVenue builds the live Polymarket venue or the paper venue. Live mode
// resolves the operator key and derives CLOB credentials when none are
// configured; any failure there is fatal.
func openVenue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*venueHandle, error) {
	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, cfg.Executor.MarketTimeout.Duration)
	needChain := cfg.Mode == "live" || cfg.Sizing.Mode == string(executor.ModeOnchainBalance)

	var chain *polymarket.ChainBalances
	if needChain {
		c, err := polymarket.DialChain(ctx, cfg.Polymarket.RPCURL, cfg.Polymarket.USDCAddress)
		if err != nil {
			return nil, fmt.Errorf("app: %w: %w", domain.ErrConfigurationFatal, err)
		}
		chain = c
	}
	closeChain := func() {
		if chain != nil {
			chain.Close()
		}
	}

	if cfg.Mode != "live" {
		account := cfg.Wallet.FunderAddress
		if account == "" {
			account = paperAccount
		}
		var others paper.BalanceSource
		if chain != nil {
			others = chain
		}
		v := paper.New(account, decimal.NewFromFloat(cfg.Balance.PaperCapital), gamma, others, logger)
		return &venueHandle{venue: v, account: domain.NormalizeAddress(account), close: closeChain}, nil
	}

	key, err := crypto.ResolveKey(crypto.KeySource{
		Raw:      cfg.Wallet.PrivateKey,
		Path:     cfg.Wallet.EncryptedKeyPath,
		Password: cfg.Wallet.KeyPassword,
	})
	if err != nil {
		closeChain()
		return nil, fmt.Errorf("app: operator key: %w", err)
	}
	signer, err := crypto.NewSigner(key, int64(cfg.Polymarket.ChainID))
	if err != nil {
		closeChain()
		return nil, fmt.Errorf("app: signer: %w: %w", domain.ErrConfigurationFatal, err)
	}
	clob := polymarket.NewClobClient(polymarket.ClobConfig{
		BaseURL:       cfg.Polymarket.ClobHost,
		Funder:        cfg.Wallet.FunderAddress,
		SignatureType: cfg.Polymarket.SignatureType,
		Creds: crypto.APICreds{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		},
		Timeout: cfg.Executor.SubmitTimeout.Duration,
	}, signer)
	if err := clob.EnsureCreds(ctx); err != nil {
		closeChain()
		return nil, fmt.Errorf("app: %w: %w", domain.ErrConfigurationFatal, err)
	}
	logger.InfoContext(ctx, "live venue ready",
		slog.String("signer", signer.Address().Hex()),
		slog.String("funder", clob.Funder().Hex()),
	)
	return &venueHandle{
		venue:   polymarket.NewVenue(clob, gamma, chain),
		account: domain.NormalizeAddress(clob.Funder().Hex()),
		close:   closeChain,
	}, nil
}

// openFeed picks the cursor-based trade feed.
func openFeed(cfg *config.Config, logger *slog.Logger) domain.TradeFeed {
	if cfg.Feed.Source == "goldsky" {
		client := goldsky.NewClient(cfg.Feed.GoldskyURL, cfg.Feed.GoldskyAPIKey, cfg.Feed.Timeout.Duration)
		return feed.NewGoldskyFeed(client, logger)
	}
	return feed.NewDataAPIFeed(cfg.Polymarket.DataAPIHost, cfg.Feed.Timeout.Duration, logger)
}

func watchedAddresses(cfg *config.Config) []domain.WatchedAddress {
	out := make([]domain.WatchedAddress, 0, len(cfg.Monitor.Watch))
	for _, w := range cfg.Monitor.Watch {
		status := domain.AddressActive
		if w.Paused {
			status = domain.AddressPaused
		}
		out = append(out, domain.WatchedAddress{
			Address:         domain.NormalizeAddress(w.Address),
			Label:           w.Label,
			Status:          status,
			CapitalEstimate: decimal.NewFromFloat(w.CapitalEstimate),
		})
	}
	return out
}

func backoffPolicy(cfg *config.Config) backoff.Policy {
	return backoff.Policy{
		Base:        cfg.Backoff.Base.Duration,
		Cap:         cfg.Backoff.Cap.Duration,
		Jitter:      cfg.Backoff.Jitter,
		MaxAttempts: cfg.Backoff.MaxAttempts,
	}
}

func executorConfig(cfg *config.Config, watched []domain.WatchedAddress) executor.Config {
	estimates := make(map[string]decimal.Decimal)
	for _, w := range watched {
		if w.CapitalEstimate.IsPositive() {
			estimates[w.Address] = w.CapitalEstimate
		}
	}
	s, e := cfg.Sizing, cfg.Executor
	grace := e.SettleGrace.Duration
	if strings.EqualFold(cfg.Mode, "paper") {
		// Paper fills move cash synchronously.
		grace = 0
	}
	return executor.Config{
		Sizing: executor.Sizing{
			Mode:                  executor.SizingMode(s.Mode),
			ScaleFactor:           decimal.NewFromFloat(s.ScaleFactor),
			SourceCapitalEstimate: decimal.NewFromFloat(s.SourceCapitalEstimate),
			MinOrderSize:          decimal.NewFromFloat(s.MinOrderSize),
			MaxOrderSize:          decimal.NewFromFloat(s.MaxOrderSize),
			SizeDecimals:          int32(s.SizeDecimals),
			TickSize:              decimal.NewFromFloat(s.TickSize),
			Slippage:              decimal.NewFromFloat(e.Slippage),
			ReserveMargin:         decimal.NewFromFloat(e.ReserveMargin),
			FeeBuffer:             decimal.NewFromFloat(e.FeeBuffer),
		},
		SourceEstimates:   estimates,
		OrderType:         domain.OrderType(strings.ToUpper(e.OrderType)),
		SubmitTimeout:     e.SubmitTimeout.Duration,
		MarketTimeout:     e.MarketTimeout.Duration,
		MaxSubmitAttempts: e.MaxSubmitAttempts,
		MaxBalanceAge:     e.MaxBalanceAge.Duration,
		StaleWait:         e.StaleWait.Duration,
		SettleGrace:       grace,
		RateLimit:         e.RateLimit,
		RateWindow:        e.RateWindow.Duration,
		RetryBackoff:      backoffPolicy(cfg),
	}
}

// buildPipeline assembles monitor, executor, balance tracker, event sinks and
// ancillary tasks around deps and the venue.
func buildPipeline(cfg *config.Config, deps *Dependencies, vh *venueHandle, logger *slog.Logger) *service.Service {
	watched := watchedAddresses(cfg)
	policy := backoffPolicy(cfg)
	ch := handoff.New(cfg.Service.ChannelCapacity)

	// The hub snapshot reads svc, which is only assigned below; the hub does
	// not serve clients before the service starts.
	var svc *service.Service
	var hub *ws.Hub
	if cfg.Server.Enabled {
		hub = ws.NewHub(func() any { return svc.Status() }, logger)
	}

	sinks := []domain.EventSink{service.NewAuditSink(deps.Audit, logger)}
	if deps.EventBus != nil {
		sinks = append(sinks, service.NewBusSink(deps.EventBus, logger))
	}
	if deps.Notifier != nil {
		sinks = append(sinks, deps.Notifier)
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	sink := service.NewMulti(sinks...)

	var sources []string
	if cfg.Sizing.Mode == string(executor.ModeOnchainBalance) {
		for _, w := range watched {
			sources = append(sources, w.Address)
		}
	}
	tracker := balance.New(vh.venue, deps.Balances, balance.Config{
		Account:         vh.account,
		RefreshInterval: cfg.Balance.RefreshInterval.Duration,
		Timeout:         cfg.Balance.Timeout.Duration,
		Backoff:         policy,
		Sources:         sources,
	}, logger)

	mon := monitor.New(openFeed(cfg, logger), deps.Cursors, ch, sink, watched, monitor.Config{
		PollInterval:       cfg.Monitor.PollInterval.Duration,
		PageSize:           cfg.Monitor.PageSize,
		MaxPagesPerCycle:   cfg.Monitor.MaxPagesPerCycle,
		CallTimeout:        cfg.Feed.Timeout.Duration,
		Backoff:            policy,
		StartFromBeginning: cfg.Monitor.StartFrom == "beginning",
	}, logger)

	exe := executor.New(ch, vh.venue, deps.Ledger, tracker, mon, sink, executorConfig(cfg, watched), logger)
	if deps.RateLimiter != nil && cfg.Executor.RateLimit > 0 {
		exe.SetRateLimiter(deps.RateLimiter, "submit:"+vh.account)
	}

	var tasks []service.Task
	if deps.Notifier != nil {
		tasks = append(tasks, service.Task{Name: "notifier", Run: deps.Notifier.Run})
	}
	if deps.Archiver != nil {
		interval := cfg.Service.ArchiveInterval.Duration
		tasks = append(tasks, service.Task{Name: "archiver", Run: func(ctx context.Context) error {
			if err := deps.Archiver.Resume(ctx); err != nil {
				logger.WarnContext(ctx, "archive resume failed, starting from the beginning", slog.String("error", err.Error()))
			}
			return deps.Archiver.Run(ctx, interval)
		}})
	}
	if cfg.Feed.LiveNudges && cfg.Polymarket.LiveWSHost != "" {
		addrs := make([]string, 0, len(watched))
		for _, w := range watched {
			if w.Active() {
				addrs = append(addrs, w.Address)
			}
		}
		live := feed.NewLiveActivity(cfg.Polymarket.LiveWSHost, addrs, mon, policy, logger)
		tasks = append(tasks, service.Task{Name: "live_activity", Run: live.Run})
	}

	svc = service.New(service.Components{
		Channel:  ch,
		Monitor:  mon,
		Executor: exe,
		Balances: tracker,
		Locks:    deps.LockManager,
		Tasks:    tasks,
	}, service.Config{
		Mode:       cfg.Mode,
		DrainGrace: cfg.Service.DrainGrace.Duration,
		LockKey:    "operator:" + vh.account,
		LockTTL:    cfg.Service.LockTTL.Duration,
	}, logger)

	if hub != nil {
		srv := server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			Limiter:     deps.RateLimiter,
			RateLimit:   cfg.Server.RateLimit,
			RateWindow:  cfg.Server.RateWindow.Duration,
		}, server.Handlers{
			Health: handler.NewHealthHandler(deps.Checks),
			Status: handler.NewStatusHandler(svc),
			Orders: handler.NewOrderHandler(deps.Ledger, logger),
			Hub:    hub,
		}, logger)
		svc.AddTask(service.Task{Name: "ws_hub", Run: hub.Run})
		svc.AddTask(service.Task{Name: "http", Run: srv.Run})
	}

	return svc
}
