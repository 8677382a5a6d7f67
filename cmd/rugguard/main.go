package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"rugguard/internal/analysis"
	"rugguard/internal/budget"
	"rugguard/internal/cmdlog"
	"rugguard/internal/config"
	"rugguard/internal/dedup"
	"rugguard/internal/engage"
	"rugguard/internal/jobs"
	"rugguard/internal/logging"
	"rugguard/internal/metrics"
	"rugguard/internal/server"
	"rugguard/internal/store"
	"rugguard/internal/theme"
	"rugguard/internal/trustlist"
	"rugguard/internal/xclient"
)

const defaultConfigPath = "./rugguard.yaml"

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	var err error
	switch cmd {
	case "init":
		err = cmdlog.Run("init", cmdInit)
	case "run":
		err = cmdlog.Run("run", cmdRun)
	case "serve":
		err = cmdlog.Run("serve", cmdServe)
	case "analyze":
		err = cmdlog.Run("analyze", cmdAnalyze)
	case "trustlist":
		err = cmdlog.Run("trustlist", cmdTrustList)
	default:
		printHelp()
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: rugguard <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init        Create a config file at ./rugguard.yaml")
	fmt.Println("  run         Poll for trigger replies and answer with trust scores")
	fmt.Println("  serve       Serve the analyze/trigger HTTP API")
	fmt.Println("  analyze     Score one account without replying")
	fmt.Println("  trustlist   Fetch and print the trust list")
}

// app holds the shared state both entry paths use.
type app struct {
	cfg    config.Config
	db     *store.DB
	client *xclient.HTTPClient
	budget *budget.Budget
	claims dedup.Claimer
	trust  *trustlist.Cache
	orch   *analysis.Orchestrator
}

func loadConfig(fs *flag.FlagSet) (config.Config, error) {
	cfgPath := fs.String("config", defaultConfigPath, "config path")
	envPath := fs.String("env", ".env", "path to .env file")
	dryRun := fs.Bool("dry-run", false, "score and log without posting replies")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return config.Config{}, err
	}
	if err := config.LoadDotEnv(*envPath); err != nil {
		return config.Config{}, fmt.Errorf("load %s: %w", *envPath, err)
	}
	cfg, err := config.Load(*cfgPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		cfg.ResolveEnv()
	} else if err != nil {
		return cfg, err
	}
	if *dryRun {
		cfg.Analysis.DryRun = true
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.db = db

	if cfg.Credentials.BearerToken == "" {
		logging.Warn("missing_bearer_token", map[string]any{"hint": "set X_BEARER_TOKEN; API calls will fail"})
	}
	limits := make(map[budget.Category]int, len(cfg.Budget.Limits))
	for k, v := range cfg.Budget.Limits {
		limits[budget.Category(k)] = v
	}
	a.budget = budget.New(cfg.Budget.Window, limits)

	cr := cfg.Credentials
	a.client = xclient.NewHTTPClient(cr.BearerToken).
		Configure(xclient.Settings{
			BaseURL:     cfg.API.BaseURL,
			RPS:         cfg.API.RPS,
			Burst:       cfg.API.Burst,
			MaxAttempts: cfg.API.MaxAttempts,
			BaseBackoff: cfg.API.BaseBackoff,
			Timeout:     cfg.API.Timeout,
		}).
		WithUserAuth(cr.UserToken, xclient.NewOAuth1(cr.ConsumerKey, cr.ConsumerSecret, cr.AccessToken, cr.AccessSecret)).
		WithBudget(a.budget)

	if cfg.Dedup.Persist {
		a.claims = dedup.NewPersistent(db, cfg.Dedup.Retention)
	} else {
		a.claims = dedup.NewMemory(cfg.Dedup.Retention)
	}
	a.trust = trustlist.New(cfg.TrustList.URL, cfg.TrustList.TTL, cfg.TrustList.Timeout)
	a.orch = analysis.New(a.client, a.budget, a.claims, a.trust, analysis.Options{
		MaxRecentPosts:   cfg.Analysis.MaxRecentPosts,
		ReleaseOnFailure: cfg.Dedup.ReleaseOnFailure,
		DryRun:           cfg.Analysis.DryRun,
	}).WithReplyLog(db)
	if cfg.Analysis.MaxRepliesPerHour > 0 || cfg.Analysis.MaxRepliesPerDay > 0 {
		caps := engage.Caps{MaxPerHour: cfg.Analysis.MaxRepliesPerHour, MaxPerDay: cfg.Analysis.MaxRepliesPerDay}
		a.orch.WithReplyGate(engage.NewGate(db, caps, string(analysis.StatusReplied)))
	}
	return a, nil
}

func (a *app) Close() { _ = a.db.Close() }

func (a *app) scheduler() (*jobs.Scheduler, error) {
	s := jobs.NewScheduler()
	if a.cfg.TrustList.RefreshCron != "" {
		if err := s.AddTrustListRefresh(a.cfg.TrustList.RefreshCron, a.trust, a.cfg.TrustList.Timeout); err != nil {
			return nil, fmt.Errorf("trustList.refreshCron: %w", err)
		}
	}
	if a.cfg.Dedup.PruneCron != "" && a.cfg.Dedup.Retention > 0 {
		if err := s.AddClaimPrune(a.cfg.Dedup.PruneCron, a.claims); err != nil {
			return nil, fmt.Errorf("dedup.pruneCron: %w", err)
		}
	}
	return s, nil
}

// botID returns the configured bot account id, resolving it from the username once.
func (a *app) botID(ctx context.Context) string {
	if a.cfg.Account.ID != "" || a.cfg.Account.Username == "" {
		return a.cfg.Account.ID
	}
	if d := a.budget.TryAcquireN(budget.Lookup, xclient.AccountFetchCalls); !d.Granted {
		return ""
	}
	me, err := a.client.FetchAccountByUsername(ctx, a.cfg.Account.Username, 5)
	if err != nil {
		logging.Warn("bot_account_lookup_failed", map[string]any{"username": a.cfg.Account.Username, "error": err.Error()})
		return ""
	}
	return me.ID
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdInit() error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", defaultConfigPath, "path to write config")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(os.Args[2:])
	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s exists; use -force to overwrite", *path)
	}
	if err := config.Save(*path, config.Default()); err != nil {
		return err
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner()
	fmt.Println("Config written to:", abs)
	return nil
}

func cmdRun() error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	once := fs.Bool("once", false, "run a single poll cycle and exit")
	withAPI := fs.Bool("serve", false, "also serve the HTTP API")
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	if !cfg.Analysis.DryRun && !cfg.HasUserAuth() {
		return errors.New("posting replies needs X_USER_TOKEN or the four OAuth1 credentials (or use -dry-run)")
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	a.trust.EnsureFresh(ctx)

	poller := jobs.NewPoller(a.client, a.orch, a.budget, a.db, jobs.PollOptions{
		Phrase:      cfg.Trigger.Phrase,
		BotID:       a.botID(ctx),
		Lookback:    cfg.Trigger.Lookback,
		MaxResults:  cfg.Trigger.MaxResults,
		DeferPolicy: jobs.DeferPolicy(cfg.Analysis.DeferPolicy),
		MaxDeferred: cfg.Analysis.MaxDeferred,
	})
	if *once {
		res, err := poller.RunOnce(ctx)
		fmt.Printf("seen=%d replied=%d duplicates=%d deferred=%d dropped=%d failed=%d ignored=%d\n",
			res.Seen, res.Replied, res.Duplicates, res.Deferred, res.Dropped, res.Failed, res.Ignored)
		var be *analysis.BudgetError
		if errors.As(err, &be) {
			fmt.Printf("search budget exhausted; retry in %s\n", be.Wait.Round(time.Second))
			return nil
		}
		return err
	}

	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if *withAPI {
		srv := server.New(server.Deps{Analyzer: a.orch, Budget: a.budget, Trust: a.trust, Replies: a.db, Pending: poller.Pending}, cfg.Server.RequestsPerMinute)
		go func() {
			if err := srv.Run(ctx, cfg.Server.Addr); err != nil {
				logging.Error("server_failed", map[string]any{"error": err.Error()})
				cancel()
			}
		}()
	} else if cfg.Metrics.Addr != "" {
		metrics.StartServer(cfg.Metrics.Addr)
	}
	logging.Info("rugguard_start", map[string]any{
		"phrase": cfg.Trigger.Phrase, "interval": cfg.Trigger.PollInterval.String(), "dry_run": cfg.Analysis.DryRun,
	})
	return poller.RunLoop(ctx, cfg.Trigger.PollInterval)
}

func cmdServe() error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()
	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Deps{Analyzer: a.orch, Budget: a.budget, Trust: a.trust, Replies: a.db}, cfg.Server.RequestsPerMinute)
	return srv.Run(ctx, cfg.Server.Addr)
}

func cmdAnalyze() error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: usage: rugguard analyze [options] <account id or @username>", analysis.ErrInvalidInput)
	}
	cfg.Storage.DBPath = ":memory:"
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	out, err := a.orch.Analyze(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	r := out.Result
	fmt.Printf("@%s  %s  %.1f/100\n", r.Username, theme.Tier(r.Tier), r.Score)
	for _, line := range r.Breakdown {
		fmt.Println("  " + line)
	}
	if len(r.Flags) > 0 {
		fmt.Println("  flags: " + strings.Join(r.Flags, ", "))
	}
	fmt.Println()
	fmt.Println(out.Reply)
	return nil
}

func cmdTrustList() error {
	fs := flag.NewFlagSet("trustlist", flag.ExitOnError)
	url := fs.String("url", "", "trust list URL (defaults to config)")
	check := fs.String("check", "", "report whether this id or username is listed")
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	if *url == "" {
		*url = cfg.TrustList.URL
	}
	cache := trustlist.New(*url, cfg.TrustList.TTL, cfg.TrustList.Timeout)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.TrustList.Timeout)
	defer cancel()
	if err := cache.Refresh(ctx); err != nil {
		return err
	}
	if *check != "" {
		fmt.Printf("%s listed=%v\n", *check, cache.Contains(*check))
		return nil
	}
	for _, id := range cache.Entries() {
		fmt.Println(id)
	}
	info := cache.Info()
	fmt.Printf("%d entries, %d skipped\n", info.Count, info.Skipped)
	return nil
}
