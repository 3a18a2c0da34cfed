package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"agenda/internal/agenda"
	"agenda/internal/completion"
	"agenda/internal/config"
	"agenda/internal/ics"
	"agenda/internal/kv"
	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/notify"
	"agenda/internal/reminder"
	"agenda/internal/schedule"
	"agenda/internal/settings"
	"agenda/internal/sqlitedb"
	"agenda/internal/store"
	"agenda/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values; they override the config file.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	memory     bool
	once       bool
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		appLog.Error("agenda exiting with error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("agenda starting", "version", version)

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", conf.Timezone)
	}
	now := func() time.Time { return time.Now().In(loc) }

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"data_dir", conf.DataDir,
		"memory", flags.memory,
		"feed_count", len(conf.Feeds),
		"refresh", conf.RefreshCron,
		"reschedule", conf.Reminders.RescheduleCron,
	)

	provider, err := newProvider(conf, loc)
	if err != nil {
		return err
	}

	kvStore, events, closeStores, err := openStores(conf, flags.memory)
	if err != nil {
		return err
	}
	defer closeStores()

	importer := &ics.Importer{
		Fetcher: ics.NewFetcher(kvStore, nil),
		Events:  events,
		KV:      kvStore,
		Expand:  ics.ExpandConfig{Location: loc},
		Horizon: conf.Reminders.Horizon,
	}
	sources := feedSources(conf.Feeds)

	// --once: import feeds and exit.
	if flags.once {
		n, errs := importer.ImportAll(context.Background(), sources)
		appLog.Info("one-shot import finished", "created", n, "errors", len(errs))
		return errors.Join(errs...)
	}

	prefs := settings.New(kvStore)
	gate := notify.NewGate(kvStore)
	feed := notify.NewFeed(0)
	reminders := reminder.New(reminder.Config{
		ClassLead: conf.Reminders.ClassLead,
		EventLead: conf.Reminders.EventLead,
		Horizon:   conf.Reminders.Horizon,
		Location:  loc,
	}, prefs, gate, notify.Gated{Gate: gate, Next: notify.Multi{feed, notify.LogNotifier{}}})

	rearm := func(evs []model.UserEvent) {
		n := reminders.ScheduleAll(provider.Sessions(now()), evs)
		appLog.Debug("reminders scheduled", "armed", n, "events", len(evs))
	}

	srv := web.NewServer(web.Deps{
		Config:     conf,
		Provider:   provider,
		Events:     events,
		Completion: completion.New(kvStore),
		Settings:   prefs,
		Cursor:     agenda.NewCursor(now, conf.Navigation.SwipeThreshold, conf.Navigation.PullThreshold),
		Gate:       gate,
		Feed:       feed,
		Reminders:  reminders,
		Now:        now,
		// Markers are kept: anything already armed stays deduplicated.
		OnPermissionGranted: func() {
			evs, err := events.Snapshot(context.Background())
			if err != nil {
				appLog.Error("permission granted: snapshot failed", err)
				return
			}
			rearm(evs)
		},
	})
	unsubscribe := events.Subscribe(func(evs []model.UserEvent) {
		srv.SetEvents(evs)
		rearm(evs)
	})
	defer unsubscribe()

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := reminders.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("reminder loop stopped", err)
		}
	}()

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(conf.Reminders.RescheduleCron, func() {
		evs, err := events.Snapshot(ctx)
		if err != nil {
			appLog.Error("reschedule: snapshot failed", err)
			return
		}
		reminders.ClearScheduled()
		rearm(evs)
	}); err != nil {
		return fmt.Errorf("reminders.reschedule_cron %q: %w", conf.Reminders.RescheduleCron, err)
	}
	if len(sources) > 0 {
		refresh := func() {
			n, errs := importer.ImportAll(ctx, sources)
			appLog.Info("feed refresh finished", "created", n, "errors", len(errs))
		}
		if _, err := c.AddFunc(conf.RefreshCron, refresh); err != nil {
			return fmt.Errorf("refresh %q: %w", conf.RefreshCron, err)
		}
		go refresh()
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	appLog.Info("agenda exiting")
	return nil
}

func parseFlags(args []string) (flagConfig, error) {
	var cfg flagConfig

	fs := pflag.NewFlagSet("agenda", pflag.ContinueOnError)
	fs.StringVarP(&cfg.configPath, "config", "c", "/etc/agenda/config.yaml", "Path to config file")
	fs.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	fs.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config if set)")
	fs.BoolVar(&cfg.memory, "memory", false, "Keep events and settings in memory instead of SQLite")
	fs.BoolVar(&cfg.once, "once", false, "Import the configured feeds once and exit")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return cfg, nil
}

func newProvider(conf *config.Config, loc *time.Location) (*schedule.Provider, error) {
	var (
		tt  *schedule.Timetable
		err error
	)
	if conf.Timetable == "" {
		tt, err = schedule.DefaultTimetable()
	} else {
		tt, err = schedule.LoadTimetable(conf.Timetable)
	}
	if err != nil {
		return nil, fmt.Errorf("load timetable: %w", err)
	}

	var end time.Time
	if conf.ScheduleEndDate != "" {
		if end, err = model.ParseDate(conf.ScheduleEndDate); err != nil {
			return nil, fmt.Errorf("schedule_end_date: %w", err)
		}
	}
	return schedule.NewProvider(tt, end, loc)
}

// openStores returns the key-value store and event store, backed by one
// SQLite database unless memory is set.
func openStores(conf *config.Config, memory bool) (kv.Store, store.Store, func(), error) {
	if memory {
		events := store.NewMemory(nil)
		return kv.NewMemory(), events, func() { _ = events.Close() }, nil
	}

	if err := os.MkdirAll(conf.DataDir, 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sqlitedb.Open(sqlitedb.Config{Path: conf.DBPath(), Logger: appLog.Slog()})
	if err != nil {
		return nil, nil, nil, err
	}
	events := store.NewSQLite(db, nil)
	closeAll := func() {
		if err := events.Close(); err != nil {
			appLog.Error("event store close failed", err)
		}
		if err := db.Close(); err != nil {
			appLog.Error("database close failed", err)
		}
	}
	return kv.NewSQLite(db), events, closeAll, nil
}

// feedSources converts configured feeds, using the name or URL as the id
// when none is set.
func feedSources(feeds []config.FeedConfig) []ics.Source {
	sources := make([]ics.Source, 0, len(feeds))
	for _, f := range feeds {
		if f.URL == "" {
			continue
		}
		id := f.ID
		if id == "" {
			if f.Name != "" {
				id = f.Name
			} else {
				id = f.URL
			}
		}
		sources = append(sources, ics.Source{ID: id, URL: f.URL})
	}
	return sources
}
