package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/SolaceLabs/taskwatch/internal/auth"
	"github.com/SolaceLabs/taskwatch/internal/clock"
	"github.com/SolaceLabs/taskwatch/internal/config"
	"github.com/SolaceLabs/taskwatch/internal/events"
	"github.com/SolaceLabs/taskwatch/internal/logging"
	"github.com/SolaceLabs/taskwatch/internal/notify"
	"github.com/SolaceLabs/taskwatch/internal/probe"
	"github.com/SolaceLabs/taskwatch/internal/registry"
	"github.com/SolaceLabs/taskwatch/internal/store"
	"github.com/SolaceLabs/taskwatch/internal/stream"
	"github.com/SolaceLabs/taskwatch/internal/sweep"
	"github.com/SolaceLabs/taskwatch/internal/watch"
	"github.com/SolaceLabs/taskwatch/internal/web"
)

var version = "dev"

// settingNotifyEvents is the store key for the persisted notification filter.
const settingNotifyEvents = "notify_events"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("taskwatch " + version)
	fmt.Println("=============================================")
	fmt.Printf("TASKWATCH_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("TASKWATCH_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("TASKWATCH_STATUS_URL=%s\n", cfg.StatusURL)
	fmt.Printf("TASKWATCH_SWEEP_INTERVAL=%s\n", cfg.SweepInterval)
	fmt.Printf("TASKWATCH_AUTH_MODE=%s\n", cfg.AuthMode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	reg := registry.New(db, log)
	bus := events.New()

	providers := buildNotifiers(cfg, log)
	notifyEvents := cfg.NotifyEvents
	if stored, err := db.LoadSetting(settingNotifyEvents); err != nil {
		log.Warn("failed to load notification settings", "error", err)
	} else if stored != "" {
		var saved []string
		if err := json.Unmarshal([]byte(stored), &saved); err != nil {
			log.Warn("ignoring malformed notification settings", "error", err)
		} else {
			// A filter saved through the API wins over the environment.
			notifyEvents = saved
		}
	}
	notifier := notify.NewMulti(log, filterNotifiers(providers, notifyEvents)...)

	upstream := upstreamClient(ctx, cfg)
	streams := stream.NewManager(upstream, stream.Policy{
		Base:         cfg.BackoffBase,
		Cap:          cfg.BackoffCap,
		Budget:       cfg.RetryBudget,
		HealthyAfter: cfg.HealthyAfter,
	}, clock.Real{}, bus, log)

	opts := watch.Options{
		Registry:    reg,
		Streams:     streams,
		History:     db,
		Bus:         bus,
		Notifier:    notifier,
		Log:         log,
		CompleteOn:  cfg.CompleteEvents,
		FailOn:      cfg.FailEvents,
		HistoryKeep: cfg.HistoryLimit,
	}

	var prober *probe.Client
	if cfg.StatusURL != "" {
		// The shared client already injects upstream credentials.
		prober = probe.NewClient(cfg.StatusURL, "", upstream)
		opts.Probe = prober
	}

	watcher := watch.New(opts)

	var sweeper *sweep.Sweeper
	if prober != nil {
		sweeper, err = sweep.New(sweep.Options{
			Watcher:  watcher,
			Prober:   prober,
			Bus:      bus,
			Log:      log,
			Interval: cfg.SweepInterval,
			Schedule: cfg.SweepCron,
			Textfile: cfg.TextfilePath,
		})
		if err != nil {
			log.Error("invalid sweep configuration", "error", err)
			os.Exit(1)
		}
	} else {
		log.Info("no status URL configured, reconciliation sweep disabled")
	}

	var verifier auth.BearerVerifier
	if cfg.AuthMode == "oidc" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCAudience)
		if err != nil {
			log.Error("failed to reach OIDC issuer", "issuer", cfg.OIDCIssuer, "error", err)
			os.Exit(1)
		}
		verifier = v
	}

	deps := web.Dependencies{
		Watcher:  watcher,
		History:  db,
		EventBus: bus,
		Auth:     auth.NewService(cfg.AuthMode, cfg.APIToken, db, verifier, log),
		Notifications: &notifyRuntime{
			db:     db,
			multi:  notifier,
			base:   providers,
			active: notifyEvents,
		},
		Log:          log,
		Version:      version,
		HookSecret:   cfg.HookSecret,
		UpstreamBase: upstreamBase(cfg.StatusURL),
	}
	if sweeper != nil {
		deps.Sweeper = sweeper
	}
	srv := web.NewServer(deps)

	if cfg.ManifestPath != "" {
		man, err := config.LoadManifest(cfg.ManifestPath)
		if err != nil {
			log.Error("failed to load watch manifest", "path", cfg.ManifestPath, "error", err)
			os.Exit(1)
		}
		for _, w := range man.Watches {
			reg.Register(registry.Descriptor{TaskID: w.TaskID, Endpoint: w.Endpoint, Metadata: w.Metadata})
		}
		log.Info("manifest watches registered", "count", len(man.Watches))
	}

	// Resume picks up everything the registry restored plus the manifest
	// entries, reconciling tasks that finished while the daemon was down.
	report := watcher.Resume(ctx, watch.ResumeOptions{})
	log.Info("startup recovery complete",
		"resumed", len(report.Resumed),
		"reconciled", len(report.Reconciled),
		"skipped", len(report.Skipped))

	if sweeper != nil {
		go sweeper.Run(ctx)
	}

	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", "error", err)
		}
	}()

	log.Info("taskwatch started", "version", version, "addr", cfg.ListenAddr)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api server shutdown", "error", err)
	}
	watcher.Shutdown()

	log.Info("taskwatch shutdown complete")
}

// buildNotifiers assembles the configured notification providers, unfiltered.
// The event filter is applied separately so it can change at runtime.
func buildNotifiers(cfg *config.Config, log *logging.Logger) []notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.NotifyLog {
		notifiers = append(notifiers, notify.NewLogNotifier(log))
	}
	if cfg.WebhookURL != "" {
		var headers map[string]string
		if cfg.WebhookToken != "" {
			headers = map[string]string{"Authorization": "Bearer " + cfg.WebhookToken}
		}
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, headers))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(
			cfg.MQTTBroker, cfg.MQTTTopic, "taskwatch",
			cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	return notifiers
}

// filterNotifiers wraps each provider in the event filter. An empty filter
// passes every event through.
func filterNotifiers(base []notify.Notifier, eventTypes []string) []notify.Notifier {
	if len(eventTypes) == 0 {
		return base
	}
	out := make([]notify.Notifier, len(base))
	for i, n := range base {
		out[i] = notify.NewFiltered(n, eventTypes)
	}
	return out
}

// notifyRuntime exposes the notification filter to the web API. Changes are
// applied to the live chain first and then persisted for the next boot.
type notifyRuntime struct {
	mu     sync.Mutex
	db     *store.Store
	multi  *notify.Multi
	base   []notify.Notifier
	active []string
}

func (nr *notifyRuntime) NotifyEvents() []string {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	return append([]string(nil), nr.active...)
}

func (nr *notifyRuntime) SetNotifyEvents(eventTypes []string) error {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	nr.multi.Reconfigure(filterNotifiers(nr.base, eventTypes)...)
	nr.active = append([]string(nil), eventTypes...)
	raw, err := json.Marshal(nr.active)
	if err != nil {
		return err
	}
	return nr.db.SaveSetting(settingNotifyEvents, string(raw))
}

// upstreamClient builds the HTTP client shared by stream subscriptions and
// status probes. ResponseHeaderTimeout bounds the subscribe handshake
// without cutting long-lived streams short.
func upstreamClient(ctx context.Context, cfg *config.Config) *http.Client {
	base := &http.Transport{ResponseHeaderTimeout: cfg.RequestTimeout}
	switch {
	case cfg.OAuthTokenURL != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
		return cc.Client(ctx)
	case cfg.UpstreamToken != "":
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.UpstreamToken})
		return &http.Client{Transport: &oauth2.Transport{Source: src, Base: base}}
	default:
		return &http.Client{Transport: base}
	}
}

// upstreamBase extracts the scheme and host from the status URL so that
// relative endpoints in hook announcements can be resolved against it.
func upstreamBase(statusURL string) string {
	if statusURL == "" {
		return ""
	}
	u, err := url.Parse(statusURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
