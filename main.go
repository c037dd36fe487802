// Command chatgate is a Twitch chat bot that gates commands behind a rules
// agreement. It:
//   - Loads configuration and initializes structured logging.
//   - Loads the verified-user set from Postgres (DB_DSN), Pebble or a JSON file.
//   - Wires the optional collaborators: Google Sheets roster, Safe Browsing
//     classifier, OpenAI text-to-speech, Helix moderation.
//   - Keeps an IRC session alive and dispatches chat commands.
//   - Exposes /healthz, /readyz, /status, /metrics, audio downloads and the
//     admin moderation API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/chatgate/bot"
	"github.com/onnwee/chatgate/chat"
	"github.com/onnwee/chatgate/config"
	"github.com/onnwee/chatgate/db"
	"github.com/onnwee/chatgate/roster"
	"github.com/onnwee/chatgate/safety"
	"github.com/onnwee/chatgate/server"
	"github.com/onnwee/chatgate/telemetry"
	"github.com/onnwee/chatgate/tts"
	"github.com/onnwee/chatgate/twitchapi"
	"github.com/onnwee/chatgate/verify"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chatgate", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: Postgres when DB_DSN is set, otherwise Pebble or a JSON file under DATA_DIR.
	var database *sql.DB
	var persister verify.Persister
	if cfg.DBDsn != "" {
		database = openDatabase(ctx, cfg.DBDsn)
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		persister = &verify.PostgresPersister{DB: database}
	} else if cfg.StoreBackend == "pebble" {
		pp, err := verify.OpenPebble(filepath.Join(cfg.DataDir, "verified"))
		if err != nil {
			slog.Error("failed to open pebble store", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := pp.Close(); err != nil {
				slog.Error("failed to close pebble store", slog.Any("err", err))
			}
		}()
		persister = pp
	} else {
		persister = verify.NewFilePersister(cfg.DataDir)
		slog.Info("using file persistence", slog.String("dir", cfg.DataDir), slog.String("component", "verify"))
	}

	// Roster fallback (optional).
	var rosterLookup verify.Roster
	if cfg.RosterEnabled() {
		rc, err := roster.New(ctx, cfg.GoogleCredentials, cfg.GoogleSheetID, cfg.GoogleSheetRange, cfg.CollaboratorTimeout)
		if err != nil {
			slog.Error("roster client init failed", slog.Any("err", err))
			os.Exit(1)
		}
		rosterLookup = rc
	}

	store := verify.NewStore(persister, rosterLookup)
	if err := store.Load(ctx); err != nil {
		// an unreadable store would silently unverify everyone
		slog.Error("verified users load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Safety classifier (optional).
	var classifier bot.Classifier
	if cfg.SafeBrowsingKey != "" {
		sc, err := safety.New(ctx, cfg.SafeBrowsingKey, cfg.CollaboratorTimeout)
		if err != nil {
			slog.Error("safety client init failed", slog.Any("err", err))
			os.Exit(1)
		}
		classifier = sc
	} else {
		slog.Info("safety checks disabled: SAFE_BROWSING_API_KEY not set", slog.String("component", "safety"))
	}

	// Speech synthesis; disabled Synthesizers make no requests.
	synth := tts.New(tts.Config{
		APIKey:    cfg.OpenAIAPIKey,
		Enabled:   cfg.EnableTTS,
		Dir:       cfg.TTSDir,
		Timeout:   cfg.CollaboratorTimeout,
		Retention: cfg.TTSRetention,
	})
	synth.StartPruner(ctx, 0)
	slog.Info("tts configured", slog.Bool("enabled", synth.Enabled()), slog.String("dir", synth.Dir()), slog.String("component", "tts"))

	// Moderation via Helix needs a client id; without it ban/unban fail and are logged.
	var moderator chat.Moderator
	if cfg.TwitchClientID != "" {
		helix := &twitchapi.HelixClient{
			ClientID:       cfg.TwitchClientID,
			UserToken:      twitchapi.StaticToken(cfg.TwitchOAuthToken),
			ModeratorLogin: cfg.TwitchBotUsername,
			HTTPClient:     newHTTPClient(cfg.CollaboratorTimeout),
		}
		if cfg.TwitchClientSecret != "" {
			helix.AppTokenSource = &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
		}
		moderator = helix
	} else {
		slog.Warn("moderation disabled: TWITCH_CLIENT_ID not set", slog.String("component", "chat"))
	}

	// Channels added at runtime through the admin API survive restarts when Postgres is configured.
	channels := cfg.TwitchChannels
	var channelStore server.ChannelSaver
	if database != nil {
		cs := db.ChannelStore{DB: database}
		if saved, err := cs.Load(ctx); err != nil {
			slog.Warn("saved channels load failed", slog.Any("err", err), slog.String("component", "chat"))
		} else {
			channels = append(channels, saved...)
		}
		channelStore = cs
	}

	transport := chat.NewIRCTransport(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, moderator)
	var dispatcher *bot.Dispatcher
	manager := chat.NewManager(cfg.TwitchBotUsername, channels, transport, chat.HandlerFunc(func(ctx context.Context, msg chat.Message) {
		dispatcher.Handle(ctx, msg)
	}), chat.Options{ActionTimeout: cfg.CollaboratorTimeout})
	dispatcher = bot.New(manager, store, classifier, synth, bot.Options{
		BotName:      cfg.TwitchBotUsername,
		AudioBaseURL: audioBaseURL(cfg.PublicBaseURL),
	})
	manager.OnConnected(func() {
		slog.Info("chat ready", slog.Any("channels", manager.Channels()), slog.Int("verified_users", store.Len()))
	})
	manager.OnDisconnected(func(err error) {
		if err != nil {
			slog.Warn("chat dropped; reconnecting", slog.Any("err", err))
		}
	})

	go func() {
		deps := server.Deps{
			Chat:     manager,
			DB:       database,
			Channels: channelStore,
			Verified: store,
			AudioDir: cfg.TTSDir,
		}
		if err := server.Start(ctx, cfg.HTTPAddr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Blocks until shutdown signal.
	manager.Run(ctx)
	slog.Info("shutting down")
	manager.Close()
}

// setupLogging configures the default slog logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// openDatabase connects and migrates, exiting on failure. Versioned migrations
// run first; the embedded schema is the fallback when the migrations directory
// is unavailable.
func openDatabase(ctx context.Context, dsn string) *sql.DB {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	database, err := db.Connect(connectCtx, dsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}
	return database
}

// newHTTPClient returns a traced client for Helix calls.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

func audioBaseURL(public string) string {
	if public == "" {
		return ""
	}
	return strings.TrimRight(public, "/") + "/tts"
}
