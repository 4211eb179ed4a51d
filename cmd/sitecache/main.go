package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/sitecache"
	"github.com/always-cache/sitecache/cache"
	serializer "github.com/always-cache/sitecache/pkg/response-serializer"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	configFilenameFlag string
	listenFlag         string
	adminListenFlag    string
	originFlag         string
	upstreamFlag       string
	hostFlag           string
	generationFlag     string
	dbFilenameFlag     string
	storeFlag          string
	redisFlag          string
	codecFlag          string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (default :8080)")
	flag.StringVar(&adminListenFlag, "admin-listen", "", "Address for /healthz and /metrics (default localhost:9090)")
	flag.StringVar(&originFlag, "origin", "", "Public origin of the site, e.g. https://example.com")
	flag.StringVar(&upstreamFlag, "upstream", "", "Address to fetch the origin from (defaults to origin)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of upstream")
	flag.StringVar(&generationFlag, "generation", "", "Cache generation (defaults to version)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&storeFlag, "store", "", "Cache store: memory, sqlite or redis")
	flag.StringVar(&redisFlag, "redis", "", "Redis URL for the redis store")
	flag.StringVar(&codecFlag, "codec", "", "Entry encoding: msgpack or cbor")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	config, err := loadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&config)
	if err := config.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	if config.Generation == "" {
		config.Generation = defaultGeneration()
	}

	setupLogging(config.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, config)
	if err != nil {
		log.Fatal().Err(err).Str("store", config.Store).Msg("Could not open cache store")
	}
	defer store.Close()

	upstream, err := config.upstreamURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid upstream")
	}
	origin := config.originURL()
	controller, err := sitecache.New(sitecache.Config{
		Generation: config.Generation,
		Manifest:   config.Manifest,
		Origin:     origin,
		Fallback:   config.Fallback,
		Store:      store,
		Fetcher: sitecache.NewOriginFetcher(sitecache.OriginFetcherConfig{
			Origin:   origin,
			Upstream: upstream,
			Host:     config.Host,
			Rules:    config.Rules,
			Timeout:  config.Timeout,
		}),
		Logger: &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache controller")
	}

	// a generation that failed to install is never routed to
	if err := controller.Install(ctx); err != nil {
		log.Fatal().Err(err).Msg("Install failed")
	}
	if err := controller.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Activation failed")
	}

	servers := []*http.Server{{Addr: config.Listen, Handler: siteRouter(controller)}}
	if config.AdminListen != "" {
		servers = append(servers, &http.Server{Addr: config.AdminListen, Handler: adminRouter(controller)})
	}
	log.Info().Msgf("Serving %s on %s (upstream %s)", origin.String(), config.Listen, upstream.String())
	for _, server := range servers {
		go func(server *http.Server) {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Str("addr", server.Addr).Msg("Server failed")
			}
		}(server)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", server.Addr).Msg("Could not shut down server gracefully")
		}
	}
	controller.Wait()
}

func applyFlags(config *Config) {
	set := func(dst *string, value string) {
		if value != "" {
			*dst = value
		}
	}
	set(&config.Listen, listenFlag)
	set(&config.AdminListen, adminListenFlag)
	set(&config.Origin, originFlag)
	set(&config.Upstream, upstreamFlag)
	set(&config.Host, hostFlag)
	set(&config.Generation, generationFlag)
	set(&config.DB, dbFilenameFlag)
	set(&config.Store, storeFlag)
	set(&config.Redis, redisFlag)
	set(&config.Codec, codecFlag)
	set(&config.LogFile, logFilenameFlag)
}

// defaultGeneration ties the cache to the release.
// Development builds get a fresh generation on every start.
func defaultGeneration() string {
	if version != "DEV" {
		return version
	}
	return uuid.NewString()
}

func setupLogging(logFilename string) {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to a rotated logfile if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilename != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   logFilename,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
			LocalTime:  true,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

func openStore(ctx context.Context, config Config) (cache.Store, error) {
	codec, err := serializer.CodecByName(config.Codec)
	if err != nil {
		return nil, err
	}
	switch config.Store {
	case "memory":
		return cache.NewMemStore(), nil
	case "redis":
		opts, err := redis.ParseURL(config.Redis)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, err
		}
		return cache.NewRedisStore(client, config.RedisNamespace, codec)
	default:
		// set up sqlite memory provider
		dbFilename := config.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		return cache.NewSQLiteStore(dbFilename, codec)
	}
}

// siteRouter serves the site. Every path belongs to the controller.
func siteRouter(controller *sitecache.Controller) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Handle("/*", controller)
	return r
}

func adminRouter(controller *sitecache.Controller) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !controller.Active() {
			http.Error(w, "inactive", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
