package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/plugin/route/blocks"
	"github.com/chirino/messaging-service/internal/plugin/route/conversations"
	"github.com/chirino/messaging-service/internal/plugin/route/media"
	"github.com/chirino/messaging-service/internal/plugin/route/profiles"
	routestream "github.com/chirino/messaging-service/internal/plugin/route/stream"
	routesystem "github.com/chirino/messaging-service/internal/plugin/route/system"
	storemetrics "github.com/chirino/messaging-service/internal/plugin/store/metrics"
	"github.com/chirino/messaging-service/internal/profile"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	registrymigrate "github.com/chirino/messaging-service/internal/registry/migrate"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	registryroute "github.com/chirino/messaging-service/internal/registry/route"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/chirino/messaging-service/internal/service"
	"github.com/chirino/messaging-service/internal/stream"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.MessagingStore
	Notifier   registrynotify.Notifier
	Messenger  *service.Messenger
	Router     *gin.Engine
	Running    *RunningServers
	Management *RunningServers
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Management != nil {
		_ = s.Management.Close(ctx)
	}
	err := s.Running.Close(ctx)
	if cerr := s.Notifier.Close(); cerr != nil {
		log.Warn("Failed to close notifier", "err", cerr)
	}
	if cerr := s.Store.Close(); cerr != nil {
		log.Warn("Failed to close store", "err", cerr)
	}
	return err
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting messaging service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"notify", cfg.ResolvedNotifyType(),
		"media", cfg.ResolvedMediaType(),
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// The profile cache is optional; without a backend profiles read through.
	var profileBackend registrycache.ProfileCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if profileBackend, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		profileBackend = nil
	}
	profileCache := profile.NewCache(store, profileBackend, cfg.ProfileCacheTTL)

	notifyLoader, err := registrynotify.Select(cfg.ResolvedNotifyType())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notifier, err := notifyLoader(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	blobLoader, err := registryattach.Select(cfg.ResolvedMediaType())
	if err != nil {
		_ = notifier.Close()
		_ = store.Close()
		return nil, err
	}
	blobs, err := blobLoader(ctx)
	if err != nil {
		_ = notifier.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize media store: %w", err)
	}

	messenger := service.NewMessenger(
		store,
		notifier,
		profileCache,
		service.NewMediaPipeline(blobs, cfg.MediaMaxSize, cfg.MediaPublicBaseURL),
		stream.Options{TailSize: cfg.StreamTailSize, PageSize: cfg.StreamPageSize},
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	var allowedOrigins []string
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
		for origin := range parseOrigins(cfg.CORSOrigins) {
			allowedOrigins = append(allowedOrigins, origin)
		}
	}

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	conversations.MountRoutes(router, messenger, auth)
	media.MountRoutes(router, messenger, cfg.MediaMaxSize, auth)
	blocks.MountRoutes(router, messenger, auth)
	profiles.MountRoutes(router, profileCache, auth)
	routestream.MountRoutes(router, messenger, routestream.Options{
		PingInterval:   cfg.StreamPingInterval,
		AllowedOrigins: allowedOrigins,
	}, auth)

	// Management routes get their own listener when a port was given, otherwise
	// they share the main router.
	var management *RunningServers
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		if !mgmtCfg.EnablePlainText && !mgmtCfg.EnableTLS {
			mgmtCfg.EnablePlainText = true
		}
		management, err = StartSinglePortHTTP(ctx, "management", mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", management.Addr)
	} else {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	running, err := StartSinglePortHTTP(ctx, "main", cfg.Listener, router)
	if err != nil {
		if management != nil {
			_ = management.Close(ctx)
		}
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Notifier:   notifier,
		Messenger:  messenger,
		Router:     router,
		Running:    running,
		Management: management,
	}, nil
}
