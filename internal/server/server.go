package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/echallenge/internal/achievement"
	"github.com/victornm/echallenge/internal/api"
	"github.com/victornm/echallenge/internal/challenge"
	"github.com/victornm/echallenge/internal/content"
	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/event"
	"github.com/victornm/echallenge/internal/finalize"
	"github.com/victornm/echallenge/internal/leaderboard"
	"github.com/victornm/echallenge/internal/ledger"
	"github.com/victornm/echallenge/internal/rating"
	"github.com/victornm/echallenge/internal/store"
	"github.com/victornm/echallenge/internal/store/memory"
	"github.com/victornm/echallenge/internal/store/postgres"
	"github.com/victornm/echallenge/internal/telemetry"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTP struct {
		Port      int32
		RateLimit struct {
			RPS   float64
			Burst int
		} `mapstructure:"rate_limit"`
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		Level  string
		Format string
	}

	Storage struct {
		Driver string
	}

	Postgres struct {
		Addr    string
		User    string
		Pass    string
		Name    string
		Migrate bool
	}

	// Redis is optional. Without it the leaderboard, the question cache and
	// achievement triggers are disabled.
	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Challenge struct {
		Countdown    time.Duration
		JoinWindow   time.Duration `mapstructure:"join_window"`
		CodeAttempts int           `mapstructure:"code_attempts"`
	}

	Rating struct {
		Initial float64
		KFactor float64 `mapstructure:"k_factor"`
	}

	Content struct {
		// File seeds the memory driver with questions.
		File     string
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	}

	Leaderboard struct {
		TTL time.Duration
	}
}

// DefaultConfig returns the values used for every key the config file leaves out.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Storage.Driver = DriverMemory
	c.Postgres.Migrate = true
	c.Redis.Prefix = "echallenge"
	c.Challenge.Countdown = challenge.DefaultCountdown
	c.Challenge.JoinWindow = challenge.DefaultJoinWindow
	c.Challenge.CodeAttempts = challenge.DefaultCodeAttempts
	c.Rating.Initial = rating.DefaultInitial
	c.Rating.KFactor = rating.DefaultKFactor
	c.Content.CacheTTL = time.Hour
	c.Leaderboard.TTL = leaderboard.DefaultTTL
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		challenge   *challenge.Service
		ledger      *ledger.Service
		rating      *rating.Service
		leaderboard *leaderboard.Service
	}

	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	if err := telemetry.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("server: register metrics: %w", err)
	}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	if len(s.c.Redis.Addrs) == 0 {
		slog.Warn("server: redis not configured, leaderboard and achievements are disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	switch s.c.Storage.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", s.c.Storage.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := postgres.DSN(s.c.Postgres.Addr, s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Name)
	if s.c.Postgres.Migrate {
		if err := postgres.Migrate(dsn); err != nil {
			return err
		}
	}

	cc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	var (
		st  store.Store
		src content.Source
	)

	if s.infra.postgres != nil {
		st = postgres.NewStore(s.infra.postgres)
		src = postgres.NewContentSource(s.infra.postgres)
	} else {
		static := content.NewStaticSource()
		if s.c.Content.File != "" {
			qs, err := content.ReadQuestionsFile(s.c.Content.File)
			if err != nil {
				return err
			}
			static.Add(qs...)
			slog.Info("server: questions loaded", "file", s.c.Content.File, "count", len(qs))
		}
		st = memory.NewStore()
		src = static
	}

	if s.infra.redis != nil {
		src = content.NewCache(content.CacheConfig{
			Source: src,
			Redis:  s.infra.redis,
			Prefix: s.c.Redis.Prefix,
			TTL:    s.c.Content.CacheTTL,
		})
	}

	s.service.challenge = challenge.NewService(challenge.Config{
		Store:        st,
		Content:      src,
		Countdown:    s.c.Challenge.Countdown,
		JoinWindow:   s.c.Challenge.JoinWindow,
		CodeAttempts: s.c.Challenge.CodeAttempts,
	})

	s.service.rating = rating.NewService(rating.Config{
		Store:   st,
		Initial: decimal.NewFromFloat(s.c.Rating.Initial),
		KFactor: decimal.NewFromFloat(s.c.Rating.KFactor),
	})
	s.eb.Subscribe(domain.EventNameCompetitionCompleted, "rating", s.service.rating.HandleCompetitionCompleted)

	s.service.ledger = ledger.NewService(ledger.Config{
		Store:     st,
		Lifecycle: s.service.challenge,
		Finalizer: finalize.NewEngine(finalize.Config{Store: st, EventBus: s.eb}),
		Content:   src,
		EventBus:  s.eb,
	})

	if s.infra.redis != nil {
		s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
			EventBus: s.eb,
			Redis:    s.infra.redis,
			Prefix:   s.c.Redis.Prefix,
			TTL:      s.c.Leaderboard.TTL,
		})

		pub := achievement.NewPublisher(s.infra.redis, s.c.Redis.Prefix)
		s.eb.Subscribe(domain.EventNameCompetitionCompleted, "achievement", achievement.HandleCompetitionCompleted(pub))
	}

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Challenge:   s.service.challenge,
		Ledger:      s.service.ledger,
		Rating:      s.service.rating,
		Leaderboard: s.service.leaderboard,
		RateLimit: api.RateLimit{
			RPS:   s.c.HTTP.RateLimit.RPS,
			Burst: s.c.HTTP.RateLimit.Burst,
		},
	}).Register(e)

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptors()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Start serves HTTP and gRPC until either fails or Shutdown is called.
func (s *Server) Start() error {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		return fmt.Errorf("grpc server: listen: %w", err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
	return err
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if s.infra.redis != nil {
		if err := s.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
