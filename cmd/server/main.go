package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	auth "github.com/goliatone/go-instance-auth"
	"github.com/goliatone/go-instance-auth/activitymap"
	"github.com/goliatone/go-instance-auth/middleware/apikey"
	"github.com/goliatone/go-instance-auth/middleware/jwtware"
	"github.com/goliatone/go-instance-auth/notifier"
	"github.com/goliatone/go-instance-auth/redislock"
)

type App struct {
	config *Config
	logger *glog.BaseLogger
	db     *bun.DB
	redis  *goredis.Client
	repo   auth.RepositoryManager
	srv    router.Server[*fiber.App]
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		panic(err)
	}

	level := glog.Info
	if cfg.Debug {
		level = glog.Debug
	}

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithLevel(level),
		glog.WithName("app"),
		glog.WithAddSource(false),
	)

	if cfg.Debug {
		fmt.Println("============")
		fmt.Println(print.MaybeHighlightJSON(cfg))
		fmt.Println("============")
	}

	app := &App{config: cfg, logger: lgr}

	ctx := context.Background()

	if err := WithPersistence(ctx, app); err != nil {
		panic(err)
	}
	defer app.db.Close()

	if err := WithRedis(ctx, app); err != nil {
		panic(err)
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		panic(err)
	}

	app.srv.Serve(cfg.Addr)

	sig := WaitExitSignal()
	app.GetLogger("app").Info("shutting down", "signal", sig.String())

	if app.redis != nil {
		_ = app.redis.Close()
	}
}

func WithPersistence(ctx context.Context, app *App) error {
	sqldb, err := sql.Open(sqliteshim.ShimName, app.config.DSN)
	if err != nil {
		return err
	}

	persistence.RegisterModel((*auth.User)(nil))
	persistence.RegisterModel((*auth.Instance)(nil))
	persistence.RegisterModel((*auth.UserInstance)(nil))
	persistence.RegisterModel((*auth.OtpCode)(nil))
	persistence.RegisterModel((*auth.LogEntry)(nil))

	client, err := persistence.New(app.config.Persistence(), sqldb, sqlitedialect.New())
	if err != nil {
		return err
	}

	client.SetLogger(app.GetLogger("persistence"))

	migrationsFS, err := fs.Sub(auth.GetMigrationsFS(), "data/sql/migrations")
	if err != nil {
		return err
	}

	client.RegisterDialectMigrations(
		migrationsFS,
		persistence.WithDialectSourceLabel("data/sql/migrations"),
		persistence.WithValidationTargets("sqlite"),
	)

	if err := client.Migrate(ctx); err != nil {
		return err
	}

	db := client.DB()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	repo := auth.NewRepositoryManager(db)
	repo.MustValidate()

	app.db = db
	app.repo = repo
	return nil
}

// WithRedis is optional, without REDIS_ADDR OTP generation is only
// serialized inside this process
func WithRedis(ctx context.Context, app *App) error {
	if app.config.RedisAddr == "" {
		return nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     app.config.RedisAddr,
		Password: app.config.RedisPass,
		DB:       app.config.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return errors.Wrap(err, errors.CategoryInternal, "redis ping failed")
	}

	app.redis = client
	return nil
}

func WithHTTPServer(ctx context.Context, app *App) error {
	cfg := app.config
	sink := activityLogger(app.GetLogger("auth:activity"))

	var locker auth.KeyedLocker = auth.NewLocalLocker()
	if app.redis != nil {
		locker = redislock.New(app.redis, redislock.WithLogger(app.GetLogger("auth:lock")))
	}

	var delivery auth.Notifier = notifier.NewLog(app.GetLogger("auth:notifier"))
	if cfg.SMTP.Host != "" {
		delivery = notifier.NewSMTP(cfg.SMTP).WithLogger(app.GetLogger("auth:notifier"))
	}

	issuer := auth.NewTokenIssuer(app.repo, cfg.Auth,
		auth.WithTokenIssuerLogger(app.GetLogger("auth:tokens")),
	)

	auther := auth.NewAuthenticator(app.repo, issuer).
		WithLogger(app.GetLogger("auth:authn")).
		WithActivitySink(sink)

	otp := auth.NewOtpAuthenticator(app.repo, delivery,
		auth.WithOtpLocker(locker),
		auth.WithOtpTTL(cfg.Auth.GetOtpTTL()),
		auth.WithOtpLogger(app.GetLogger("auth:otp")),
		auth.WithOtpActivitySink(sink),
	)

	apiKeys := auth.NewApiKeyManager(app.repo,
		auth.WithApiKeyLogger(app.GetLogger("auth:apikeys")),
		auth.WithApiKeyActivitySink(sink),
	)

	controller := auth.NewController(auth.Services{
		Repo:    app.repo,
		Auther:  auther,
		Otp:     otp,
		ApiKeys: apiKeys,
		Access: auth.NewAccessGuard(app.repo).
			WithLogger(app.GetLogger("auth:access")).
			WithActivitySink(sink),
		RegisterUser: auth.NewRegisterUserHandler(app.repo).
			WithLogger(app.GetLogger("auth:register")).
			WithActivitySink(sink),
		ChangePassword: auth.NewChangePasswordHandler(app.repo, otp).
			WithLogger(app.GetLogger("auth:password")).
			WithActivitySink(sink),
		VerifyEmail: auth.NewVerifyEmailHandler(app.repo, otp).
			WithLogger(app.GetLogger("auth:email")).
			WithActivitySink(sink),
		Users: auth.NewUserAdmin(app.repo).
			WithLogger(app.GetLogger("auth:users")).
			WithActivitySink(sink),
		Logs: auth.NewLogIngestor(app.repo,
			auth.WithLogIngestorLogger(app.GetLogger("auth:logs")),
		),
	},
		auth.WithControllerLogger(app.GetLogger("auth:ctrl")),
		auth.WithControllerDebug(cfg.Debug),
	)

	guards := auth.RouteGuards{
		Bearer: jwtware.New(jwtware.Config{
			TokenValidator:  issuer,
			ContextEnricher: auth.WithClaimsContext,
		}),
		Admin: jwtware.New(jwtware.Config{
			TokenValidator:  issuer,
			RequiredRole:    auth.RoleAdmin,
			ContextEnricher: auth.WithClaimsContext,
		}),
		APIKey: apikey.New(apikey.Config{
			Resolver:        apiKeys,
			ContextEnricher: auth.WithInstanceContext,
		}),
	}

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			EnablePrintRoutes: cfg.Debug,
			StrictRouting:     false,
		}))
	})

	srv.Router().WithLogger(app.GetLogger("router"))

	auth.RegisterRoutes(srv.Router(), cfg.Prefix, controller, guards)

	app.srv = srv
	return nil
}

func activityLogger(logger glog.Logger) auth.ActivitySink {
	return auth.ActivitySinkFunc(func(ctx context.Context, event auth.ActivityEvent) error {
		record := activitymap.Normalize(event)
		logger.Info("activity",
			"verb", record.Verb,
			"actor", record.ActorID,
			"object", record.ObjectType+":"+record.ObjectID,
			"metadata", print.MaybePrettyJSON(record.Metadata),
		)
		return nil
	})
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
