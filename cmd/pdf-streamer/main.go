package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"edge-relays/internal/config"
	"edge-relays/internal/handler"
	"edge-relays/internal/metrics"
	"edge-relays/internal/middleware"
	"edge-relays/internal/model"
	"edge-relays/internal/server"
	"edge-relays/internal/service"
	"edge-relays/internal/storage"
	"edge-relays/internal/storage/s3store"
	"edge-relays/internal/storage/sqlitestore"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cli struct {
	config.CLI `kong:"embed"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`

	Serve  serveCmd  `kong:"cmd,default='1',help='Serve objects over HTTP (default).'"`
	Put    putCmd    `kong:"cmd,help='Store a file in the SQLite object store.'"`
	Delete deleteCmd `kong:"cmd,help='Remove an object from the SQLite object store.'"`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("pdf-streamer"),
		kong.Description("Range-aware relay in front of an object store."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	ctx.FatalIfErrorf(ctx.Run(&c.CLI))
}

type serveCmd struct{}

func (serveCmd) Run(globals *config.CLI) error {
	app := fx.New(
		fx.Provide(
			func() *config.CLI { return globals },
			func() handler.Version { return handler.Version(version) },
			func() handler.Name { return "pdf-streamer" },
			func() *metrics.Metrics { return metrics.New("pdf_streamer") },
			config.Load,
			server.NewLogger,
			service.NewObjectCORS,
			newEcho,
			newStore,
			service.NewObjectRelay,
			handler.NewObjectHandler,
			handler.NewHealthHandler,
			handler.NewAdminRouter,
		),
		fx.Invoke(handler.RegisterObjectRoutes, server.WarnConfigPermissions, server.Start, server.StartAdmin),
	)
	app.Run()
	return app.Err()
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, cors *model.CORSPolicy) *echo.Echo {
	return server.NewEcho(cfg, logger, m, server.Options{
		Outer: []echo.MiddlewareFunc{middleware.CORS(cors)},
		Inner: []echo.MiddlewareFunc{middleware.SecurityHeaders()},
	})
}

// newStore opens the object store selected by [storage] driver.
func newStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := sqlitestore.Open(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return s.Close() },
		})
		logger.Info("using sqlite object store", "path", cfg.Storage.SQLitePath)
		return s, nil
	default:
		s, err := s3store.New(cfg, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using s3 object store", "bucket", cfg.Storage.Bucket, "endpoint", cfg.Storage.Endpoint)
		return s, nil
	}
}

// openSQLite opens the SQLite store for the maintenance commands.
func openSQLite(globals *config.CLI) (*sqlitestore.Store, error) {
	cfg, err := config.Load(globals)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != "sqlite" {
		return nil, errors.New("put and delete need storage.driver = \"sqlite\"; manage S3 buckets with their own tooling")
	}
	return sqlitestore.Open(cfg.Storage.SQLitePath, server.NewLogger(cfg))
}

type putCmd struct {
	Key          string `kong:"arg,help='Object key.'"`
	File         string `kong:"arg,type='existingfile',help='File to upload.'"`
	ContentType  string `kong:"help='Content type (guessed from the file when empty).'"`
	CacheControl string `kong:"help='Cache-Control stored with the object.'"`
}

func (p *putCmd) Run(globals *config.CLI) error {
	data, err := os.ReadFile(p.File)
	if err != nil {
		return fmt.Errorf("read %s: %w", p.File, err)
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(p.File))
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	s, err := openSQLite(globals)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	obj, err := s.Put(context.Background(), p.Key, data, storage.HTTPMetadata{
		ContentType:  contentType,
		CacheControl: p.CacheControl,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s\t%d bytes\tetag %s\n", obj.Key, obj.Size, obj.HTTPETag())
	return nil
}

type deleteCmd struct {
	Key string `kong:"arg,help='Object key.'"`
}

func (d *deleteCmd) Run(globals *config.CLI) error {
	s, err := openSQLite(globals)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	return s.Delete(context.Background(), d.Key)
}
