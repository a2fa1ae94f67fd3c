// Command lfsd is the Git LFS HTTP server: it serves the Batch API
// negotiation endpoint and the basic-adapter upload/download/verify
// endpoints on top of a filesystem-backed blob store.
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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/bravo68web/lfsgate/internal/blobstore"
	"github.com/bravo68web/lfsgate/internal/config"
	"github.com/bravo68web/lfsgate/internal/lfshttp"
	"github.com/bravo68web/lfsgate/internal/oracle"
	"github.com/bravo68web/lfsgate/internal/tokenstore"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

func main() {
	cmd := &cli.Command{
		Name:  "lfsd",
		Usage: "Git LFS object store HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(&logger.Config{
		Level:     cfg.Logging.Level,
		Output:    logger.OutputConsole,
		Format:    cfg.Logging.Format,
		AddCaller: true,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetGlobal(log)
	defer log.Close()

	var mirror blobstore.Mirror
	if cfg.Storage.S3Mirror.Enabled {
		m, err := blobstore.NewS3Mirror(ctx, blobstore.S3MirrorConfig{
			Bucket:    cfg.Storage.S3Mirror.Bucket,
			Region:    cfg.Storage.S3Mirror.Region,
			Endpoint:  cfg.Storage.S3Mirror.Endpoint,
			KeyPrefix: cfg.Storage.S3Mirror.KeyPrefix,
		}, log)
		if err != nil {
			return fmt.Errorf("init s3 mirror: %w", err)
		}
		mirror = m
	}

	blobs, err := blobstore.New(
		cfg.Storage.DataRoot,
		os.FileMode(cfg.Storage.DirMode),
		os.FileMode(cfg.Storage.FileMode),
		blobstore.WithLogger(log),
		blobstore.WithMirror(mirror),
	)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	tokens, err := tokenstore.New(cfg.Token.Dir, cfg.Token.TTL, cfg.Token.PasswordLength)
	if err != nil {
		return fmt.Errorf("init token store: %w", err)
	}

	accessOracle := oracle.NewGitoliteBridge(cfg.Oracle.BinaryPath, cfg.Oracle.Timeout, log)

	handlers := lfshttp.New(tokens, accessOracle, blobs, cfg.Repos, log)

	reapCtx, cancelReap := context.WithCancel(context.Background())
	defer cancelReap()
	go runTokenReaper(reapCtx, tokens, cfg.Token.TTL, log)

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(lfshttp.Recovery(log), lfshttp.RequestLogging(log), cors.Default())
	engine.GET("/healthz", lfshttp.Healthz)
	handlers.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    cfg.Server.Address(),
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("lfsd: listening", logger.String("addr", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-sigCh:
		log.Info("lfsd: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runTokenReaper periodically sweeps expired token files off disk. Runs
// every quarter of the token TTL, with a one-minute floor so a very short
// TTL doesn't spin the ticker.
func runTokenReaper(ctx context.Context, tokens *tokenstore.Store, ttl time.Duration, log *logger.Logger) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := tokens.Reap(ctx, log)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.WithError(err).Warn("lfsd: token reap failed")
				}
				continue
			}
			if removed > 0 {
				log.Info("lfsd: reaped expired tokens", logger.Int("count", removed))
			}
		}
	}
}
