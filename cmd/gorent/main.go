// Command gorent downloads or seeds one or more .torrent files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gorent/gorent/controller"
)

var (
	outDir   = flag.String("out", ".", "directory to download into, or read from when seeding")
	port     = flag.Uint("port", 6881, "base TCP port to listen on; each additional torrent in a fleet uses port+N")
	seedFlag = flag.Bool("seed", false, "seed instead of download; files must already be complete")
	verbose  = flag.Bool("v", false, "enable debug logging")
)

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if *verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	return logger
}

func main() {
	flag.Parse()
	torrents := flag.Args()
	if len(torrents) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gorent [flags] file.torrent [more.torrent ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := newLogger()
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fleet := NewFleet(logger, *outDir, uint16(*port), *seedFlag)
	if err := fleet.Run(ctx, torrents); err != nil {
		logger.Error("fleet exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// Fleet runs one Controller per .torrent file concurrently, each on its
// own listening port. It mirrors the original client's one-thread-per-
// torrent main loop without folding multi-torrent concerns into the
// single-torrent Controller itself.
type Fleet struct {
	logger   *zap.Logger
	baseDir  string
	basePort uint16
	seed     bool
}

func NewFleet(logger *zap.Logger, baseDir string, basePort uint16, seed bool) *Fleet {
	return &Fleet{logger: logger, baseDir: baseDir, basePort: basePort, seed: seed}
}

// Run drives every torrent in paths to completion (or indefinitely, in
// seed mode), returning the first error encountered. Every torrent's
// outcome is logged individually regardless of whether others fail.
func (f *Fleet) Run(ctx context.Context, paths []string) error {
	g, ctx := errgroup.WithContext(ctx)

	for i, path := range paths {
		path := path
		torrentPort := f.basePort + uint16(i)
		g.Go(func() error {
			return f.runOne(ctx, path, torrentPort)
		})
	}

	return g.Wait()
}

func (f *Fleet) runOne(ctx context.Context, path string, listenPort uint16) error {
	name := filepath.Base(path)
	logger := f.logger.With(zap.String("torrent", name))

	c := controller.New(logger)
	if err := c.Open(path, f.baseDir); err != nil {
		logger.Error("failed to open torrent", zap.Error(err))
		return err
	}

	statusDone := make(chan struct{})
	go reportStatus(ctx, c, logger, statusDone)
	defer close(statusDone)

	if f.seed {
		if err := c.Seed(ctx, listenPort); err != nil && ctx.Err() == nil {
			logger.Error("seed failed", zap.Error(err))
			return err
		}
		return nil
	}

	outcome, err := c.Download(ctx, listenPort)
	logger.Info("download finished",
		zap.String("outcome", outcome.String()),
		zap.String("downloaded", humanize.Bytes(c.Counters().Downloaded)))
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// reportStatus logs a human-readable progress line every few seconds
// until statusDone is closed, mirroring the original client's periodic
// bytesToHumanReadable status print.
func reportStatus(ctx context.Context, c *controller.Controller, logger *zap.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			counters := c.Counters()
			logger.Info("status",
				zap.Int("pieces", c.CompletedPieces()),
				zap.Int("total", c.TotalPieces()),
				zap.String("downloaded", humanize.Bytes(counters.Downloaded)),
				zap.String("uploaded", humanize.Bytes(counters.Uploaded)),
				zap.String("wasted", humanize.Bytes(counters.Wasted)))
		}
	}
}
