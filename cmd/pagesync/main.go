package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentworkforce/pagesync/internal/config"
	"github.com/agentworkforce/pagesync/internal/contentapi"
	"github.com/agentworkforce/pagesync/internal/identity"
	"github.com/agentworkforce/pagesync/internal/pagesync"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pagesync: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type cli struct {
	v          *viper.Viper
	configFile string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{v: config.New(), stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "pagesync",
		Short: "Publish a local folder of documents as a wiki page tree",
		Long: `pagesync mirrors a local folder into a wiki space beneath a root page.

Folders become container pages that list their children, documents become
content pages, and the folder nesting becomes the page hierarchy. Page ids
are cached locally so repeated publishes only look up the document itself.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (json, yaml or toml)")
	flags.String(config.KeyBaseURL, "", "wiki base URL")
	flags.String(config.KeyCookie, "", "session cookie sent with every request")
	flags.String(config.KeySpace, "", "space key")
	flags.String(config.KeyRootTitle, "", "title of the existing root page")
	flags.String(config.KeyRootFolder, "", "local folder mirrored beneath the root page")
	flags.String(config.KeyCacheDSN, "", "page id cache (file path, file://, memory:// or postgres://)")
	flags.Duration(config.KeyTimeout, config.DefaultTimeout, "bound on each remote operation")
	flags.String(config.KeyUserAgent, config.DefaultUserAgent, "user agent sent on writes")
	flags.Int(config.KeyRetries, 2, "retries for page lookups on transient failures")
	flags.String(config.KeyLogFile, "", "also write logs to this rotating file")
	flags.StringSlice(config.KeyExtensions, []string{".md"}, "file extensions treated as documents")
	flags.Duration(config.KeyDebounce, 500*time.Millisecond, "quiet period before a changed file is published")
	flags.Duration(config.KeyResyncInterval, 0, "full sync interval while watching (0 disables)")
	flags.Float64(config.KeyResyncJitter, 0.2, "resync interval jitter ratio (0.0-1.0)")
	for _, key := range []string{
		config.KeyBaseURL, config.KeyCookie, config.KeySpace, config.KeyRootTitle,
		config.KeyRootFolder, config.KeyCacheDSN, config.KeyTimeout, config.KeyUserAgent,
		config.KeyRetries, config.KeyLogFile, config.KeyExtensions, config.KeyDebounce,
		config.KeyResyncInterval, config.KeyResyncJitter,
	} {
		_ = c.v.BindPFlag(key, flags.Lookup(key))
	}

	root.AddCommand(c.publishCommand(), c.syncCommand(), c.watchCommand(), c.cacheCommand())
	return root
}

// app holds everything a subcommand needs once configuration is loaded.
type app struct {
	cfg     config.Config
	logger  *log.Logger
	logFile io.Closer
	cache   *identity.Cache
	syncer  *pagesync.Syncer
}

func (c *cli) open() (*app, error) {
	cfg, err := config.Load(c.v, c.configFile)
	if err != nil {
		return nil, err
	}
	logger, logFile := newLogger(c.stderr, cfg.LogFile)
	a := &app{cfg: cfg, logger: logger, logFile: logFile}

	client := contentapi.NewHTTPClient(contentapi.Options{
		BaseURL:          cfg.BaseURL,
		Cookie:           cfg.Cookie,
		UserAgent:        cfg.UserAgent,
		OperationTimeout: cfg.Timeout,
		MaxRetries:       cfg.Retries,
	})
	backend, err := identity.BuildBackendFromDSN(cfg.CacheDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache backend: %w", err)
	}
	a.cache, err = identity.Open(client, backend, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	publisher, err := pagesync.NewPublisher(client, a.cache, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.syncer, err = pagesync.NewSyncer(publisher, pagesync.SyncerOptions{
		Space:      cfg.Space,
		RootTitle:  cfg.RootTitle,
		LocalRoot:  cfg.RootFolder,
		Extensions: cfg.Extensions,
		SkipFiles:  []string{cfg.CacheFile()},
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize syncer: %w", err)
	}
	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Printf("close cache failed: %v", err)
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// newLogger writes to stderr and, when path is set, to a size-rotated file.
func newLogger(stderr io.Writer, path string) (*log.Logger, io.Closer) {
	if path == "" {
		return log.New(stderr, "", log.LstdFlags), nil
	}
	rotating := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
	return log.New(io.MultiWriter(stderr, rotating), "", log.LstdFlags), rotating
}
