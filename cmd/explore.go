package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/browser"
	"github.com/xkilldash9x/scalpel-explorer/internal/cluster"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
	"github.com/xkilldash9x/scalpel-explorer/internal/observability"
	"github.com/xkilldash9x/scalpel-explorer/internal/store"
)

const persistTimeout = 30 * time.Second

func newExploreCmd() *cobra.Command {
	var output string

	exploreCmd := &cobra.Command{
		Use:   "explore [urls...]",
		Short: "Explores the given URLs and streams every discovered page as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			targets, err := normalizeTargets(args)
			if err != nil {
				return err
			}
			if len(cfg.Scope().Hosts) == 0 {
				cfg.SetScopeHosts(targetHosts(targets))
			}

			out, closeOut, err := openOutput(cmd, output)
			if err != nil {
				return err
			}
			defer closeOut()

			st, closeStore, err := connectStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			runID := uuid.NewString()
			logger.Info("Starting exploration",
				zap.String("run_id", runID),
				zap.Strings("targets", targets),
				zap.Strings("scope", cfg.Scope().Hosts),
				zap.Int("pool_size", cfg.Browser().PoolSize),
				zap.Int("depth", cfg.Browser().DOMDepthLimit),
			)

			var ps store.PageStore
			if st != nil {
				ps = st
			}
			sink := newPageSink(ctx, out, ps, logger)
			resources := make([]any, len(targets))
			for i, t := range targets {
				resources[i] = t
			}
			if err := runCluster(ctx, cfg, sink, logger, resources); err != nil {
				return err
			}

			logger.Info("Exploration complete", zap.String("run_id", runID), zap.Int("pages", sink.Count()))
			return nil
		},
	}

	exploreCmd.Flags().StringVarP(&output, "output", "o", "", "file to write pages to (default stdout)")
	exploreCmd.Flags().Int("pool-size", 6, "number of browsers running in parallel")
	exploreCmd.Flags().Int("depth", 5, "maximum number of events fired in a row from a loaded page")
	exploreCmd.Flags().Int("event-limit", 1000, "maximum number of events fired per job")
	exploreCmd.Flags().Int("time-to-live", 250, "pages a browser may serve before it is recycled (0 disables)")
	exploreCmd.Flags().Duration("job-timeout", 2*time.Minute, "maximum duration of a single job")
	exploreCmd.Flags().Bool("headless", true, "run browsers without a visible window")
	exploreCmd.Flags().Bool("include-subdomains", false, "treat subdomains of the targets as in scope")
	exploreCmd.Flags().String("store-url", "", "PostgreSQL URL pages are persisted to")
	return exploreCmd
}

// runCluster feeds resources to a fresh cluster and waits for it to drain.
// Cancelling ctx shuts the cluster down.
func runCluster(ctx context.Context, cfg config.Interface, sink *pageSink, logger *zap.Logger, resources []any) (err error) {
	c, err := cluster.New(ctx, cfg, sink.Handle, logger)
	if err != nil {
		return fmt.Errorf("failed to start browsers: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Shutdown() })
	defer func() {
		stop()
		if shutdownErr := c.Shutdown(); shutdownErr != nil && !errors.Is(shutdownErr, cluster.ErrAlreadyShutdown) {
			err = errors.Join(err, shutdownErr)
		}
	}()

	for _, r := range resources {
		if err := c.Analyze(r); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var loadErr *browser.LoadError
			if errors.As(err, &loadErr) {
				logger.Warn("Skipping resource", zap.Error(err))
				continue
			}
			return err
		}
	}

	if _, err := c.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// pageSink writes pages as JSON lines and optionally persists them.
type pageSink struct {
	ctx    context.Context
	mu     sync.Mutex
	enc    *jsoniter.Encoder
	store  store.PageStore
	logger *zap.Logger
	count  int
}

func newPageSink(ctx context.Context, w io.Writer, st store.PageStore, logger *zap.Logger) *pageSink {
	return &pageSink{
		ctx:    context.WithoutCancel(ctx),
		enc:    jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w),
		store:  st,
		logger: logger.Named("sink"),
	}
}

// Handle is called by every worker of the cluster.
func (s *pageSink) Handle(page *schemas.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	if err := s.enc.Encode(page); err != nil {
		s.logger.Error("Failed to write page", zap.String("url", page.URL), zap.Error(err))
	}
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, persistTimeout)
	defer cancel()
	if err := s.store.PersistPage(ctx, page); err != nil {
		s.logger.Error("Failed to persist page", zap.String("url", page.URL), zap.Error(err))
	}
}

// Count returns how many pages were handled.
func (s *pageSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// normalizeTargets defaults bare hosts to https and rejects anything that is not http(s).
func normalizeTargets(args []string) ([]string, error) {
	targets := make([]string, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if !strings.Contains(arg, "://") {
			arg = "https://" + arg
		}
		u, err := url.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", arg, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid target %q: only http and https URLs can be explored", arg)
		}
		targets = append(targets, u.String())
	}
	if len(targets) == 0 {
		return nil, errors.New("no targets given")
	}
	return targets, nil
}

// targetHosts returns the distinct hostnames of targets.
func targetHosts(targets []string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, t := range targets {
		u, err := url.Parse(t)
		if err != nil || seen[u.Hostname()] {
			continue
		}
		seen[u.Hostname()] = true
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// connectStore opens the page store when a database URL is configured.
// The returned store is nil otherwise.
func connectStore(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*store.Store, func(), error) {
	dsn := cfg.Database().URL
	if dsn == "" {
		return nil, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st := store.New(pool, logger)
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}
