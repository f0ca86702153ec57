package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
	"github.com/xkilldash9x/scalpel-explorer/internal/config"
	"github.com/xkilldash9x/scalpel-explorer/internal/observability"
)

// pageLoader reads stored pages back by digest.
type pageLoader interface {
	Page(ctx context.Context, digest string) (*schemas.Page, error)
}

func newReplayCmd() *cobra.Command {
	var output string

	replayCmd := &cobra.Command{
		Use:   "replay <digest>",
		Short: "Restores a stored DOM state in a fresh browser and explores on from there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cfg.Database().URL == "" {
				return errors.New("replay needs a page store: set --store-url or database.url")
			}

			st, closeStore, err := connectStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			page, err := loadReplayPage(ctx, st, cfg, args[0])
			if err != nil {
				return err
			}

			out, closeOut, err := openOutput(cmd, output)
			if err != nil {
				return err
			}
			defer closeOut()

			logger.Info("Replaying stored state",
				zap.String("digest", page.DOM.Digest),
				zap.String("url", page.URL),
				zap.Int("transitions", len(page.DOM.Transitions)),
			)
			sink := newPageSink(ctx, out, st, logger)
			if err := runCluster(ctx, cfg, sink, logger, []any{page}); err != nil {
				return err
			}
			logger.Info("Replay complete", zap.Int("pages", sink.Count()))
			return nil
		},
	}

	replayCmd.Flags().StringVarP(&output, "output", "o", "", "file to write pages to (default stdout)")
	replayCmd.Flags().Int("depth", 5, "maximum number of events fired in a row from the restored state")
	replayCmd.Flags().Bool("headless", true, "run browsers without a visible window")
	replayCmd.Flags().String("store-url", "", "PostgreSQL URL holding the stored pages")
	return replayCmd
}

// loadReplayPage fetches the page stored under digest and scopes cfg to its host
// when no scope is configured. Replays always run on a single browser.
func loadReplayPage(ctx context.Context, loader pageLoader, cfg config.Interface, digest string) (*schemas.Page, error) {
	page, err := loader.Page(ctx, digest)
	if err != nil {
		return nil, err
	}
	if len(page.DOM.Transitions) == 0 {
		return nil, fmt.Errorf("page %s has no transitions to replay", digest)
	}

	if len(cfg.Scope().Hosts) == 0 {
		u, err := url.Parse(page.URL)
		if err != nil || u.Hostname() == "" {
			return nil, fmt.Errorf("page %s has an unusable URL %q", digest, page.URL)
		}
		cfg.SetScopeHosts([]string{u.Hostname()})
	}
	cfg.SetBrowserPoolSize(1)
	return page, nil
}
