package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/pagesync/internal/pagesync"
)

func (c *cli) publishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish FILE...",
		Short: "Publish documents beneath the root page",
		Long: `Publish each FILE as a page beneath the root page. Missing folder pages
are created on the way; an existing page is updated to a new version.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			failed := 0
			for _, path := range args {
				result, err := a.syncer.PublishFile(cmd.Context(), path)
				notify(c.stdout, c.stderr, path, result, err)
				if err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed to publish", failed, len(args))
			}
			return nil
		},
	}
}

func (c *cli) syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Publish every document under the root folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.syncer.SyncOnce(cmd.Context())
			fmt.Fprintf(c.stdout, "sync complete: %d created, %d updated, %d failed\n",
				summary.Created, summary.Updated, len(summary.Failed))
			for _, path := range summary.Failed {
				fmt.Fprintf(c.stderr, "failed: %s\n", path)
			}
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return nil
		},
	}
}

func (c *cli) watchCommand() *cobra.Command {
	var skipInitial bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Publish documents as they change under the root folder",
		Long: `Watch the root folder and publish each changed document once it has been
quiet for the debounce period. New folders are picked up as they appear.
With --resync-interval a full sync also runs periodically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if !skipInitial {
				summary, err := a.syncer.SyncOnce(cmd.Context())
				if err != nil {
					a.logger.Printf("initial sync failed: %v", err)
				} else {
					a.logger.Printf("initial sync completed: %d created, %d updated", summary.Created, summary.Updated)
				}
			}
			watcher, err := pagesync.NewWatcher(a.syncer, pagesync.WatcherOptions{
				Debounce:       a.cfg.Debounce,
				ResyncInterval: a.cfg.ResyncInterval,
				ResyncJitter:   a.cfg.ResyncJitter,
				Logger:         a.logger,
			})
			if err != nil {
				return err
			}
			return watcher.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&skipInitial, "skip-initial-sync", false, "do not publish the whole folder before watching")
	return cmd
}

func (c *cli) cacheCommand() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the page id cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached (space, title) to page id mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SPACE\tTITLE\tPAGE ID")
			for _, entry := range a.cache.Entries() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", entry.Space, entry.Title, entry.ID)
			}
			return tw.Flush()
		},
	})
	return cacheCmd
}

// notify reports the outcome of one publish attempt with a single line.
func notify(stdout, stderr io.Writer, path string, result pagesync.Result, err error) {
	if err != nil {
		var publishErr *pagesync.PublishError
		if errors.As(err, &publishErr) {
			fmt.Fprintf(stderr, "failed %s at %s: %v\n", path, publishErr.Step, publishErr.Err)
			return
		}
		fmt.Fprintf(stderr, "failed %s: %v\n", path, err)
		return
	}
	switch result.Action {
	case pagesync.ActionUpdated:
		fmt.Fprintf(stdout, "updated %q (page %s, version %d)\n", result.Title, result.PageID, result.Version)
	default:
		fmt.Fprintf(stdout, "created %q under page %s\n", result.Title, result.ParentID)
	}
}
