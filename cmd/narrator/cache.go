package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/book-expert/narrator/internal/cache"
)

const defaultPruneAge = 30 * 24 * time.Hour

func newCacheCommand(application *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the chunk audio cache",
	}

	var olderThan time.Duration

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete cached chunk audio older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return application.pruneCache(olderThan)
		},
	}

	prune.Flags().DurationVar(&olderThan, "older-than", defaultPruneAge, "age of the entries to delete")
	cmd.AddCommand(prune)

	return cmd
}

func (a *app) pruneCache(olderThan time.Duration) error {
	dir := a.cfg.Cache.Dir
	if dir == "" {
		dir = cache.DefaultDir()
	}

	diskCache, err := cache.NewDiskCache(dir)
	if err != nil {
		return err
	}

	defer func() {
		_ = diskCache.Close()
	}()

	removed, err := diskCache.RemoveOlderThan(time.Now().Add(-olderThan))
	if err != nil {
		return err
	}

	a.log.Info("Pruned %d cache entries older than %s from %s", removed, olderThan, dir)
	fmt.Fprintf(a.stdout, "removed %d entries from %s\n", removed, diskCache.Dir())

	return nil
}
