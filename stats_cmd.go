package main

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/ttscache/internal/cache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statsCleanup bool

	statsCmd = &cobra.Command{
		Use:     "stats",
		Short:   "Show what the cache holds",
		Long:    paragraph(fmt.Sprintf("\n%s the cache location, entry count and size.", keyword("Show"))),
		Example: paragraph("ttscache stats\nttscache stats --cleanup"),
		Args:    cobra.NoArgs,
		RunE:    runStats,
	}
)

func init() {
	statsCmd.Flags().BoolVar(&statsCleanup, "cleanup", false, "evict expired and excess entries first")
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	if err := a.manager.Initialize(cmd.Context()); err != nil {
		return err
	}

	var b strings.Builder
	if a.manager.Disabled() {
		fmt.Fprintf(&b, "Caching is %s.\n", keyword("disabled"))
		fmt.Fprint(cmd.OutOrStdout(), paragraph(b.String()))
		return nil
	}

	if statsCleanup {
		if disk, ok := a.backend.(*cache.DiskBackend); ok {
			expired, evicted := disk.Cleanup()
			fmt.Fprintf(&b, "Removed %s expired and %s excess entries.\n\n",
				keyword(fmt.Sprint(expired)), keyword(fmt.Sprint(evicted)))
		} else {
			fmt.Fprintf(&b, "Cleanup does not apply to the %s backend.\n\n",
				keyword(a.manager.Stats().Backend))
		}
	}

	s := a.manager.Stats()
	fmt.Fprintf(&b, "Backend:  %s\n", keyword(s.Backend))
	fmt.Fprintf(&b, "Location: %s\n", s.Location)
	if s.Backend == "store" {
		fmt.Fprintf(&b, "Live blobs: %d\n", s.LiveBlobs)
	} else {
		fmt.Fprintf(&b, "Entries:  %d\n", s.Entries)
		fmt.Fprintf(&b, "Size:     %s of %s\n", humanize.Bytes(uint64(s.Bytes)), humanize.Bytes(uint64(cfg.MaxBytes))) //nolint:gosec
		cleanup := "never"
		if !s.LastCleanup.IsZero() {
			cleanup = humanize.Time(s.LastCleanup)
		}
		fmt.Fprintf(&b, "Cleaned:  %s\n", cleanup)
	}
	fmt.Fprint(cmd.OutOrStdout(), paragraph(b.String()))
	return nil
}
