package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttscache/internal/cache"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	warmFile        string
	warmConcurrency int

	warmCmd = &cobra.Command{
		Use:   "warm [TEXT...]",
		Short: "Prepare the cache and pre-synthesize phrases",
		Long: paragraph(fmt.Sprintf("\n%s the cache: load its index, then synthesize any phrases given as arguments or, one per line, in a file.",
			keyword("Warm"))),
		Example: paragraph("ttscache warm\nttscache warm \"Welcome back\" \"Goodbye\"\nttscache warm -f phrases.txt"),
		RunE:    runWarm,
	}
)

func init() {
	warmCmd.Flags().StringVarP(&warmFile, "file", "f", "", "read phrases from a file, one per line (- for stdin)")
	warmCmd.Flags().IntVarP(&warmConcurrency, "concurrency", "c", 4, "phrases to synthesize at once")
}

func readPhrases(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func runWarm(cmd *cobra.Command, args []string) error {
	phrases := args
	if warmFile != "" {
		var r io.Reader = os.Stdin
		if warmFile != "-" {
			f, err := os.Open(warmFile)
			if err != nil {
				return fmt.Errorf("unable to open file: %w", err)
			}
			defer f.Close() //nolint:errcheck
			r = f
		}
		more, err := readPhrases(r)
		if err != nil {
			return fmt.Errorf("unable to read phrases: %w", err)
		}
		phrases = append(phrases, more...)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	if err := a.manager.Initialize(cmd.Context()); err != nil {
		return err
	}
	if a.manager.Disabled() || len(phrases) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), paragraph(fmt.Sprintf("Cache %s.", keyword("ready"))))
		return nil
	}

	var cached, fetched, failed atomic.Int64
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(warmConcurrency, 1))
	for _, p := range phrases {
		g.Go(func() error {
			res, err := a.manager.GetPlayableURI(ctx, p)
			if err != nil {
				failed.Add(1)
				log.Warn("Unable to warm phrase", "text", p, "err", err)
				return nil
			}
			a.manager.Release(res.URI)
			if res.Source == cache.SourceCache {
				cached.Add(1)
			} else {
				fetched.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	fmt.Fprintln(cmd.OutOrStdout(), paragraph(fmt.Sprintf("%s %d phrases: %d synthesized, %d already cached, %d failed.",
		keyword("Warmed"), len(phrases), fetched.Load(), cached.Load(), failed.Load())))
	if failed.Load() > 0 {
		return fmt.Errorf("%d phrases failed", failed.Load())
	}
	return nil
}
