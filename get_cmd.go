package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	getJSON   bool
	getOutput string

	getCmd = &cobra.Command{
		Use:   "get [TEXT...|-]",
		Short: "Get a playable URI for text",
		Long: paragraph(fmt.Sprintf("\n%s a playable URI for text, synthesizing it only if it isn't cached yet. Use - to read the text from stdin.",
			keyword("Get"))),
		Example: paragraph("ttscache get \"Hello there\"\necho \"Hello there\" | ttscache get -\nttscache get -o hello.mp3 Hello"),
		Args:    cobra.MinimumNArgs(1),
		RunE:    runGet,
	}
)

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "print the result as JSON")
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "also write the audio to a file")
}

func readText(args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("unable to read from stdin: %w", err)
		}
		return string(b), nil
	}
	return strings.Join(args, " "), nil
}

func runGet(cmd *cobra.Command, args []string) error {
	text, err := readText(args)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	res, err := a.manager.GetPlayableURI(cmd.Context(), text)
	if err != nil {
		return err
	}
	defer a.manager.Release(res.URI)

	if getOutput != "" {
		if a.manager.Disabled() {
			return errors.New("caching is disabled, nothing to write")
		}
		if err := writeAudio(cmd, a, res.URI, getOutput); err != nil {
			return err
		}
	}

	if getJSON {
		b, err := sonic.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("unable to encode result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.URI)
	detail := string(res.Source)
	if res.SizeBytes > 0 {
		detail += ", " + humanize.Bytes(uint64(res.SizeBytes)) //nolint:gosec
	}
	fmt.Fprintln(cmd.ErrOrStderr(), paragraph(keyword(detail)))
	return nil
}

func writeAudio(cmd *cobra.Command, a *app, uri, path string) error {
	audio, err := a.manager.Open(cmd.Context(), uri)
	if err != nil {
		return err
	}
	defer audio.Close() //nolint:errcheck

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create output file: %w", err)
	}
	if _, err := io.Copy(f, audio); err != nil {
		_ = f.Close()
		return fmt.Errorf("unable to write audio: %w", err)
	}
	return f.Close()
}
