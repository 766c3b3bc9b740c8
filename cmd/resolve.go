package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"embedres/internal/media"
	"embedres/internal/resolve"
	"embedres/internal/subtitle"
)

var flagLanguage string

var resolveCmd = &cobra.Command{
	Use:   "resolve <reference>",
	Short: "Resolve a source page or server|token reference to streams",
	Args:  cobra.ExactArgs(1),
	RunE:  resolveRun,
}

func init() {
	resolveCmd.Flags().AddFlagSet(resolveFlags())
}

func resolveFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("resolve", pflag.ContinueOnError)
	fs.StringVarP(&flagLanguage, "language", "l", "", "Keep only subtitles in this language")
	return fs
}

func resolveRun(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	sess, err := session(flagCookies)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt)
	defer stop()

	ref := media.ItemReference(args[0])
	logger.Debug("resolving", "reference", ref)
	result, resolveErr := eng.resolver.Resolve(ctx, ref, resolve.ResolveOptions{
		Referer: flagReferer,
		Session: sess,
	})

	if flagLanguage != "" {
		result.Streams = subtitle.Restrict(result.Streams, flagLanguage)
		result.Subtitles = subtitle.Filter(result.Subtitles, flagLanguage)
	}
	for _, f := range result.Failures {
		logger.Debug("branch failed", "server", f.Candidate.ServerLabel, "stage", f.Stage, "reason", f.Reason, "err", f.Message)
	}

	// Partial results are printed even when the deadline expired.
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(os.Stdout, renderResult(result, isTerminal(os.Stdout)))
	}
	return resolveErr
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
