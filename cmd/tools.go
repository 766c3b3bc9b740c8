package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"embedres/internal/media"
)

var (
	flagEncoding string
	flagSite     string
	flagOrigin   string
)

var decodeCmd = &cobra.Command{
	Use:   "decode <payload>",
	Short: "Decode one raw payload into links",
	Example: `  embedres decode --encoding base64 aHR0cHM6Ly9leGFtcGxlLmNvbS92aWRlbw==
  embedres decode --encoding hex --site allanime -- --175948514e
  embedres decode --encoding cipher:site-a '{"iv":...}'`,
	Args: cobra.ExactArgs(1),
	RunE: decodeRun,
}

var canonicalizeCmd = &cobra.Command{
	Use:   "canonicalize <url>...",
	Short: "Rewrite mirror hosts to their canonical form",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := cfg.AliasResolver()
		if err != nil {
			return err
		}
		for _, u := range args {
			fmt.Println(r.Canonicalize(u))
		}
		return nil
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <url>",
	Short: "Follow nested player pages and print the hop trail",
	Args:  cobra.ExactArgs(1),
	RunE:  followRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("embedres %s\n", Version)
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&flagEncoding, "encoding", "e", "plain", "plain | base64 | hex | cipher:<key id> | subst:<site>")
	decodeCmd.Flags().StringVar(&flagSite, "site", "", "Site id selecting a site-specific decoder")
	decodeCmd.Flags().StringVar(&flagOrigin, "origin", "", "Page URL relative links are joined to")
}

func decodeRun(cmd *cobra.Command, args []string) error {
	kind, ok := media.ParseEncodingKind(flagEncoding)
	if !ok {
		return fmt.Errorf("unknown encoding %q", flagEncoding)
	}
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	site := flagSite
	if site == "" {
		site = cfg.SiteID
	}
	payload, err := eng.decoder.Decode(media.Candidate{
		RawPayload: args[0],
		Encoding:   kind,
		SiteID:     site,
		Origin:     flagOrigin,
	})
	if err != nil {
		return fmt.Errorf("decoding: %w", err)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	for _, l := range payload.Links {
		line := l.URL
		if l.Label != "" {
			line += "\t" + l.Label
		}
		if l.Language != media.LangUnknown {
			line += "\t" + string(l.Language)
		}
		fmt.Println(line)
	}
	return nil
}

func followRun(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	sess, err := session(flagCookies)
	if err != nil {
		return err
	}

	ctx := cmdContext(cmd)
	if cfg.Deadline.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Deadline.Duration)
		defer cancel()
	}

	ref, err := eng.follower.Follow(ctx, args[0], flagReferer, cfg.MaxDepth, sess)
	if err != nil {
		return err
	}
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ref)
	}
	fmt.Print(renderHops(ref, isTerminal(os.Stdout)))
	return nil
}
