package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"embedres/internal/alias"
	"embedres/internal/config"
	"embedres/internal/decode"
	"embedres/internal/extract"
	"embedres/internal/follow"
	"embedres/internal/httputil"
	"embedres/internal/resolve"
	"embedres/internal/scan"
)

// engine bundles the wired components so subcommands can use any stage on
// its own.
type engine struct {
	fetcher    *httputil.HTTPFetcher
	aliases    *alias.Resolver
	decoder    *decode.Registry
	dispatcher *extract.Dispatcher
	follower   *follow.Follower
	scanner    *scan.HTMLScanner
	resolver   *resolve.Engine
}

// buildEngine wires every component from cfg. Setup errors (bad alias table,
// key ring or site table) are returned here, before any network access.
func buildEngine(cfg *config.Config) (*engine, error) {
	e := &engine{}
	e.fetcher = httputil.NewFetcher(httputil.FetcherOptions{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.BranchTimeout.Duration,
		AllowHTTP: cfg.AllowHTTP,
	})

	var err error
	if e.aliases, err = cfg.AliasResolver(); err != nil {
		return nil, err
	}

	decodeOpts, err := cfg.DecodeOptions()
	if err != nil {
		return nil, err
	}
	if e.decoder, err = decode.Default(decodeOpts); err != nil {
		return nil, fmt.Errorf("building decoders: %w", err)
	}

	registry := extract.NewRegistry()
	mega := extract.NewMegaCloud(extract.MegaCloudOptions{
		Fetcher: e.fetcher,
		KeysURL: cfg.MegaCloudKeysURL,
		Logger:  componentLogger("megacloud"),
	})
	registry.Register(mega, extract.MegaCloudHosts...)
	registry.RegisterPrefix(mega, "megacloud.")
	if cfg.Remote.APIURL != "" {
		remote, err := extract.NewRemote(e.fetcher, cfg.Remote.APIURL)
		if err != nil {
			return nil, err
		}
		registry.Register(remote, cfg.Remote.Hosts...)
	}
	e.dispatcher = extract.NewDispatcher(registry, extract.NewGeneric(e.fetcher), componentLogger("dispatch"))

	e.follower = follow.New(follow.Options{
		Fetcher:      e.fetcher,
		MaxDepth:     cfg.MaxDepth,
		Canonicalize: e.aliases.Canonicalize,
		Terminal:     e.dispatcher.Handles,
		Logger:       componentLogger("follow"),
	})

	servers, err := cfg.ScanServers()
	if err != nil {
		return nil, err
	}
	if e.scanner, err = scan.New(scan.Options{
		SiteID:  cfg.SiteID,
		Servers: servers,
		Logger:  componentLogger("scan"),
	}); err != nil {
		return nil, err
	}

	e.resolver, err = resolve.New(resolve.Options{
		Fetcher:       e.fetcher,
		Scanner:       e.scanner,
		Decoder:       e.decoder,
		Aliases:       e.aliases,
		Follower:      e.follower,
		Dispatcher:    e.dispatcher,
		Workers:       cfg.Workers,
		BranchTimeout: cfg.BranchTimeout.Duration,
		Deadline:      cfg.Deadline.Duration,
		MaxDepth:      cfg.MaxDepth,
		Logger:        componentLogger("resolve"),
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// session builds the explicit session from --cookie flags.
func session(cookies []string) (httputil.Session, error) {
	var s httputil.Session
	for _, c := range cookies {
		name, value, ok := strings.Cut(c, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return s, fmt.Errorf("cookie %q: want name=value", c)
		}
		s.Cookies = append(s.Cookies, &http.Cookie{Name: name, Value: strings.TrimSpace(value)})
	}
	return s, nil
}
