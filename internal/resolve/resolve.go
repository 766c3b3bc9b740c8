// Package resolve runs one resolution: scan the source page, fan the
// candidates out onto a bounded worker pool, push each through
// decode, canonicalize, follow and dispatch, and aggregate what came back.
package resolve

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"embedres/internal/decode"
	"embedres/internal/extract"
	"embedres/internal/follow"
	"embedres/internal/httputil"
	"embedres/internal/logging"
	"embedres/internal/media"
	"embedres/internal/subtitle"
)

var (
	// ErrTimeout is returned when the global deadline expires. The result
	// returned with it still holds every branch that finished.
	ErrTimeout = errors.New("resolution deadline exceeded")
	// ErrCancelled is returned when the caller's context is cancelled.
	ErrCancelled = errors.New("resolution cancelled")
	// ErrSourceFetch means the source page itself could not be fetched.
	ErrSourceFetch = errors.New("source page fetch failed")
)

const (
	DefaultWorkers       = 4
	DefaultBranchTimeout = 8 * time.Second
)

// Decoder turns a candidate into links.
type Decoder interface {
	Decode(c media.Candidate) (*decode.Payload, error)
}

// Canonicalizer rewrites mirror hosts to canonical ones.
type Canonicalizer interface {
	Canonicalize(rawURL string) string
}

// Follower walks nested player pages to a terminal reference.
type Follower interface {
	Follow(ctx context.Context, rawURL, referer string, maxDepth int, session httputil.Session) (*media.TerminalReference, error)
}

// Dispatcher extracts streams from a terminal reference.
type Dispatcher interface {
	Dispatch(ctx context.Context, ref media.TerminalReference, referer string) ([]media.StreamDescriptor, error)
}

// Scanner finds candidates on a source page or in a composite reference.
type Scanner interface {
	Scan(body []byte, pageURL string) ([]media.Candidate, error)
	Composite(ref media.ItemReference) ([]media.Candidate, bool)
}

// Options wires an Engine. Fetcher, Scanner, Decoder, Follower and
// Dispatcher are required.
type Options struct {
	Fetcher    httputil.Fetcher
	Scanner    Scanner
	Decoder    Decoder
	Aliases    Canonicalizer
	Follower   Follower
	Dispatcher Dispatcher

	Workers       int
	BranchTimeout time.Duration
	Deadline      time.Duration // 0 disables the engine-level deadline
	MaxDepth      int
	Logger        *log.Logger
}

// ResolveOptions overrides the engine defaults for one call. Zero values keep
// the defaults.
type ResolveOptions struct {
	BranchTimeout time.Duration
	Deadline      time.Duration
	Session       httputil.Session
	Referer       string
}

// Engine is immutable after New and safe for concurrent Resolve calls.
type Engine struct {
	fetcher    httputil.Fetcher
	scanner    Scanner
	decoder    Decoder
	aliases    Canonicalizer
	follower   Follower
	dispatcher Dispatcher

	workers       int
	branchTimeout time.Duration
	deadline      time.Duration
	maxDepth      int
	logger        *log.Logger
}

type identity struct{}

func (identity) Canonicalize(u string) string { return u }

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Fetcher == nil:
		return nil, errors.New("resolve: fetcher is required")
	case opts.Scanner == nil:
		return nil, errors.New("resolve: scanner is required")
	case opts.Decoder == nil:
		return nil, errors.New("resolve: decoder is required")
	case opts.Follower == nil:
		return nil, errors.New("resolve: follower is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("resolve: dispatcher is required")
	}
	e := &Engine{
		fetcher:       opts.Fetcher,
		scanner:       opts.Scanner,
		decoder:       opts.Decoder,
		aliases:       opts.Aliases,
		follower:      opts.Follower,
		dispatcher:    opts.Dispatcher,
		workers:       opts.Workers,
		branchTimeout: opts.BranchTimeout,
		deadline:      opts.Deadline,
		maxDepth:      opts.MaxDepth,
		logger:        logging.OrDiscard(opts.Logger),
	}
	if e.aliases == nil {
		e.aliases = identity{}
	}
	if e.workers <= 0 {
		e.workers = DefaultWorkers
	}
	if e.branchTimeout <= 0 {
		e.branchTimeout = DefaultBranchTimeout
	}
	if e.maxDepth <= 0 {
		e.maxDepth = follow.DefaultMaxDepth
	}
	return e, nil
}

// branch is the outcome of one candidate. Each branch owns its slot.
type branch struct {
	streams []media.StreamDescriptor
	links   []media.ResolvedLink
	failure *media.Failure
}

// Resolve runs a full resolution of ref. The result is never nil. The error
// is nil unless the source page could not be fetched, the deadline expired,
// or ctx was cancelled; branch failures are reported in result.Failures.
func (e *Engine) Resolve(ctx context.Context, ref media.ItemReference, opts ResolveOptions) (*media.ResolutionResult, error) {
	result := media.NewResult(ref)
	logger := e.logger.With("resolution", uuid.New().String()[:8])

	deadline := e.deadline
	if opts.Deadline > 0 {
		deadline = opts.Deadline
	}
	if opts.BranchTimeout <= 0 {
		opts.BranchTimeout = e.branchTimeout
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	candidates, err := e.candidates(ctx, ref, opts)
	if err != nil {
		if ctxErr := topLevel(ctx); ctxErr != nil {
			return result, errors.Wrapf(ctxErr, "scanning %s: %v", ref, err)
		}
		return result, err
	}
	if len(candidates) == 0 {
		logger.Info("no candidates", "reference", ref)
		return result, nil
	}
	logger.Debug("scanned", "candidates", len(candidates), "workers", e.workers)

	slots := make([]branch, len(candidates))
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i, c := range candidates {
		g.Go(func() error {
			slots[i] = e.run(ctx, c, opts, logger.With("server", c.ServerLabel, "lang", c.Language))
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range slots {
		result.Streams = append(result.Streams, s.streams...)
		result.Links = append(result.Links, s.links...)
		if s.failure != nil {
			result.Failures = append(result.Failures, *s.failure)
		}
	}
	result.Streams = lo.UniqBy(result.Streams, func(s media.StreamDescriptor) string {
		return s.URL
	})
	result.Subtitles = subtitle.Merge(result.Streams)

	logger.Info("resolved",
		"reference", ref,
		"streams", len(result.Streams),
		"failures", len(result.Failures),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if ctxErr := topLevel(ctx); ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

// candidates returns the composite candidates for ref, or fetches and scans
// the source page.
func (e *Engine) candidates(ctx context.Context, ref media.ItemReference, opts ResolveOptions) ([]media.Candidate, error) {
	if cands, ok := e.scanner.Composite(ref); ok {
		return cands, nil
	}
	if !ref.IsURL() {
		return nil, errors.Wrapf(ErrSourceFetch, "reference %q is neither a URL nor server|token", string(ref))
	}
	page, err := e.fetcher.Fetch(ctx, httputil.Request{
		URL:     string(ref),
		Referer: opts.Referer,
		Accept:  httputil.AcceptHTML,
		Session: opts.Session,
	})
	if err != nil {
		return nil, errors.Wrapf(ErrSourceFetch, "%s: %v", ref, err)
	}
	pageURL := string(ref)
	if page.FinalURL != "" {
		pageURL = page.FinalURL
	}
	cands, err := e.scanner.Scan(page.Body, pageURL)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceFetch, "scanning %s: %v", pageURL, err)
	}
	return cands, nil
}

// run executes one branch under its own timeout. The pipeline runs in its own
// goroutine so a handler that ignores ctx cannot hold the slot past the
// timeout; the buffered channel lets it exit when it eventually returns.
func (e *Engine) run(ctx context.Context, c media.Candidate, opts ResolveOptions, logger *log.Logger) branch {
	if err := ctx.Err(); err != nil {
		return failed(c, media.StageSchedule, reasonFor(ctx, err), err, logger)
	}

	branchCtx, cancel := context.WithTimeout(ctx, opts.BranchTimeout)
	defer cancel()

	var stage atomic.Value
	stage.Store(media.StageDecode)
	done := make(chan branch, 1)
	go func() {
		done <- e.pipeline(branchCtx, c, opts, &stage, logger)
	}()

	select {
	case b := <-done:
		return b
	case <-branchCtx.Done():
		current := stage.Load().(media.Stage)
		err := errors.Wrapf(branchCtx.Err(), "branch %s during %s", c.ServerLabel, current)
		return failed(c, current, reasonFor(ctx, branchCtx.Err()), err, logger)
	}
}

// pipeline runs decode, canonicalize, follow and dispatch for every decoded
// link in order. The branch succeeds if any link does.
func (e *Engine) pipeline(ctx context.Context, c media.Candidate, opts ResolveOptions, stage *atomic.Value, logger *log.Logger) branch {
	payload, err := e.decoder.Decode(c)
	if err != nil {
		return failed(c, media.StageDecode, classify(media.StageDecode, err), err, logger)
	}

	referer := c.Origin
	if referer == "" {
		referer = opts.Referer
	}

	var (
		out       branch
		ok        bool
		lastErr   error
		lastStage media.Stage
	)
	for _, link := range payload.Links {
		if ctx.Err() != nil {
			break
		}
		lang, label := c.Language, c.ServerLabel
		if lang == media.LangUnknown {
			lang = link.Language
		}
		if label == "" {
			label = link.Label
		}

		stage.Store(media.StageCanonicalize)
		target := e.aliases.Canonicalize(link.URL)

		stage.Store(media.StageFollow)
		term, err := e.follower.Follow(ctx, target, referer, e.maxDepth, opts.Session)
		if err != nil {
			lastErr, lastStage = err, media.StageFollow
			logger.Debug("follow failed", "url", target, "err", err)
			continue
		}
		out.links = append(out.links, media.ResolvedLink{
			URL:         term.URL,
			HostID:      term.HostID,
			Language:    lang,
			ServerLabel: label,
			Depth:       term.Depth,
		})

		stage.Store(media.StageDispatch)
		streams, err := e.dispatcher.Dispatch(ctx, *term, term.Referer)
		if err != nil {
			lastErr, lastStage = err, media.StageDispatch
			logger.Debug("dispatch failed", "url", term.URL, "err", err)
			continue
		}
		for _, s := range streams {
			s.Language = lang
			s.ServerLabel = label
			out.streams = append(out.streams, s)
		}
		ok = true
		logger.Debug("branch link done", "url", term.URL, "streams", len(streams))
	}

	if ok {
		return out
	}
	if lastErr == nil {
		if err := ctx.Err(); err != nil {
			return failed(c, media.StageSchedule, classify(media.StageSchedule, err), err, logger)
		}
		lastErr = errors.Wrap(decode.ErrSchemaMismatch, "payload has no links")
		lastStage = media.StageDecode
	}
	f := failed(c, lastStage, classify(lastStage, lastErr), lastErr, logger)
	f.links = out.links
	return f
}

func failed(c media.Candidate, stage media.Stage, reason media.FailureReason, err error, logger *log.Logger) branch {
	logger.Warn("branch failed", "stage", stage, "reason", reason, "err", err)
	return branch{failure: &media.Failure{
		Candidate: c,
		Stage:     stage,
		Reason:    reason,
		Message:   err.Error(),
		Err:       err,
	}}
}

// reasons is checked in order; the first sentinel in the chain wins.
var reasons = []struct {
	err    error
	reason media.FailureReason
}{
	{decode.ErrAuthFailed, media.ReasonAuthFailed},
	{decode.ErrSchemaMismatch, media.ReasonSchemaMismatch},
	{decode.ErrMalformed, media.ReasonMalformed},
	{follow.ErrTooManyHops, media.ReasonTooManyHops},
	{follow.ErrNoReferenceFound, media.ReasonNoReferenceFound},
	{follow.ErrFetchFailed, media.ReasonFetchFailed},
	{extract.ErrUnsupported, media.ReasonUnsupported},
	{extract.ErrNoStreamsFound, media.ReasonNoStreamsFound},
	{context.Canceled, media.ReasonCancelled},
	{context.DeadlineExceeded, media.ReasonTimeout},
}

// classify maps a branch error to its reason. Errors carrying no sentinel
// take the default of the stage they came from.
func classify(stage media.Stage, err error) media.FailureReason {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	switch stage {
	case media.StageDecode:
		return media.ReasonMalformed
	case media.StageFollow:
		return media.ReasonFetchFailed
	case media.StageDispatch:
		return media.ReasonNoStreamsFound
	}
	return media.ReasonUnknown
}

// reasonFor tells a caller cancellation apart from a timeout.
func reasonFor(parent context.Context, err error) media.FailureReason {
	if errors.Is(parent.Err(), context.Canceled) || (parent.Err() == nil && errors.Is(err, context.Canceled)) {
		return media.ReasonCancelled
	}
	return media.ReasonTimeout
}

// topLevel reports the resolution-wide context error, if any.
func topLevel(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(ErrTimeout, err.Error())
	default:
		return errors.Wrap(ErrCancelled, err.Error())
	}
}

// Summary renders failures as "server: reason" lines.
func Summary(failures []media.Failure) string {
	lines := lo.Map(failures, func(f media.Failure, _ int) string {
		return f.Candidate.ServerLabel + ": " + string(f.Reason)
	})
	return strings.Join(lines, "\n")
}
