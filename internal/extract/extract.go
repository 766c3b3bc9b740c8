// Package extract turns terminal references into playable streams. Host
// handlers are looked up in a Registry; a generic manifest scanner covers
// hosts nobody registered for.
package extract

import (
	"context"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"embedres/internal/logging"
	"embedres/internal/media"
)

var (
	ErrUnsupported    = errors.New("unsupported host")
	ErrNoStreamsFound = errors.New("no streams found")
)

// Extractor resolves one terminal reference into streams. Returning an empty
// slice with a nil error means the host answered but offered nothing.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, ref media.TerminalReference, referer string) ([]media.StreamDescriptor, error)
}

// Matcher reports whether a handler accepts hostID.
type Matcher func(hostID string) bool

type prefixEntry struct {
	prefix string
	ex     Extractor
}

type matchEntry struct {
	match Matcher
	ex    Extractor
}

// Registry maps host ids to extractors. Exact hosts are checked first, then
// the longest host prefix, then predicates in registration order. It is
// populated at startup and read-only afterwards.
type Registry struct {
	exact    map[string]Extractor
	prefixes []prefixEntry
	matchers []matchEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{exact: make(map[string]Extractor)}
}

// Register binds ex to exact host ids.
func (r *Registry) Register(ex Extractor, hosts ...string) {
	for _, h := range hosts {
		r.exact[strings.ToLower(h)] = ex
	}
}

// RegisterPrefix binds ex to every host id starting with one of prefixes.
func (r *Registry) RegisterPrefix(ex Extractor, prefixes ...string) {
	for _, p := range prefixes {
		r.prefixes = append(r.prefixes, prefixEntry{prefix: strings.ToLower(p), ex: ex})
	}
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
}

// RegisterMatch binds ex to hosts accepted by m.
func (r *Registry) RegisterMatch(ex Extractor, m Matcher) {
	r.matchers = append(r.matchers, matchEntry{match: m, ex: ex})
}

// Lookup returns the handler for hostID.
func (r *Registry) Lookup(hostID string) (Extractor, bool) {
	hostID = strings.ToLower(hostID)
	if ex, ok := r.exact[hostID]; ok {
		return ex, true
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(hostID, p.prefix) {
			return p.ex, true
		}
	}
	for _, m := range r.matchers {
		if m.match(hostID) {
			return m.ex, true
		}
	}
	return nil, false
}

// Dispatcher invokes the registered handler for a reference, or the fallback
// when none matches.
type Dispatcher struct {
	registry *Registry
	fallback Extractor
	logger   *log.Logger
}

// NewDispatcher creates a Dispatcher. fallback may be nil.
func NewDispatcher(registry *Registry, fallback Extractor, logger *log.Logger) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Dispatcher{
		registry: registry,
		fallback: fallback,
		logger:   logging.OrDiscard(logger),
	}
}

// Handles reports whether a specific handler is registered for hostID.
func (d *Dispatcher) Handles(hostID string) bool {
	_, ok := d.registry.Lookup(hostID)
	return ok
}

// Dispatch extracts streams from ref. The referer, when empty, defaults to
// the reference's own referer.
func (d *Dispatcher) Dispatch(ctx context.Context, ref media.TerminalReference, referer string) ([]media.StreamDescriptor, error) {
	if referer == "" {
		referer = ref.Referer
	}
	if ref.HostID == "" {
		ref.HostID = media.HostID(ref.URL)
	}

	if ex, ok := d.registry.Lookup(ref.HostID); ok {
		d.logger.Debug("dispatching", "handler", ex.Name(), "host", ref.HostID)
		streams, err := ex.Extract(ctx, ref, referer)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", ex.Name())
		}
		return finish(streams, ref, referer), nil
	}

	if d.fallback == nil {
		return nil, errors.Wrapf(ErrUnsupported, "no handler for %s", ref.HostID)
	}
	d.logger.Debug("no handler, trying fallback", "handler", d.fallback.Name(), "host", ref.HostID)
	streams, err := d.fallback.Extract(ctx, ref, referer)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "%s", d.fallback.Name())
		}
		return nil, errors.Wrapf(ErrUnsupported, "%s: %s: %v", ref.HostID, d.fallback.Name(), err)
	}
	if len(streams) == 0 {
		return nil, errors.Wrapf(ErrUnsupported, "%s: %s found nothing", ref.HostID, d.fallback.Name())
	}
	return finish(streams, ref, referer), nil
}

// finish fills the referer a player needs and guarantees a non-nil slice.
func finish(streams []media.StreamDescriptor, ref media.TerminalReference, referer string) []media.StreamDescriptor {
	out := make([]media.StreamDescriptor, 0, len(streams))
	for _, s := range streams {
		if s.Referer == "" {
			s.Referer = referer
			if s.Referer == "" {
				s.Referer = ref.URL
			}
		}
		out = append(out, s)
	}
	return out
}
