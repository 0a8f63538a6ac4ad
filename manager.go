package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dgduncan/go-offline-cache/caches"
)

var (
	ErrNotInstalled = errors.New("cache manager has not been installed")
	ErrClosed       = errors.New("cache manager is closed")
)

// Phase is a lifecycle phase of the manager.
type Phase int32

const (
	PhaseParsed Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActivated
	PhaseRedundant
)

func (p Phase) String() string {
	switch p {
	case PhaseParsed:
		return "parsed"
	case PhaseInstalling:
		return "installing"
	case PhaseInstalled:
		return "installed"
	case PhaseActivating:
		return "activating"
	case PhaseActivated:
		return "activated"
	case PhaseRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Manager keeps the precache and runtime cache consistent with the deployed version and answers
// intercepted requests from them. It implements http.RoundTripper; see RoundTrip.
type Manager struct {
	// Wrapped performs network fetches.
	Wrapped http.RoundTripper

	storage Storage
	origin  *url.URL
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	c Config

	// lifecycle serialises Install and Activate so that activation never overlaps an install.
	lifecycle sync.Mutex
	phase     atomic.Int32

	// backgroundMu orders background.Add against Close so that no work starts once Close waits.
	backgroundMu sync.Mutex
	closed       bool
	background   sync.WaitGroup
}

// InstallReport lists the outcome of every manifest entry.
type InstallReport struct {
	Cached []string
	Failed map[string]error
}

// New creates a manager for the application served at origin.
//
// If network is nil, http.DefaultTransport is used. If opts is nil, DefaultConfig is used.
// If the 'now' function is nil, time.Now will be used as the default time provider.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
func New(
	storage Storage,
	origin *url.URL,
	network http.RoundTripper,
	opts *Config,
	now func() time.Time,
	logger *slog.Logger,
) (*Manager, error) {
	if storage == nil {
		return nil, caches.ValidationError{Reason: "nil storage"}
	}
	if origin == nil || origin.Scheme == "" || origin.Host == "" {
		return nil, caches.ValidationError{Reason: "origin must be an absolute url"}
	}

	c := DefaultConfig()
	if opts != nil {
		c = opts.withDefaults()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if network == nil {
		network = http.DefaultTransport
	}

	nowFunc := now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		Wrapped: network,
		storage: storage,
		origin:  &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		logger:  logger,
		tracer:  otel.Tracer("github.com/dgduncan/go-offline-cache"),
		now:     nowFunc,
		c:       c,
	}, nil
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	return Phase(m.phase.Load())
}

// Config returns the configuration the manager runs with.
func (m *Manager) Config() Config {
	return m.c
}

// Origin returns the application origin.
func (m *Manager) Origin() *url.URL {
	u := *m.origin
	return &u
}

// Storage returns the storage backing the cache stores.
func (m *Manager) Storage() Storage {
	return m.storage
}

// Install opens the precache and fills it from the manifest. A manifest entry that cannot be
// fetched is logged and reported but does not fail the install. Once Install returns the manager
// may be activated immediately.
//
// Calling Install on an installed or active manager refreshes the precache in place.
func (m *Manager) Install(ctx context.Context) (*InstallReport, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	ctx, span := m.tracer.Start(ctx, "offlinecache.install",
		trace.WithAttributes(attribute.String("cache.precache", m.c.PrecacheName)))
	defer span.End()

	prev := m.Phase()
	switch prev {
	case PhaseRedundant:
		return nil, ErrClosed
	case PhaseParsed:
		m.setPhase(PhaseInstalling)
	}

	store, err := m.storage.Open(ctx, m.c.PrecacheName)
	if err != nil {
		if prev == PhaseParsed {
			m.setPhase(PhaseParsed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "opening precache")
		return nil, fmt.Errorf("opening precache %s: %w", m.c.PrecacheName, err)
	}

	cached := make([]bool, len(m.c.Manifest))
	failures := make([]error, len(m.c.Manifest))

	var g errgroup.Group
	if m.c.InstallConcurrency > 0 {
		g.SetLimit(m.c.InstallConcurrency)
	}
	for i, p := range m.c.Manifest {
		g.Go(func() error {
			if err := m.precache(ctx, store, p); err != nil {
				m.logger.WarnContext(ctx, "failed to precache asset", "path", p, "error", err)
				failures[i] = err
				return nil
			}
			cached[i] = true
			return nil
		})
	}
	_ = g.Wait()

	report := &InstallReport{Failed: map[string]error{}}
	for i, p := range m.c.Manifest {
		if cached[i] {
			report.Cached = append(report.Cached, p)
		} else {
			report.Failed[p] = failures[i]
		}
	}

	if prev == PhaseParsed {
		m.setPhase(PhaseInstalled)
	}

	span.SetAttributes(
		attribute.Int("cache.precached", len(report.Cached)),
		attribute.Int("cache.failed", len(report.Failed)))
	m.logger.InfoContext(ctx, "install complete",
		"precache", m.c.PrecacheName,
		"cached", len(report.Cached),
		"failed", len(report.Failed))

	return report, nil
}

func (m *Manager) precache(ctx context.Context, store Store, p string) error {
	ref, err := url.Parse(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.origin.ResolveReference(ref).String(), nil)
	if err != nil {
		return err
	}

	resp, err := m.Wrapped.RoundTrip(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	e, err := NewEntry(caches.Key(req), resp, m.now().UTC())
	if err != nil {
		return err
	}

	return store.Put(ctx, e.Key, e)
}

// Activate deletes every store that is neither the current precache nor the current runtime
// cache, then takes control of request handling. It returns the names of the deleted stores.
// Activating an active manager repeats the purge and never touches the current stores.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	ctx, span := m.tracer.Start(ctx, "offlinecache.activate")
	defer span.End()

	switch m.Phase() {
	case PhaseRedundant:
		return nil, ErrClosed
	case PhaseParsed, PhaseInstalling:
		return nil, ErrNotInstalled
	case PhaseInstalled:
		m.setPhase(PhaseActivating)
	}

	names, err := m.storage.Keys(ctx)
	if err != nil {
		// still claim control, the stale stores are retried on the next activation
		m.setPhase(PhaseActivated)
		span.RecordError(err)
		return nil, fmt.Errorf("listing cache stores: %w", err)
	}

	var deleted []string
	var errs []error
	for _, name := range names {
		if m.c.current(name) {
			continue
		}

		if _, err := m.storage.Delete(ctx, name); err != nil {
			m.logger.WarnContext(ctx, "failed to delete stale cache", "cache", name, "error", err)
			errs = append(errs, fmt.Errorf("deleting cache %s: %w", name, err))
			continue
		}

		m.logger.DebugContext(ctx, "deleted stale cache", "cache", name)
		deleted = append(deleted, name)
	}

	m.setPhase(PhaseActivated)

	span.SetAttributes(attribute.StringSlice("cache.deleted", deleted))
	m.logger.InfoContext(ctx, "activated", "precache", m.c.PrecacheName, "runtime", m.c.RuntimeName, "deleted", deleted)

	return deleted, errors.Join(errs...)
}

// Wait blocks until all background cache writes and revalidations have finished.
func (m *Manager) Wait() {
	m.background.Wait()
}

// Close stops intercepting requests and waits for background work to finish.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	m.setPhase(PhaseRedundant)
	m.lifecycle.Unlock()

	m.backgroundMu.Lock()
	m.closed = true
	m.backgroundMu.Unlock()

	m.Wait()
	return nil
}

func (m *Manager) setPhase(p Phase) {
	m.phase.Store(int32(p))
}

// goBackground runs fn detached from the caller. The context passed to fn keeps the values of
// ctx but is never cancelled by it. Once the manager is closed fn is dropped.
func (m *Manager) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)

	m.backgroundMu.Lock()
	defer m.backgroundMu.Unlock()
	if m.closed {
		return
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		fn(ctx)
	}()
}
