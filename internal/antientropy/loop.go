// Package antientropy periodically reconciles a replica with every peer in
// its group whose root fingerprint differs from its own. Each reconciliation
// is one pull and one push.
package antientropy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/cellsync/internal/membership"
	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
)

const (
	defaultInterval = 10 * time.Second
	maxPeerBackoff  = 5 * time.Minute
)

var (
	tracer = otel.Tracer("github.com/example/cellsync/antientropy")

	rounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antientropy",
		Name:      "peer_syncs_total",
		Help:      "Peer reconciliations by outcome.",
	}, []string{"outcome"})

	transferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antientropy",
		Name:      "entries_total",
		Help:      "Entries moved by anti-entropy, by direction.",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(rounds, transferred)
}

// Local is the replica being kept in sync.
type Local interface {
	ID() types.ReplicaID
	Digest() *trie.Node
	Fingerprint() uint32
	GetChanges(digest *trie.Node) types.Message
	SetChanges(ctx context.Context, msg types.Message) error
}

// Remote reaches a peer replica at an address.
type Remote interface {
	// Pull sends our digest and returns the entries we are missing.
	Pull(ctx context.Context, addr string, digest *trie.Node) (types.Message, error)
	// Digest fetches the peer's digest.
	Digest(ctx context.Context, addr string) (*trie.Node, error)
	// Push delivers entries the peer is missing.
	Push(ctx context.Context, addr string, msg types.Message) error
}

// Roster lists the group's replicas.
type Roster interface {
	Members(ctx context.Context) ([]membership.Member, error)
}

// Result summarizes one peer reconciliation.
type Result struct {
	Peer   types.ReplicaID
	Pulled int
	Pushed int
}

type peerState struct {
	failures  int
	nextRetry time.Time
}

// Loop drives periodic reconciliation.
type Loop struct {
	local    Local
	remote   Remote
	roster   Roster
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	peers map[types.ReplicaID]*peerState
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the time between rounds.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// NewLoop constructs a reconciliation loop.
func NewLoop(local Local, remote Remote, roster Roster, logger zerolog.Logger, opts ...Option) *Loop {
	l := &Loop{
		local:    local,
		remote:   remote,
		roster:   roster,
		interval: defaultInterval,
		logger:   logger.With().Str("component", "antientropy").Logger(),
		now:      time.Now,
		peers:    make(map[types.ReplicaID]*peerState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs rounds until ctx ends.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn().Err(err).Msg("anti-entropy round failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce reconciles with every peer whose fingerprint differs from ours.
// Peers that failed recently are skipped until their backoff expires.
func (l *Loop) RunOnce(ctx context.Context) ([]Result, error) {
	members, err := l.roster.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	var (
		results []Result
		errs    []error
	)
	for _, m := range members {
		if m.ID == l.local.ID() || m.Addr == "" || m.Left {
			continue
		}
		if m.Fingerprint == l.local.Fingerprint() {
			rounds.WithLabelValues("in_sync").Inc()
			continue
		}
		state := l.peerState(m.ID)
		if l.now().Before(state.nextRetry) {
			rounds.WithLabelValues("backoff").Inc()
			continue
		}

		result, err := l.SyncPeer(ctx, m)
		if err != nil {
			state.failures++
			state.nextRetry = l.now().Add(backoff(state.failures, l.interval))
			rounds.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("sync with %s: %w", m.ID, err))
			continue
		}
		state.failures = 0
		state.nextRetry = time.Time{}
		rounds.WithLabelValues("synced").Inc()
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

// SyncPeer pulls what we lack from the peer, then pushes what it lacks.
func (l *Loop) SyncPeer(ctx context.Context, m membership.Member) (Result, error) {
	ctx, span := tracer.Start(ctx, "antientropy.sync_peer")
	defer span.End()
	span.SetAttributes(attribute.String("peer", string(m.ID)), attribute.String("addr", m.Addr))

	result := Result{Peer: m.ID}
	fail := func(err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	missing, err := l.remote.Pull(ctx, m.Addr, l.local.Digest())
	if err != nil {
		return fail(fmt.Errorf("pull: %w", err))
	}
	if len(missing) > 0 {
		if err := l.local.SetChanges(ctx, missing); err != nil {
			return fail(fmt.Errorf("apply pulled entries: %w", err))
		}
	}
	result.Pulled = len(missing)
	transferred.WithLabelValues("pull").Add(float64(len(missing)))

	peerDigest, err := l.remote.Digest(ctx, m.Addr)
	if err != nil {
		return fail(fmt.Errorf("fetch digest: %w", err))
	}
	excess := l.local.GetChanges(peerDigest)
	if len(excess) > 0 {
		if err := l.remote.Push(ctx, m.Addr, excess); err != nil {
			return fail(fmt.Errorf("push: %w", err))
		}
	}
	result.Pushed = len(excess)
	transferred.WithLabelValues("push").Add(float64(len(excess)))

	l.logger.Debug().
		Str("peer", string(m.ID)).
		Int("pulled", result.Pulled).
		Int("pushed", result.Pushed).
		Msg("peer reconciled")
	return result, nil
}

func (l *Loop) peerState(id types.ReplicaID) *peerState {
	state, ok := l.peers[id]
	if !ok {
		state = &peerState{}
		l.peers[id] = state
	}
	return state
}

// backoff doubles the wait per consecutive failure, capped at maxPeerBackoff.
func backoff(failures int, base time.Duration) time.Duration {
	d := base
	for i := 1; i < failures && d < maxPeerBackoff; i++ {
		d *= 2
	}
	if d > maxPeerBackoff {
		d = maxPeerBackoff
	}
	return d
}
