// Package abstraction is the single entry point to session storage. It owns the active backend,
// supports swapping it at runtime, and stamps every returned record with the backend that served it.
package abstraction

import (
	"context"
	"errors"
	"maps"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/repository"
	"session-control-plane/backend/internal/telemetry"
)

// LayerName is stamped into abstraction_layer on every returned record.
const LayerName = "session_abstraction"

const source = "session_abstraction"

// ErrNoAdapter is returned when New or Swap is handed a nil backend.
var ErrNoAdapter = errors.New("abstraction: adapter is required")

// Abstraction delegates to exactly one active repository.Repository at a time.
// It is itself a repository.Repository so upper layers stay unaware of swaps.
type Abstraction struct {
	mu   sync.RWMutex
	repo repository.Repository

	recorder *telemetry.Recorder
	logger   zerolog.Logger
}

var _ repository.Repository = (*Abstraction)(nil)

// Option configures an Abstraction.
type Option func(*Abstraction)

// WithRecorder brackets every operation with telemetry. Without it operations are not instrumented.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(a *Abstraction) { a.recorder = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Abstraction) { a.logger = l }
}

// New returns an Abstraction serving from repo.
func New(repo repository.Repository, opts ...Option) (*Abstraction, error) {
	if repo == nil {
		return nil, ErrNoAdapter
	}
	a := &Abstraction{repo: repo, logger: zerolog.Nop()}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With().Str("component", "session_abstraction").Logger()
	return a, nil
}

// active copies the current reference. Callers use the copy outside the lock so an in-flight call
// finishes against the backend it started on.
func (a *Abstraction) active() repository.Repository {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.repo
}

// Type returns the active adapter type.
func (a *Abstraction) Type() string { return a.active().Type() }

// Swap makes next the active backend and returns the previous one, which the caller may close.
// next must pass its health check first; an unhealthy backend is refused with ErrBackendUnavailable
// and the active backend is left in place. Record continuity across backends is not attempted.
func (a *Abstraction) Swap(ctx context.Context, next repository.Repository) (prev repository.Repository, err error) {
	ctx, op := a.recorder.Start(ctx, source, "swap_adapter", domain.Context{})
	defer func() {
		details := map[string]string{}
		if next != nil {
			details["adapter_type"] = next.Type()
		}
		if prev != nil {
			details["previous_adapter_type"] = prev.Type()
		}
		op.End(err, details)
	}()

	if next == nil {
		return nil, ErrNoAdapter
	}
	if h := next.HealthCheck(ctx); !h.Healthy() {
		return nil, domain.Unavailable("swap to "+next.Type(), errors.New(h.Error))
	}

	a.mu.Lock()
	prev = a.repo
	a.repo = next
	a.mu.Unlock()

	a.logger.Info().Str("from", prev.Type()).Str("to", next.Type()).Msg("active session adapter swapped")
	return prev, nil
}

func (a *Abstraction) Create(ctx context.Context, sc domain.Context, req domain.CreateRequest) (sess *domain.Session, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "create_session", sc)
	defer func() { op.End(err, provenance(repo)) }()

	sess, err = repo.Create(ctx, sc, req)
	if err != nil {
		return nil, err
	}
	op.SetSession(sess.ID)
	return stampSession(sess, repo), nil
}

func (a *Abstraction) Get(ctx context.Context, id string, sc domain.Context) (sess *domain.Session, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "get_session", sc)
	op.SetSession(id)
	defer func() { op.End(err, provenance(repo)) }()

	sess, err = repo.Get(ctx, id, sc)
	if err != nil {
		return nil, err
	}
	return stampSession(sess, repo), nil
}

func (a *Abstraction) Update(ctx context.Context, id string, upd domain.Update, sc domain.Context) (err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "update_session", sc)
	op.SetSession(id)
	defer func() { op.End(err, provenance(repo)) }()

	return repo.Update(ctx, id, upd, sc)
}

func (a *Abstraction) Destroy(ctx context.Context, id string, sc domain.Context) (outcome domain.DestroyOutcome, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "destroy_session", sc)
	op.SetSession(id)
	defer func() {
		d := provenance(repo)
		if err == nil {
			d["outcome"] = outcome.String()
		}
		op.End(err, d)
	}()

	return repo.Destroy(ctx, id, sc)
}

func (a *Abstraction) Validate(ctx context.Context, id string, sc domain.Context) (valid bool, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "validate_session", sc)
	op.SetSession(id)
	defer func() {
		d := provenance(repo)
		d["valid"] = strconv.FormatBool(valid)
		op.End(err, d)
	}()

	return repo.Validate(ctx, id, sc)
}

func (a *Abstraction) Refresh(ctx context.Context, id string, sc domain.Context) (sess *domain.Session, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "refresh_session", sc)
	op.SetSession(id)
	defer func() { op.End(err, provenance(repo)) }()

	sess, err = repo.Refresh(ctx, id, sc)
	if err != nil {
		return nil, err
	}
	return stampSession(sess, repo), nil
}

func (a *Abstraction) Revoke(ctx context.Context, id string, sc domain.Context) (err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "revoke_session", sc)
	op.SetSession(id)
	defer func() { op.End(err, provenance(repo)) }()

	return repo.Revoke(ctx, id, sc)
}

func (a *Abstraction) List(ctx context.Context, sc domain.Context, f domain.Filter) (out []*domain.Session, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "list_sessions", sc)
	defer func() {
		d := provenance(repo)
		d["count"] = strconv.Itoa(len(out))
		op.End(err, d)
	}()

	out, err = repo.List(ctx, sc, f)
	if err != nil {
		return nil, err
	}
	for _, s := range out {
		stampSession(s, repo)
	}
	return out, nil
}

func (a *Abstraction) CreateToken(ctx context.Context, sessionID, tokenType string, sc domain.Context) (tok *domain.Token, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "create_session_token", sc)
	op.SetSession(sessionID)
	defer func() {
		d := provenance(repo)
		if tok != nil {
			d["token_id"] = tok.ID
			d["token_type"] = tok.Type
		}
		op.End(err, d)
	}()

	tok, err = repo.CreateToken(ctx, sessionID, tokenType, sc)
	if err != nil {
		return nil, err
	}
	tok.Metadata = stampMetadata(tok.Metadata, repo)
	return tok, nil
}

func (a *Abstraction) ValidateToken(ctx context.Context, value string, sc domain.Context) (sess *domain.Session, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "validate_session_token", sc)
	defer func() {
		if sess != nil {
			op.SetSession(sess.ID)
		}
		op.End(err, provenance(repo))
	}()

	sess, err = repo.ValidateToken(ctx, value, sc)
	if err != nil {
		return nil, err
	}
	return stampSession(sess, repo), nil
}

func (a *Abstraction) RevokeToken(ctx context.Context, tokenID string, sc domain.Context) (err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "revoke_session_token", sc)
	defer func() {
		d := provenance(repo)
		d["token_id"] = tokenID
		op.End(err, d)
	}()

	return repo.RevokeToken(ctx, tokenID, sc)
}

func (a *Abstraction) Analytics(ctx context.Context, id string, sc domain.Context) (an *domain.Analytics, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "get_session_analytics", sc)
	op.SetSession(id)
	defer func() { op.End(err, provenance(repo)) }()

	an, err = repo.Analytics(ctx, id, sc)
	if err != nil {
		return nil, err
	}
	an.Metadata = stampMetadata(an.Metadata, repo)
	return an, nil
}

func (a *Abstraction) RecordActivity(ctx context.Context, id string, act domain.Activity, sc domain.Context) (an *domain.Analytics, err error) {
	repo := a.active()
	ctx, op := a.recorder.Start(ctx, source, "update_session_analytics", sc)
	op.SetSession(id)
	defer func() { op.End(err, provenance(repo)) }()

	an, err = repo.RecordActivity(ctx, id, act, sc)
	if err != nil {
		return nil, err
	}
	an.Metadata = stampMetadata(an.Metadata, repo)
	return an, nil
}

// HealthCheck reports the active backend's health annotated with the abstraction layer.
func (a *Abstraction) HealthCheck(ctx context.Context) domain.Health {
	repo := a.active()
	h := repo.HealthCheck(ctx)
	h.Details = stampMetadata(h.Details, repo)
	return h
}

func provenance(repo repository.Repository) map[string]string {
	return map[string]string{domain.MetaAdapterType: repo.Type()}
}

func stampMetadata(m map[string]string, repo repository.Repository) map[string]string {
	out := maps.Clone(m)
	if out == nil {
		out = make(map[string]string, 2)
	}
	out[domain.MetaAdapterType] = repo.Type()
	out[domain.MetaAbstractionLayer] = LayerName
	return out
}

func stampSession(s *domain.Session, repo repository.Repository) *domain.Session {
	s.Metadata = stampMetadata(s.Metadata, repo)
	return s
}
