package repository

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"session-control-plane/backend/internal/security"
	"session-control-plane/backend/internal/session/domain"
)

type memKey struct {
	tenant string
	id     string
}

// MemoryRepository is an in-process Repository for single-instance and development use.
// Expiry is enforced lazily: an expired session found on read is dropped and reported absent.
type MemoryRepository struct {
	settings

	mu            sync.RWMutex
	sessions      map[memKey]*domain.Session
	analytics     map[memKey]*domain.Analytics
	tokens        map[memKey]*domain.Token
	tokenHashes   map[memKey]string
	sessionTokens map[memKey][]string
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty in-process store.
func NewMemoryRepository(opts ...Option) *MemoryRepository {
	return &MemoryRepository{
		settings:      newSettings(TypeMemory, opts),
		sessions:      make(map[memKey]*domain.Session),
		analytics:     make(map[memKey]*domain.Analytics),
		tokens:        make(map[memKey]*domain.Token),
		tokenHashes:   make(map[memKey]string),
		sessionTokens: make(map[memKey][]string),
	}
}

func (r *MemoryRepository) Type() string { return TypeMemory }

func (r *MemoryRepository) Create(ctx context.Context, sc domain.Context, req domain.CreateRequest) (*domain.Session, error) {
	sess, err := r.newSession(sc, req)
	if err != nil {
		return nil, err
	}
	k := memKey{sess.TenantID, sess.ID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[k]; exists {
		return nil, domain.Invalid("session id %q already exists", sess.ID)
	}
	r.sessions[k] = sess
	r.analytics[k] = domain.NewAnalytics(sess.ID, sess.CreatedAt)
	return sess.Clone(), nil
}

// liveLocked returns the session at k, evicting it when expired. Caller holds the write lock.
func (r *MemoryRepository) liveLocked(k memKey) (*domain.Session, bool) {
	sess, ok := r.sessions[k]
	if !ok {
		return nil, false
	}
	if sess.Expired(r.now()) {
		r.evictLocked(k)
		return nil, false
	}
	return sess, true
}

func (r *MemoryRepository) evictLocked(k memKey) {
	for _, tokenID := range r.sessionTokens[k] {
		tk := memKey{k.tenant, tokenID}
		if tok, ok := r.tokens[tk]; ok {
			delete(r.tokenHashes, memKey{k.tenant, tok.ValueHash})
			delete(r.tokens, tk)
		}
	}
	delete(r.sessionTokens, k)
	delete(r.analytics, k)
	delete(r.sessions, k)
}

func (r *MemoryRepository) Get(ctx context.Context, id string, sc domain.Context) (*domain.Session, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.liveLocked(memKey{sc.TenantID, id})
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sess.Clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, upd domain.Update, sc domain.Context) error {
	if err := validateID(id, sc); err != nil {
		return err
	}
	if err := upd.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.liveLocked(memKey{sc.TenantID, id})
	if !ok {
		return domain.ErrNotFound
	}
	if err := checkMutable(sess); err != nil {
		return err
	}
	upd.Apply(sess, r.now())
	return nil
}

func (r *MemoryRepository) Destroy(ctx context.Context, id string, sc domain.Context) (domain.DestroyOutcome, error) {
	if err := validateID(id, sc); err != nil {
		return 0, err
	}
	k := memKey{sc.TenantID, id}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.liveLocked(k)
	if !ok {
		return domain.AlreadyGone, nil
	}
	sess.Status = domain.StatusRevoked
	r.evictLocked(k)
	return domain.Destroyed, nil
}

func (r *MemoryRepository) Validate(ctx context.Context, id string, sc domain.Context) (bool, error) {
	if err := validateID(id, sc); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.liveLocked(memKey{sc.TenantID, id})
	if !ok {
		return false, nil
	}
	return sess.Usable(r.now(), sc.TenantID), nil
}

func (r *MemoryRepository) Refresh(ctx context.Context, id string, sc domain.Context) (*domain.Session, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.liveLocked(memKey{sc.TenantID, id})
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := checkMutable(sess); err != nil {
		return nil, err
	}
	now := r.now()
	sess.ExpiresAt = now.Add(r.sessionTTL)
	sess.LastAccessed = now
	return sess.Clone(), nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id string, sc domain.Context) error {
	if err := validateID(id, sc); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.liveLocked(memKey{sc.TenantID, id})
	if !ok {
		return domain.ErrNotFound
	}
	sess.Status = domain.StatusRevoked
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, sc domain.Context, f domain.Filter) ([]*domain.Session, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Session
	for k, sess := range r.sessions {
		if k.tenant != sc.TenantID || sess.Expired(now) || !f.Match(sess) {
			continue
		}
		out = append(out, sess.Clone())
	}
	sortSessions(out)
	return out, nil
}

func (r *MemoryRepository) CreateToken(ctx context.Context, sessionID, tokenType string, sc domain.Context) (*domain.Token, error) {
	if err := validateID(sessionID, sc); err != nil {
		return nil, err
	}
	k := memKey{sc.TenantID, sessionID}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.liveLocked(k)
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := checkMutable(sess); err != nil {
		return nil, err
	}
	tok, err := r.mintToken(sess, tokenType)
	if err != nil {
		return nil, err
	}
	stored := tok.Clone()
	stored.Value = ""
	r.tokens[memKey{sc.TenantID, tok.ID}] = stored
	r.tokenHashes[memKey{sc.TenantID, tok.ValueHash}] = tok.ID
	r.sessionTokens[k] = append(r.sessionTokens[k], tok.ID)
	return tok, nil
}

func (r *MemoryRepository) ValidateToken(ctx context.Context, value string, sc domain.Context) (*domain.Session, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if err := r.issuer.Verify(value); err != nil {
		return nil, domain.ErrNotFound
	}
	hash := security.HashToken(value)
	r.mu.Lock()
	defer r.mu.Unlock()
	tokenID, ok := r.tokenHashes[memKey{sc.TenantID, hash}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	tk := memKey{sc.TenantID, tokenID}
	tok := r.tokens[tk]
	now := r.now()
	if tok == nil || !security.TokenHashEqual(value, tok.ValueHash) {
		return nil, domain.ErrNotFound
	}
	if now.After(tok.ExpiresAt) {
		r.dropTokenLocked(tk, tok)
		return nil, domain.ErrNotFound
	}
	sess, ok := r.liveLocked(memKey{sc.TenantID, tok.SessionID})
	if !ok || !sess.Usable(now, sc.TenantID) {
		return nil, domain.ErrNotFound
	}
	return sess.Clone(), nil
}

func (r *MemoryRepository) RevokeToken(ctx context.Context, tokenID string, sc domain.Context) error {
	if err := validateID(tokenID, sc); err != nil {
		return err
	}
	tk := memKey{sc.TenantID, tokenID}
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[tk]
	if !ok {
		return domain.ErrNotFound
	}
	r.dropTokenLocked(tk, tok)
	return nil
}

// dropTokenLocked removes a token from every index, including its session's token list.
func (r *MemoryRepository) dropTokenLocked(tk memKey, tok *domain.Token) {
	delete(r.tokenHashes, memKey{tk.tenant, tok.ValueHash})
	delete(r.tokens, tk)
	sk := memKey{tk.tenant, tok.SessionID}
	r.sessionTokens[sk] = slices.DeleteFunc(r.sessionTokens[sk], func(id string) bool { return id == tk.id })
	if len(r.sessionTokens[sk]) == 0 {
		delete(r.sessionTokens, sk)
	}
}

func (r *MemoryRepository) Analytics(ctx context.Context, id string, sc domain.Context) (*domain.Analytics, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	k := memKey{sc.TenantID, id}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.liveLocked(k)
	if !ok {
		return nil, domain.ErrNotFound
	}
	a, ok := r.analytics[k]
	if !ok {
		return domain.NewAnalytics(id, sess.LastAccessed), nil
	}
	return a.Clone(), nil
}

func (r *MemoryRepository) RecordActivity(ctx context.Context, id string, act domain.Activity, sc domain.Context) (*domain.Analytics, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	k := memKey{sc.TenantID, id}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.liveLocked(k)
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := checkMutable(sess); err != nil {
		return nil, err
	}
	now := r.now()
	a, ok := r.analytics[k]
	if !ok {
		a = domain.NewAnalytics(id, now)
		r.analytics[k] = a
	}
	a.Record(act, now)
	sess.LastAccessed = now
	return a.Clone(), nil
}

func (r *MemoryRepository) HealthCheck(ctx context.Context) domain.Health {
	h := domain.CheckHealth(TypeMemory, r.now, func() error { return nil })
	r.mu.RLock()
	n := len(r.sessions)
	r.mu.RUnlock()
	h.Details = map[string]string{"sessions": strconv.Itoa(n)}
	return h
}

// PurgeExpired drops every session expired at now and returns how many were removed.
// Nothing calls it implicitly; reads already ignore expired records.
func (r *MemoryRepository) PurgeExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, sess := range r.sessions {
		if sess.Expired(now) {
			r.evictLocked(k)
			n++
		}
	}
	return n
}

func sortSessions(s []*domain.Session) {
	slices.SortFunc(s, func(a, b *domain.Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
