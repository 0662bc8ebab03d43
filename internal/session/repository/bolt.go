package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"session-control-plane/backend/internal/security"
	"session-control-plane/backend/internal/session/domain"
)

var (
	boltSessions      = []byte("sessions")
	boltAnalytics     = []byte("analytics")
	boltTokens        = []byte("tokens")
	boltTokenHashes   = []byte("token_hashes")
	boltSessionTokens = []byte("session_tokens")
)

// BoltRepository is a single-file embedded Repository for single-instance deployments that must survive restarts.
// Keys are "<tenant>\x00<id>"; expiry is enforced lazily as in MemoryRepository.
type BoltRepository struct {
	settings
	db   *bbolt.DB
	path string
}

var _ Repository = (*BoltRepository)(nil)

// NewBoltRepository opens (or creates) the store at path. Call Close when done.
func NewBoltRepository(path string, opts ...Option) (*BoltRepository, error) {
	if path == "" {
		return nil, domain.Invalid("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{boltSessions, boltAnalytics, boltTokens, boltTokenHashes, boltSessionTokens} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: create buckets: %w", err)
	}
	return &BoltRepository{settings: newSettings(TypeBolt, opts), db: db, path: path}, nil
}

// Close releases the file lock.
func (r *BoltRepository) Close() error { return r.db.Close() }

func (r *BoltRepository) Type() string { return TypeBolt }

func boltKey(tenant, id string) []byte {
	return []byte(tenant + "\x00" + id)
}

func boltErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{domain.ErrNotFound, domain.ErrInactive, domain.ErrValidation} {
		if errors.Is(err, known) {
			return err
		}
	}
	return domain.Unavailable("bolt "+op, err)
}

func getJSON(b *bbolt.Bucket, key []byte, v any) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

// liveTx loads the session at (tenant, id), evicting it when expired. tx must be writable.
// An absent session yields (nil, nil) so the eviction still commits.
func (r *BoltRepository) liveTx(tx *bbolt.Tx, tenant, id string) (*domain.Session, error) {
	var sess domain.Session
	ok, err := getJSON(tx.Bucket(boltSessions), boltKey(tenant, id), &sess)
	if err != nil || !ok || sess.TenantID != tenant {
		return nil, err
	}
	if sess.Expired(r.now()) {
		return nil, r.evictTx(tx, tenant, id)
	}
	return &sess, nil
}

func (r *BoltRepository) evictTx(tx *bbolt.Tx, tenant, id string) error {
	k := boltKey(tenant, id)
	var members []string
	if _, err := getJSON(tx.Bucket(boltSessionTokens), k, &members); err != nil {
		return err
	}
	for _, m := range members {
		tokenID, hash, _ := strings.Cut(m, "|")
		if err := tx.Bucket(boltTokens).Delete(boltKey(tenant, tokenID)); err != nil {
			return err
		}
		if err := tx.Bucket(boltTokenHashes).Delete(boltKey(tenant, hash)); err != nil {
			return err
		}
	}
	for _, b := range [][]byte{boltSessionTokens, boltAnalytics, boltSessions} {
		if err := tx.Bucket(b).Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (r *BoltRepository) Create(ctx context.Context, sc domain.Context, req domain.CreateRequest) (*domain.Session, error) {
	sess, err := r.newSession(sc, req)
	if err != nil {
		return nil, err
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		k := boltKey(sess.TenantID, sess.ID)
		b := tx.Bucket(boltSessions)
		if b.Get(k) != nil {
			return domain.Invalid("session id %q already exists", sess.ID)
		}
		if err := putJSON(b, k, sess); err != nil {
			return err
		}
		return putJSON(tx.Bucket(boltAnalytics), k, domain.NewAnalytics(sess.ID, sess.CreatedAt))
	})
	if err != nil {
		return nil, boltErr("create", err)
	}
	return sess, nil
}

func (r *BoltRepository) Get(ctx context.Context, id string, sc domain.Context) (*domain.Session, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	var out *domain.Session
	err := r.db.Update(func(tx *bbolt.Tx) error {
		sess, err := r.liveTx(tx, sc.TenantID, id)
		out = sess
		return err
	})
	if err != nil {
		return nil, boltErr("get", err)
	}
	if out == nil {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

func (r *BoltRepository) mutate(id string, sc domain.Context, fn func(*domain.Session) error) (*domain.Session, error) {
	var out *domain.Session
	err := r.db.Update(func(tx *bbolt.Tx) error {
		sess, err := r.liveTx(tx, sc.TenantID, id)
		if err != nil || sess == nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		out = sess
		return putJSON(tx.Bucket(boltSessions), boltKey(sc.TenantID, id), sess)
	})
	if err != nil {
		return nil, boltErr("update", err)
	}
	if out == nil {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

func (r *BoltRepository) Update(ctx context.Context, id string, upd domain.Update, sc domain.Context) error {
	if err := validateID(id, sc); err != nil {
		return err
	}
	if err := upd.Validate(); err != nil {
		return err
	}
	_, err := r.mutate(id, sc, func(s *domain.Session) error {
		if err := checkMutable(s); err != nil {
			return err
		}
		upd.Apply(s, r.now())
		return nil
	})
	return err
}

func (r *BoltRepository) Destroy(ctx context.Context, id string, sc domain.Context) (domain.DestroyOutcome, error) {
	if err := validateID(id, sc); err != nil {
		return 0, err
	}
	outcome := domain.AlreadyGone
	err := r.db.Update(func(tx *bbolt.Tx) error {
		sess, err := r.liveTx(tx, sc.TenantID, id)
		if err != nil || sess == nil {
			return err
		}
		outcome = domain.Destroyed
		return r.evictTx(tx, sc.TenantID, id)
	})
	if err != nil {
		return 0, boltErr("destroy", err)
	}
	return outcome, nil
}

func (r *BoltRepository) Validate(ctx context.Context, id string, sc domain.Context) (bool, error) {
	sess, err := r.Get(ctx, id, sc)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.Usable(r.now(), sc.TenantID), nil
}

func (r *BoltRepository) Refresh(ctx context.Context, id string, sc domain.Context) (*domain.Session, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	return r.mutate(id, sc, func(s *domain.Session) error {
		if err := checkMutable(s); err != nil {
			return err
		}
		now := r.now()
		s.ExpiresAt = now.Add(r.sessionTTL)
		s.LastAccessed = now
		return nil
	})
}

func (r *BoltRepository) Revoke(ctx context.Context, id string, sc domain.Context) error {
	if err := validateID(id, sc); err != nil {
		return err
	}
	_, err := r.mutate(id, sc, func(s *domain.Session) error {
		s.Status = domain.StatusRevoked
		return nil
	})
	return err
}

func (r *BoltRepository) List(ctx context.Context, sc domain.Context, f domain.Filter) ([]*domain.Session, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	prefix := []byte(sc.TenantID + "\x00")
	now := r.now()
	var out []*domain.Session
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltSessions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sess domain.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.TenantID == sc.TenantID && !sess.Expired(now) && f.Match(&sess) {
				out = append(out, &sess)
			}
		}
		return nil
	})
	if err != nil {
		return nil, boltErr("list", err)
	}
	sortSessions(out)
	return out, nil
}

func (r *BoltRepository) CreateToken(ctx context.Context, sessionID, tokenType string, sc domain.Context) (*domain.Token, error) {
	if err := validateID(sessionID, sc); err != nil {
		return nil, err
	}
	var tok *domain.Token
	err := r.db.Update(func(tx *bbolt.Tx) error {
		sess, err := r.liveTx(tx, sc.TenantID, sessionID)
		if err != nil || sess == nil {
			return err
		}
		if err := checkMutable(sess); err != nil {
			return err
		}
		if tok, err = r.mintToken(sess, tokenType); err != nil {
			return err
		}
		if err := putJSON(tx.Bucket(boltTokens), boltKey(sc.TenantID, tok.ID), tok); err != nil {
			return err
		}
		if err := tx.Bucket(boltTokenHashes).Put(boltKey(sc.TenantID, tok.ValueHash), []byte(tok.ID)); err != nil {
			return err
		}
		sk := boltKey(sc.TenantID, sessionID)
		var members []string
		if _, err := getJSON(tx.Bucket(boltSessionTokens), sk, &members); err != nil {
			return err
		}
		return putJSON(tx.Bucket(boltSessionTokens), sk, append(members, tok.ID+"|"+tok.ValueHash))
	})
	if err != nil {
		return nil, boltErr("create token", err)
	}
	if tok == nil {
		return nil, domain.ErrNotFound
	}
	return tok, nil
}

func (r *BoltRepository) ValidateToken(ctx context.Context, value string, sc domain.Context) (*domain.Session, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if err := r.issuer.Verify(value); err != nil {
		return nil, domain.ErrNotFound
	}
	hash := security.HashToken(value)
	var out *domain.Session
	err := r.db.View(func(tx *bbolt.Tx) error {
		tokenID := tx.Bucket(boltTokenHashes).Get(boltKey(sc.TenantID, hash))
		if tokenID == nil {
			return domain.ErrNotFound
		}
		var tok domain.Token
		ok, err := getJSON(tx.Bucket(boltTokens), boltKey(sc.TenantID, string(tokenID)), &tok)
		if err != nil {
			return err
		}
		now := r.now()
		if !ok || !security.TokenHashEqual(value, tok.ValueHash) || now.After(tok.ExpiresAt) {
			return domain.ErrNotFound
		}
		var sess domain.Session
		ok, err = getJSON(tx.Bucket(boltSessions), boltKey(sc.TenantID, tok.SessionID), &sess)
		if err != nil {
			return err
		}
		if !ok || !sess.Usable(now, sc.TenantID) {
			return domain.ErrNotFound
		}
		out = &sess
		return nil
	})
	if err != nil {
		return nil, boltErr("validate token", err)
	}
	return out, nil
}

func (r *BoltRepository) RevokeToken(ctx context.Context, tokenID string, sc domain.Context) error {
	if err := validateID(tokenID, sc); err != nil {
		return err
	}
	err := r.db.Update(func(tx *bbolt.Tx) error {
		tk := boltKey(sc.TenantID, tokenID)
		var tok domain.Token
		ok, err := getJSON(tx.Bucket(boltTokens), tk, &tok)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound
		}
		if err := tx.Bucket(boltTokens).Delete(tk); err != nil {
			return err
		}
		if err := tx.Bucket(boltTokenHashes).Delete(boltKey(sc.TenantID, tok.ValueHash)); err != nil {
			return err
		}
		sk := boltKey(sc.TenantID, tok.SessionID)
		var members []string
		if _, err := getJSON(tx.Bucket(boltSessionTokens), sk, &members); err != nil {
			return err
		}
		kept := members[:0]
		for _, m := range members {
			if !strings.HasPrefix(m, tokenID+"|") {
				kept = append(kept, m)
			}
		}
		return putJSON(tx.Bucket(boltSessionTokens), sk, kept)
	})
	return boltErr("revoke token", err)
}

func (r *BoltRepository) Analytics(ctx context.Context, id string, sc domain.Context) (*domain.Analytics, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	var out *domain.Analytics
	err := r.db.Update(func(tx *bbolt.Tx) error {
		sess, err := r.liveTx(tx, sc.TenantID, id)
		if err != nil || sess == nil {
			return err
		}
		var a domain.Analytics
		ok, err := getJSON(tx.Bucket(boltAnalytics), boltKey(sc.TenantID, id), &a)
		if err != nil {
			return err
		}
		if !ok {
			out = domain.NewAnalytics(id, sess.LastAccessed)
			return nil
		}
		out = &a
		return nil
	})
	if err != nil {
		return nil, boltErr("analytics", err)
	}
	if out == nil {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

func (r *BoltRepository) RecordActivity(ctx context.Context, id string, act domain.Activity, sc domain.Context) (*domain.Analytics, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	var out *domain.Analytics
	err := r.db.Update(func(tx *bbolt.Tx) error {
		sess, err := r.liveTx(tx, sc.TenantID, id)
		if err != nil || sess == nil {
			return err
		}
		if err := checkMutable(sess); err != nil {
			return err
		}
		k := boltKey(sc.TenantID, id)
		now := r.now()
		a := domain.NewAnalytics(id, now)
		if _, err := getJSON(tx.Bucket(boltAnalytics), k, a); err != nil {
			return err
		}
		a.Record(act, now)
		sess.LastAccessed = now
		if err := putJSON(tx.Bucket(boltSessions), k, sess); err != nil {
			return err
		}
		out = a
		return putJSON(tx.Bucket(boltAnalytics), k, a)
	})
	if err != nil {
		return nil, boltErr("record activity", err)
	}
	if out == nil {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

func (r *BoltRepository) HealthCheck(ctx context.Context) domain.Health {
	h := domain.CheckHealth(TypeBolt, r.now, func() error {
		return r.db.View(func(tx *bbolt.Tx) error {
			if tx.Bucket(boltSessions) == nil {
				return errors.New("sessions bucket missing")
			}
			return nil
		})
	})
	h.Details = map[string]string{"path": r.path}
	return h
}
