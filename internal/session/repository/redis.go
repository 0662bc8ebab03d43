package repository

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"session-control-plane/backend/internal/security"
	"session-control-plane/backend/internal/session/domain"
)

const (
	maxWatchRetries = 3
	listScanCount   = 200
)

// RedisRepository stores sessions in Redis under (tenant, id) keys with native TTL = expires_at − now.
//
// Keyspace (tenant and ids are query-escaped):
//
//	<prefix>session:<tenant>:<id>            JSON session
//	<prefix>analytics:<tenant>:<id>          hash of counters
//	<prefix>token:<tenant>:<token_id>        JSON token
//	<prefix>token_hash:<tenant>:<sha256>     token_id
//	<prefix>session_tokens:<tenant>:<id>     set of "<token_id>|<sha256>"
type RedisRepository struct {
	settings
	client redis.UniversalClient
	prefix string
}

var _ Repository = (*RedisRepository)(nil)

// NewRedisRepository returns a Repository backed by client. prefix namespaces every key.
func NewRedisRepository(client redis.UniversalClient, prefix string, opts ...Option) *RedisRepository {
	return &RedisRepository{
		settings: newSettings(TypeRedis, opts),
		client:   client,
		prefix:   prefix,
	}
}

func (r *RedisRepository) Type() string { return TypeRedis }

func (r *RedisRepository) key(kind, tenant, id string) string {
	return r.prefix + kind + ":" + url.QueryEscape(tenant) + ":" + url.QueryEscape(id)
}

func (r *RedisRepository) sessionKey(tenant, id string) string { return r.key("session", tenant, id) }
func (r *RedisRepository) analyticsKey(tenant, id string) string {
	return r.key("analytics", tenant, id)
}
func (r *RedisRepository) tokenKey(tenant, id string) string { return r.key("token", tenant, id) }
func (r *RedisRepository) tokenHashKey(tenant, hash string) string {
	return r.key("token_hash", tenant, hash)
}
func (r *RedisRepository) sessionTokensKey(tenant, id string) string {
	return r.key("session_tokens", tenant, id)
}

func redisErr(op string, err error) error {
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	return domain.Unavailable("redis "+op, err)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load reads and decodes the session at key, treating foreign or expired records as absent.
func (r *RedisRepository) load(ctx context.Context, g stringGetter, key string, sc domain.Context) (*domain.Session, error) {
	raw, err := g.Get(ctx, key).Bytes()
	if err != nil {
		return nil, redisErr("get", err)
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, domain.Unavailable("redis decode", err)
	}
	if sess.TenantID != sc.TenantID || sess.Expired(r.now()) {
		return nil, domain.ErrNotFound
	}
	return &sess, nil
}

func (r *RedisRepository) Create(ctx context.Context, sc domain.Context, req domain.CreateRequest) (*domain.Session, error) {
	sess, err := r.newSession(sc, req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	ttl := sess.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil, domain.Invalid("session would expire immediately")
	}
	ok, err := r.client.SetNX(ctx, r.sessionKey(sess.TenantID, sess.ID), payload, ttl).Result()
	if err != nil {
		return nil, redisErr("create", err)
	}
	if !ok {
		return nil, domain.Invalid("session id %q already exists", sess.ID)
	}
	ak := r.analyticsKey(sess.TenantID, sess.ID)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, ak, analyticsFields(domain.NewAnalytics(sess.ID, sess.CreatedAt)))
		p.ExpireAt(ctx, ak, sess.ExpiresAt)
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("initial analytics not stored")
	}
	return sess, nil
}

func (r *RedisRepository) Get(ctx context.Context, id string, sc domain.Context) (*domain.Session, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	return r.load(ctx, r.client, r.sessionKey(sc.TenantID, id), sc)
}

// mutate applies fn to the session under WATCH and writes it back.
// When extend is false the key keeps its remaining TTL.
func (r *RedisRepository) mutate(ctx context.Context, id string, sc domain.Context, extend bool, fn func(*domain.Session) error) (*domain.Session, error) {
	key := r.sessionKey(sc.TenantID, id)
	var out *domain.Session
	txf := func(tx *redis.Tx) error {
		sess, err := r.load(ctx, tx, key, sc)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			return err
		}
		payload, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		ttl := time.Duration(redis.KeepTTL)
		if extend {
			ttl = sess.ExpiresAt.Sub(r.now())
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, ttl)
			if extend {
				p.ExpireAt(ctx, r.analyticsKey(sc.TenantID, id), sess.ExpiresAt)
				p.ExpireAt(ctx, r.sessionTokensKey(sc.TenantID, id), sess.ExpiresAt)
			}
			return nil
		})
		out = sess
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInactive) || errors.Is(err, domain.ErrBackendUnavailable) {
				return nil, err
			}
			return nil, redisErr("update", err)
		}
		return out, nil
	}
	return nil, domain.Unavailable("redis update", redis.TxFailedErr)
}

func (r *RedisRepository) Update(ctx context.Context, id string, upd domain.Update, sc domain.Context) error {
	if err := validateID(id, sc); err != nil {
		return err
	}
	if err := upd.Validate(); err != nil {
		return err
	}
	_, err := r.mutate(ctx, id, sc, false, func(s *domain.Session) error {
		if err := checkMutable(s); err != nil {
			return err
		}
		upd.Apply(s, r.now())
		return nil
	})
	return err
}

func (r *RedisRepository) Destroy(ctx context.Context, id string, sc domain.Context) (domain.DestroyOutcome, error) {
	if err := validateID(id, sc); err != nil {
		return 0, err
	}
	stKey := r.sessionTokensKey(sc.TenantID, id)
	members, err := r.client.SMembers(ctx, stKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, redisErr("destroy", err)
	}
	var del *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, r.sessionKey(sc.TenantID, id))
		keys := []string{r.analyticsKey(sc.TenantID, id), stKey}
		for _, m := range members {
			tokenID, hash, _ := strings.Cut(m, "|")
			keys = append(keys, r.tokenKey(sc.TenantID, tokenID), r.tokenHashKey(sc.TenantID, hash))
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return 0, redisErr("destroy", err)
	}
	if del.Val() == 0 {
		return domain.AlreadyGone, nil
	}
	return domain.Destroyed, nil
}

func (r *RedisRepository) Validate(ctx context.Context, id string, sc domain.Context) (bool, error) {
	sess, err := r.Get(ctx, id, sc)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.Usable(r.now(), sc.TenantID), nil
}

func (r *RedisRepository) Refresh(ctx context.Context, id string, sc domain.Context) (*domain.Session, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	return r.mutate(ctx, id, sc, true, func(s *domain.Session) error {
		if err := checkMutable(s); err != nil {
			return err
		}
		now := r.now()
		s.ExpiresAt = now.Add(r.sessionTTL)
		s.LastAccessed = now
		return nil
	})
}

func (r *RedisRepository) Revoke(ctx context.Context, id string, sc domain.Context) error {
	if err := validateID(id, sc); err != nil {
		return err
	}
	_, err := r.mutate(ctx, id, sc, false, func(s *domain.Session) error {
		s.Status = domain.StatusRevoked
		return nil
	})
	return err
}

func (r *RedisRepository) List(ctx context.Context, sc domain.Context, f domain.Filter) ([]*domain.Session, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	pattern := r.prefix + "session:" + url.QueryEscape(sc.TenantID) + ":*"
	var out []*domain.Session
	iter := r.client.Scan(ctx, 0, pattern, listScanCount).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, redisErr("scan", err)
	}
	for start := 0; start < len(keys); start += listScanCount {
		batch := keys[start:min(start+listScanCount, len(keys))]
		vals, err := r.client.MGet(ctx, batch...).Result()
		if err != nil {
			return nil, redisErr("mget", err)
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var sess domain.Session
			if err := json.Unmarshal([]byte(s), &sess); err != nil {
				r.logger.Warn().Err(err).Msg("skipping undecodable session record")
				continue
			}
			if sess.TenantID != sc.TenantID || sess.Expired(r.now()) || !f.Match(&sess) {
				continue
			}
			out = append(out, &sess)
		}
	}
	sortSessions(out)
	return out, nil
}

func (r *RedisRepository) CreateToken(ctx context.Context, sessionID, tokenType string, sc domain.Context) (*domain.Token, error) {
	sess, err := r.Get(ctx, sessionID, sc)
	if err != nil {
		return nil, err
	}
	if err := checkMutable(sess); err != nil {
		return nil, err
	}
	tok, err := r.mintToken(sess, tokenType)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(tok)
	if err != nil {
		return nil, err
	}
	ttl := tok.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil, domain.ErrNotFound
	}
	stKey := r.sessionTokensKey(sc.TenantID, sessionID)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.tokenKey(sc.TenantID, tok.ID), payload, ttl)
		p.Set(ctx, r.tokenHashKey(sc.TenantID, tok.ValueHash), tok.ID, ttl)
		p.SAdd(ctx, stKey, tok.ID+"|"+tok.ValueHash)
		p.ExpireAt(ctx, stKey, sess.ExpiresAt)
		return nil
	})
	if err != nil {
		return nil, redisErr("create token", err)
	}
	return tok, nil
}

func (r *RedisRepository) loadToken(ctx context.Context, tokenID string, sc domain.Context) (*domain.Token, error) {
	raw, err := r.client.Get(ctx, r.tokenKey(sc.TenantID, tokenID)).Bytes()
	if err != nil {
		return nil, redisErr("get token", err)
	}
	var tok domain.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, domain.Unavailable("redis decode token", err)
	}
	if tok.TenantID != sc.TenantID {
		return nil, domain.ErrNotFound
	}
	return &tok, nil
}

func (r *RedisRepository) ValidateToken(ctx context.Context, value string, sc domain.Context) (*domain.Session, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if err := r.issuer.Verify(value); err != nil {
		return nil, domain.ErrNotFound
	}
	tokenID, err := r.client.Get(ctx, r.tokenHashKey(sc.TenantID, security.HashToken(value))).Result()
	if err != nil {
		return nil, redisErr("get token hash", err)
	}
	tok, err := r.loadToken(ctx, tokenID, sc)
	if err != nil {
		return nil, err
	}
	if !security.TokenHashEqual(value, tok.ValueHash) || r.now().After(tok.ExpiresAt) {
		return nil, domain.ErrNotFound
	}
	sess, err := r.Get(ctx, tok.SessionID, sc)
	if err != nil {
		return nil, err
	}
	if !sess.Usable(r.now(), sc.TenantID) {
		return nil, domain.ErrNotFound
	}
	return sess, nil
}

func (r *RedisRepository) RevokeToken(ctx context.Context, tokenID string, sc domain.Context) error {
	if err := validateID(tokenID, sc); err != nil {
		return err
	}
	tok, err := r.loadToken(ctx, tokenID, sc)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.tokenKey(sc.TenantID, tok.ID), r.tokenHashKey(sc.TenantID, tok.ValueHash))
		p.SRem(ctx, r.sessionTokensKey(sc.TenantID, tok.SessionID), tok.ID+"|"+tok.ValueHash)
		return nil
	})
	if err != nil {
		return redisErr("revoke token", err)
	}
	return nil
}

func (r *RedisRepository) Analytics(ctx context.Context, id string, sc domain.Context) (*domain.Analytics, error) {
	sess, err := r.Get(ctx, id, sc)
	if err != nil {
		return nil, err
	}
	fields, err := r.client.HGetAll(ctx, r.analyticsKey(sc.TenantID, id)).Result()
	if err != nil {
		return nil, redisErr("get analytics", err)
	}
	if len(fields) == 0 {
		return domain.NewAnalytics(id, sess.LastAccessed), nil
	}
	return parseAnalytics(id, fields), nil
}

func (r *RedisRepository) RecordActivity(ctx context.Context, id string, act domain.Activity, sc domain.Context) (*domain.Analytics, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	now := r.now()
	sess, err := r.mutate(ctx, id, sc, false, func(s *domain.Session) error {
		if err := checkMutable(s); err != nil {
			return err
		}
		s.LastAccessed = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	ak := r.analyticsKey(sc.TenantID, id)
	rt := max(act.ResponseTime, 0)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, ak, "total_requests", 1)
		if act.Success {
			p.HIncrBy(ctx, ak, "successful_requests", 1)
		} else {
			p.HIncrBy(ctx, ak, "failed_requests", 1)
		}
		if act.SecurityEvent {
			p.HIncrBy(ctx, ak, "security_events", 1)
		}
		p.HIncrBy(ctx, ak, "response_time_total_us", rt.Microseconds())
		p.HSet(ctx, ak, "last_activity", now.UnixNano())
		p.ExpireAt(ctx, ak, sess.ExpiresAt)
		return nil
	})
	if err != nil {
		return nil, redisErr("record activity", err)
	}
	fields, err := r.client.HGetAll(ctx, ak).Result()
	if err != nil {
		return nil, redisErr("get analytics", err)
	}
	return parseAnalytics(id, fields), nil
}

func (r *RedisRepository) HealthCheck(ctx context.Context) domain.Health {
	h := domain.CheckHealth(TypeRedis, r.now, func() error {
		return r.client.Ping(ctx).Err()
	})
	h.Details = map[string]string{
		"key_prefix":  r.prefix,
		"session_ttl": r.sessionTTL.String(),
		"token_ttl":   r.tokenTTL.String(),
	}
	return h
}

func analyticsFields(a *domain.Analytics) map[string]any {
	return map[string]any{
		"total_requests":         a.TotalRequests,
		"successful_requests":    a.SuccessfulRequests,
		"failed_requests":        a.FailedRequests,
		"security_events":        a.SecurityEvents,
		"response_time_total_us": (a.AverageResponseTime * time.Duration(a.TotalRequests)).Microseconds(),
		"last_activity":          a.LastActivity.UnixNano(),
	}
}

func parseAnalytics(id string, fields map[string]string) *domain.Analytics {
	num := func(k string) int64 {
		n, _ := strconv.ParseInt(fields[k], 10, 64)
		return max(n, 0)
	}
	a := &domain.Analytics{
		SessionID:          id,
		TotalRequests:      num("total_requests"),
		SuccessfulRequests: num("successful_requests"),
		FailedRequests:     num("failed_requests"),
		SecurityEvents:     num("security_events"),
	}
	if a.TotalRequests > 0 {
		a.AverageResponseTime = time.Duration(num("response_time_total_us")) * time.Microsecond / time.Duration(a.TotalRequests)
	}
	if ns := num("last_activity"); ns > 0 {
		a.LastActivity = time.Unix(0, ns).UTC()
	}
	return a
}
