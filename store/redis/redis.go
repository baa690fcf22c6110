// Package redis provides a Redis-backed implementation of the store.Store
// interface. Every item mutation runs as a single Lua script so the
// line-item write, the sequence increment and the activity append commit
// together; Redis executes scripts atomically, which is the per-call
// transaction the contract requires.
//
// Key layout, all under a configurable prefix:
//
//	sess:<id>    session record (JSON)
//	tok:<token>  session ID owning the token
//	items:<id>   hash: item ID -> line item (JSON)
//	prod:<id>    hash: product ID -> item ID
//	act:<id>     list: activities in sequence order (JSON)
//	seq:<id>     last assigned sequence number
//	exp          zset: session ID scored by expiry (unix millis)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/feastly/cartsync/cart"
	"github.com/feastly/cartsync/store"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: CARTSYNC_STORE_PREFIX
	KeyPrefix string `env:"CARTSYNC_STORE_PREFIX,default=cartsync:"`
	// Client, when set, is used instead of dialing RedisAddr. The caller
	// keeps ownership and Close will not close it.
	Client *redis.Client
}

type Store struct {
	client    *redis.Client
	keyPrefix string
	ownClient bool
	now       func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(cfg Config, opts ...Option) (*Store, error) {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cartsync:"
	}
	s := &Store{keyPrefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Client != nil {
		s.client = cfg.Client
		return s, nil
	}

	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	s.client = redis.NewClient(&redis.Options{Addr: addr})
	s.ownClient = true
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// --- Key helpers ---

func (s *Store) sessKey(id string) string     { return s.keyPrefix + "sess:" + id }
func (s *Store) tokKey(token string) string   { return s.keyPrefix + "tok:" + token }
func (s *Store) itemsKey(id string) string    { return s.keyPrefix + "items:" + id }
func (s *Store) productsKey(id string) string { return s.keyPrefix + "prod:" + id }
func (s *Store) actKey(id string) string      { return s.keyPrefix + "act:" + id }
func (s *Store) seqKey(id string) string      { return s.keyPrefix + "seq:" + id }
func (s *Store) expiryKey() string            { return s.keyPrefix + "exp" }

// sessionRecord pins the JSON shape shared between Go and the Lua scripts
// that patch individual fields in place.
type sessionRecord struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id,omitempty"`
	Token          string    `json:"token"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Active         bool      `json:"active"`
}

func toRecord(sess *cart.Session) sessionRecord {
	return sessionRecord{
		ID:             sess.ID,
		OwnerID:        sess.OwnerID,
		Token:          sess.Token,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		ExpiresAt:      sess.ExpiresAt,
		Active:         sess.Active,
	}
}

func (r sessionRecord) toSession() *cart.Session {
	return &cart.Session{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Token:          r.Token,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
		ExpiresAt:      r.ExpiresAt,
		Active:         r.Active,
	}
}

// --- Sessions ---

var createSessionScript = redis.NewScript(`
if redis.call('SETNX', KEYS[2], ARGV[2]) == 0 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return 1
`)

func (s *Store) CreateSession(ctx context.Context, sess *cart.Session) error {
	data, err := json.Marshal(toRecord(sess))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	keys := []string{s.sessKey(sess.ID), s.tokKey(sess.Token), s.expiryKey()}
	ok, err := createSessionScript.Run(ctx, s.client, keys,
		data, sess.ID, sess.ExpiresAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("create session %s: token already in use", sess.ID)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*cart.Session, error) {
	raw, err := s.client.Get(ctx, s.sessKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec.toSession(), nil
}

func (s *Store) GetSessionByToken(ctx context.Context, token string) (*cart.Session, error) {
	id, err := s.client.Get(ctx, s.tokKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	return s.GetSession(ctx, id)
}

var touchScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local sess = cjson.decode(raw)
sess['last_activity_at'] = ARGV[2]
sess['expires_at'] = ARGV[3]
redis.call('SET', KEYS[1], cjson.encode(sess))
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

func (s *Store) TouchSession(ctx context.Context, id string, lastActivity, expiresAt time.Time) error {
	keys := []string{s.sessKey(id), s.expiryKey()}
	// 0 means the session is gone; a touch racing a purge is a no-op.
	_, err := touchScript.Run(ctx, s.client, keys,
		id,
		lastActivity.UTC().Format(time.RFC3339Nano),
		expiresAt.UTC().Format(time.RFC3339Nano),
		expiresAt.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

var deactivateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local sess = cjson.decode(raw)
sess['active'] = false
redis.call('SET', KEYS[1], cjson.encode(sess))
return 1
`)

func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	_, err := deactivateScript.Run(ctx, s.client, []string{s.sessKey(id)}).Int()
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

// --- Item mutations ---

// upsertScript merges qty into the session's line item for the product,
// creating the item when absent, and appends the matching activity. The
// session record must exist: writing against a purged session would
// strand records no sweeper pass can find.
// KEYS: sess, items, prod, act, seq
// ARGV: sessionID, productID, qty, unitPrice, notes, newItemID,
//
//	activityID, timestamp
//
// Returns false when the session is absent, else {itemJSON, activityJSON}.
var upsertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local qty = tonumber(ARGV[3])
local price = tonumber(ARGV[4])
local act = {
  id = ARGV[7],
  session_id = ARGV[1],
  product_id = ARGV[2],
  unit_price = price,
  previous_quantity = 0,
  timestamp = ARGV[8],
}
local item
local itemID = redis.call('HGET', KEYS[3], ARGV[2])
if itemID then
  item = cjson.decode(redis.call('HGET', KEYS[2], itemID))
  act['type'] = 'item_updated'
  act['previous_quantity'] = item['quantity']
  item['quantity'] = item['quantity'] + qty
  item['unit_price'] = price
  item['line_total'] = item['quantity'] * price
  if ARGV[5] ~= '' then
    item['notes'] = ARGV[5]
  end
  item['updated_at'] = ARGV[8]
else
  itemID = ARGV[6]
  act['type'] = 'item_added'
  item = {
    id = itemID,
    session_id = ARGV[1],
    product_id = ARGV[2],
    quantity = qty,
    unit_price = price,
    line_total = qty * price,
    added_at = ARGV[8],
    updated_at = ARGV[8],
  }
  if ARGV[5] ~= '' then
    item['notes'] = ARGV[5]
  end
  redis.call('HSET', KEYS[3], ARGV[2], itemID)
end
act['item_id'] = itemID
act['new_quantity'] = item['quantity']
act['seq'] = redis.call('INCR', KEYS[5])
local itemJSON = cjson.encode(item)
redis.call('HSET', KEYS[2], itemID, itemJSON)
redis.call('RPUSH', KEYS[4], cjson.encode(act))
return {itemJSON, cjson.encode(act)}
`)

func (s *Store) UpsertItem(ctx context.Context, sessionID, productID string, qty int, unitPrice int64, notes string) (*store.Mutation, error) {
	keys := []string{s.sessKey(sessionID), s.itemsKey(sessionID), s.productsKey(sessionID), s.actKey(sessionID), s.seqKey(sessionID)}
	res, err := upsertScript.Run(ctx, s.client, keys,
		sessionID, productID, qty, unitPrice, notes,
		uuid.NewString(), uuid.NewString(),
		s.now().UTC().Format(time.RFC3339Nano)).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("upsert item: %w", err)
	}
	return decodeMutation(res)
}

// updateScript sets the absolute quantity (and optionally notes) of an
// existing item.
// KEYS: items, act, seq
// ARGV: sessionID, itemID, qty, setNotes ("1"/"0"), notes, activityID,
//
//	timestamp
//
// Returns false when the item is absent, else {itemJSON, activityJSON}.
var updateScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[2])
if not raw then
  return false
end
local item = cjson.decode(raw)
local qty = tonumber(ARGV[3])
local act = {
  id = ARGV[6],
  session_id = ARGV[1],
  type = 'item_updated',
  item_id = ARGV[2],
  product_id = item['product_id'],
  previous_quantity = item['quantity'],
  new_quantity = qty,
  unit_price = item['unit_price'],
  timestamp = ARGV[7],
}
item['quantity'] = qty
item['line_total'] = qty * item['unit_price']
if ARGV[4] == '1' then
  if ARGV[5] == '' then
    item['notes'] = nil
  else
    item['notes'] = ARGV[5]
  end
end
item['updated_at'] = ARGV[7]
act['seq'] = redis.call('INCR', KEYS[3])
local itemJSON = cjson.encode(item)
redis.call('HSET', KEYS[1], ARGV[2], itemJSON)
redis.call('RPUSH', KEYS[2], cjson.encode(act))
return {itemJSON, cjson.encode(act)}
`)

func (s *Store) UpdateItem(ctx context.Context, sessionID, itemID string, qty int, notes *string) (*store.Mutation, error) {
	setNotes, notesVal := "0", ""
	if notes != nil {
		setNotes, notesVal = "1", *notes
	}
	keys := []string{s.itemsKey(sessionID), s.actKey(sessionID), s.seqKey(sessionID)}
	res, err := updateScript.Run(ctx, s.client, keys,
		sessionID, itemID, qty, setNotes, notesVal,
		uuid.NewString(), s.now().UTC().Format(time.RFC3339Nano)).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrItemNotFound
		}
		return nil, fmt.Errorf("update item: %w", err)
	}
	return decodeMutation(res)
}

// removeScript deletes the item and appends an item_removed activity.
// Absent items produce no write at all.
// KEYS: items, prod, act, seq
// ARGV: sessionID, itemID, activityID, timestamp
// Returns false when the item is absent, else the activity JSON.
var removeScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[2])
if not raw then
  return false
end
local item = cjson.decode(raw)
redis.call('HDEL', KEYS[1], ARGV[2])
redis.call('HDEL', KEYS[2], item['product_id'])
local act = {
  id = ARGV[3],
  session_id = ARGV[1],
  type = 'item_removed',
  item_id = ARGV[2],
  product_id = item['product_id'],
  previous_quantity = item['quantity'],
  new_quantity = 0,
  unit_price = 0,
  seq = redis.call('INCR', KEYS[4]),
  timestamp = ARGV[4],
}
local actJSON = cjson.encode(act)
redis.call('RPUSH', KEYS[3], actJSON)
return actJSON
`)

func (s *Store) RemoveItem(ctx context.Context, sessionID, itemID string) (*store.Mutation, bool, error) {
	keys := []string{s.itemsKey(sessionID), s.productsKey(sessionID), s.actKey(sessionID), s.seqKey(sessionID)}
	raw, err := removeScript.Run(ctx, s.client, keys,
		sessionID, itemID, uuid.NewString(),
		s.now().UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("remove item: %w", err)
	}
	act, err := decodeActivity([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return &store.Mutation{Activity: act}, true, nil
}

// clearScript drops every item and appends one cart_cleared activity with
// the total quantity that was removed. Like upsertScript it refuses to
// write against an absent session.
// KEYS: sess, items, prod, act, seq
// ARGV: sessionID, activityID, timestamp
// Returns false when the session is absent, else the activity JSON.
var clearScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local prev = 0
local raws = redis.call('HVALS', KEYS[2])
for i = 1, #raws do
  prev = prev + cjson.decode(raws[i])['quantity']
end
redis.call('DEL', KEYS[2], KEYS[3])
local act = {
  id = ARGV[2],
  session_id = ARGV[1],
  type = 'cart_cleared',
  previous_quantity = prev,
  new_quantity = 0,
  unit_price = 0,
  seq = redis.call('INCR', KEYS[5]),
  timestamp = ARGV[3],
}
local actJSON = cjson.encode(act)
redis.call('RPUSH', KEYS[4], actJSON)
return actJSON
`)

func (s *Store) ClearItems(ctx context.Context, sessionID string) (*store.Mutation, error) {
	keys := []string{s.sessKey(sessionID), s.itemsKey(sessionID), s.productsKey(sessionID), s.actKey(sessionID), s.seqKey(sessionID)}
	raw, err := clearScript.Run(ctx, s.client, keys,
		sessionID, uuid.NewString(),
		s.now().UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("clear items: %w", err)
	}
	act, err := decodeActivity([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &store.Mutation{Activity: act}, nil
}

// --- Reads ---

func (s *Store) ListItems(ctx context.Context, sessionID string) ([]cart.LineItem, error) {
	raws, err := s.client.HVals(ctx, s.itemsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return decodeItems(sessionID, raws)
}

func (s *Store) ListActivities(ctx context.Context, sessionID string) ([]cart.Activity, error) {
	raws, err := s.client.LRange(ctx, s.actKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	acts := make([]cart.Activity, 0, len(raws))
	for _, raw := range raws {
		act, err := decodeActivity([]byte(raw))
		if err != nil {
			return nil, err
		}
		acts = append(acts, act)
	}
	return acts, nil
}

// snapshotScript reads the sequence counter and the items in one atomic
// step so the snapshot's Seq never lags the item state it carries.
var snapshotScript = redis.NewScript(`
local seq = redis.call('GET', KEYS[2])
if not seq then
  seq = '0'
end
return {seq, redis.call('HVALS', KEYS[1])}
`)

func (s *Store) Snapshot(ctx context.Context, sessionID string) (*cart.Snapshot, error) {
	keys := []string{s.itemsKey(sessionID), s.seqKey(sessionID)}
	res, err := snapshotScript.Run(ctx, s.client, keys).Slice()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("snapshot: unexpected reply shape (%d elements)", len(res))
	}
	seq, err := strconv.ParseUint(fmt.Sprint(res[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse seq: %w", err)
	}
	rawItems, ok := res[1].([]interface{})
	if !ok {
		return nil, fmt.Errorf("snapshot: unexpected items reply %T", res[1])
	}
	raws := make([]string, 0, len(rawItems))
	for _, ri := range rawItems {
		raws = append(raws, fmt.Sprint(ri))
	}
	items, err := decodeItems(sessionID, raws)
	if err != nil {
		return nil, err
	}
	return cart.NewSnapshot(sessionID, seq, items), nil
}

// --- Expiry and purge ---

func (s *Store) ExpiredSessions(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rng := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("expired sessions: %w", err)
	}
	return ids, nil
}

// purgeScript deletes children before the parent, including the token
// mapping, so a half-failed purge never strands a resumable token. Every
// key it touches is declared in KEYS; the token key is resolved by the
// caller and passed as the optional seventh entry.
// KEYS: sess, items, prod, act, seq, exp [, tok]
// ARGV: sessionID
var purgeScript = redis.NewScript(`
redis.call('DEL', KEYS[2], KEYS[3], KEYS[4], KEYS[5])
redis.call('ZREM', KEYS[6], ARGV[1])
if #KEYS >= 7 then
  redis.call('DEL', KEYS[7])
end
redis.call('DEL', KEYS[1])
return 1
`)

func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	keys := []string{
		s.sessKey(sessionID),
		s.itemsKey(sessionID),
		s.productsKey(sessionID),
		s.actKey(sessionID),
		s.seqKey(sessionID),
		s.expiryKey(),
	}
	// Resolve the token outside the script so its key can be declared.
	// Tokens are random and never reassigned, so the read racing another
	// purge can at worst re-delete an already-gone key.
	raw, err := s.client.Get(ctx, s.sessKey(sessionID)).Bytes()
	switch {
	case err == nil:
		var rec sessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("purge session: decode session %s: %w", sessionID, err)
		}
		keys = append(keys, s.tokKey(rec.Token))
	case errors.Is(err, redis.Nil):
		// Session already gone; still sweep any child keys.
	default:
		return fmt.Errorf("purge session: %w", err)
	}
	if err := purgeScript.Run(ctx, s.client, keys, sessionID).Err(); err != nil {
		return fmt.Errorf("purge session: %w", err)
	}
	return nil
}

// --- Decoding helpers ---

func decodeMutation(res []interface{}) (*store.Mutation, error) {
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected mutation reply shape (%d elements)", len(res))
	}
	var item cart.LineItem
	if err := json.Unmarshal([]byte(fmt.Sprint(res[0])), &item); err != nil {
		return nil, fmt.Errorf("decode line item: %w", err)
	}
	act, err := decodeActivity([]byte(fmt.Sprint(res[1])))
	if err != nil {
		return nil, err
	}
	return &store.Mutation{Item: &item, Activity: act}, nil
}

func decodeActivity(raw []byte) (cart.Activity, error) {
	var act cart.Activity
	if err := json.Unmarshal(raw, &act); err != nil {
		return cart.Activity{}, fmt.Errorf("decode activity: %w", err)
	}
	return act, nil
}

func decodeItems(sessionID string, raws []string) ([]cart.LineItem, error) {
	items := make([]cart.LineItem, 0, len(raws))
	for _, raw := range raws {
		var item cart.LineItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode line item for %s: %w", sessionID, err)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].AddedAt.Before(items[j].AddedAt)
	})
	return items, nil
}

var _ store.Store = (*Store)(nil)
