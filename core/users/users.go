// Package users keeps consumer records: registration, bans, and a
// capped per-user download history.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/filegram-io/filegram/core/infra/redisutil"
)

const (
	userKeyPrefix     = "user:"
	downloadKeyPrefix = "user:dl:"
	allUsersKey       = "users:all"
	bannedUsersKey    = "users:banned"

	downloadLogCap = 50
)

// ErrBanned is returned by Authorize for banned users.
var ErrBanned = errors.New("user is banned")

// Record is one consumer's stored profile.
type Record struct {
	ID        string
	FirstSeen time.Time
	Banned    bool
	BanReason string
	Downloads int64
}

// Download is one entry in a user's download history.
type Download struct {
	Reference int64     `json:"reference"`
	Name      string    `json:"name"`
	At        time.Time `json:"at"`
}

// Store persists user records in Redis.
type Store struct {
	client *redis.Client

	now func() time.Time
}

// NewStore connects the user store at the given Redis URL.
func NewStore(redisURL string) (*Store, error) {
	client, err := redisutil.NewClient(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Store{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the store client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Register records a user on first contact. Returns true when the user
// was not seen before; repeat calls are no-ops.
func (s *Store) Register(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("user id required")
	}
	now := s.now()
	added, err := s.client.ZAdd(ctx, allUsersKey, redis.Z{Score: float64(now.Unix()), Member: id}).Result()
	if err != nil {
		return false, err
	}
	if added == 0 {
		return false, nil
	}
	err = s.client.HSet(ctx, userKey(id), map[string]any{
		"first_seen": now.Unix(),
		"banned":     0,
	}).Err()
	return true, err
}

// Get loads a user record.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, userKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	r := &Record{ID: id, BanReason: fields["ban_reason"]}
	if ts, err := strconv.ParseInt(fields["first_seen"], 10, 64); err == nil {
		r.FirstSeen = time.Unix(ts, 0).UTC()
	}
	r.Banned = fields["banned"] == "1"
	if n, err := strconv.ParseInt(fields["downloads"], 10, 64); err == nil {
		r.Downloads = n
	}
	return r, nil
}

// Ban marks a user banned with an operator-supplied reason.
func (s *Store) Ban(ctx context.Context, id, reason string) error {
	if _, err := s.Register(ctx, id); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, userKey(id), map[string]any{"banned": 1, "ban_reason": reason})
	pipe.SAdd(ctx, bannedUsersKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Unban lifts a ban. Unbanning a user who is not banned is a no-op.
func (s *Store) Unban(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, userKey(id), map[string]any{"banned": 0, "ban_reason": ""})
	pipe.SRem(ctx, bannedUsersKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Authorize registers the user if needed and fails with ErrBanned for
// banned users. Called on every link resolution.
func (s *Store) Authorize(ctx context.Context, id string) error {
	if _, err := s.Register(ctx, id); err != nil {
		return err
	}
	banned, err := s.client.SIsMember(ctx, bannedUsersKey, id).Result()
	if err != nil {
		return err
	}
	if banned {
		return ErrBanned
	}
	return nil
}

// LogDownload appends to the user's capped download history and bumps
// the per-user counter.
func (s *Store) LogDownload(ctx context.Context, id string, ref int64, name string) error {
	entry, err := json.Marshal(Download{Reference: ref, Name: name, At: s.now()})
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, downloadKey(id), entry)
	pipe.LTrim(ctx, downloadKey(id), 0, downloadLogCap-1)
	pipe.HIncrBy(ctx, userKey(id), "downloads", 1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentDownloads returns the newest entries of a user's history.
func (s *Store) RecentDownloads(ctx context.Context, id string, limit int) ([]Download, error) {
	if limit <= 0 || limit > downloadLogCap {
		limit = downloadLogCap
	}
	raw, err := s.client.LRange(ctx, downloadKey(id), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Download, 0, len(raw))
	for _, item := range raw {
		var d Download
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Totals returns the registered and banned user counts.
func (s *Store) Totals(ctx context.Context) (int64, int64, error) {
	total, err := s.client.ZCard(ctx, allUsersKey).Result()
	if err != nil {
		return 0, 0, err
	}
	banned, err := s.client.SCard(ctx, bannedUsersKey).Result()
	if err != nil {
		return 0, 0, err
	}
	return total, banned, nil
}

func userKey(id string) string {
	return userKeyPrefix + id
}

func downloadKey(id string) string {
	return downloadKeyPrefix + id
}
