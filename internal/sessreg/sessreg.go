// Package sessreg records which gateway and session currently hold each device, so other
// processes can route commands and detect duplicate logins. Entries expire unless refreshed.
package sessreg

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"nuha.dev/dmtp/internal/device"
)

const (
	KeyPrefix  = "dmtp:sess:"
	DefaultTTL = 300 * time.Second
)

var ErrNotFound = errors.New("session not registered")

// unregister deletes the key only while it still names this session.
var unregister = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Entry struct {
	Gateway   string
	SessionID string
	Remote    string
}

func (e Entry) String() string {
	return e.Gateway + "|" + e.SessionID + "|" + e.Remote
}

func parseEntry(s string) (Entry, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return Entry{}, errors.New("malformed session entry " + s)
	}
	return Entry{Gateway: parts[0], SessionID: parts[1], Remote: parts[2]}, nil
}

type Registry struct {
	rdb     redis.Cmdable
	gateway string
	ttl     time.Duration
	log     log.Logger
}

func New(rdb redis.Cmdable, gateway string, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{rdb: rdb, gateway: gateway, ttl: ttl}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "sessreg").Value()
	return r
}

func Key(dev *device.Device) string {
	return KeyPrefix + dev.Key()
}

// Register claims dev for the session and returns the entry it replaced, if any.
func (r *Registry) Register(ctx context.Context, dev *device.Device, sid, remote string) (*Entry, error) {
	e := Entry{Gateway: r.gateway, SessionID: sid, Remote: remote}
	prev, err := r.rdb.SetArgs(ctx, Key(dev), e.String(), redis.SetArgs{TTL: r.ttl, Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	old, err := parseEntry(prev)
	if err != nil {
		r.log.Warn().Err(err).EmbedObject(dev).Msg("replacing malformed entry")
		return nil, nil
	}
	return &old, nil
}

// Touch extends the entry lifetime.
func (r *Registry) Touch(ctx context.Context, dev *device.Device) error {
	return r.rdb.Expire(ctx, Key(dev), r.ttl).Err()
}

// Unregister releases dev unless another session has claimed it since.
func (r *Registry) Unregister(ctx context.Context, dev *device.Device, sid, remote string) error {
	e := Entry{Gateway: r.gateway, SessionID: sid, Remote: remote}
	return unregister.Run(ctx, r.rdb, []string{Key(dev)}, e.String()).Err()
}

func (r *Registry) Lookup(ctx context.Context, dev *device.Device) (Entry, error) {
	v, err := r.rdb.Get(ctx, Key(dev)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return parseEntry(v)
}
