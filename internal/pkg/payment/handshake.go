package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mayone/pledges/app/models"
)

type Stage string

const (
	StageInitiated      Stage = "initiated"
	StageDetailsFetched Stage = "details_fetched"
	StageConfirmed      Stage = "confirmed"
)

func (s Stage) rank() int {
	switch s {
	case StageInitiated:
		return 1
	case StageDetailsFetched:
		return 2
	case StageConfirmed:
		return 3
	}
	return 0
}

// Snapshot is the pledge intent captured when the checkout starts. The
// completed pledge is built from it, not from whatever the browser posts
// back at the end of the redirect.
type Snapshot struct {
	AmountCents int64                `json:"amount_cents"`
	Email       string               `json:"email,omitempty"`
	Name        string               `json:"name,omitempty"`
	Note        string               `json:"note,omitempty"`
	Userinfo    models.DonorMetadata `json:"userinfo"`
}

// HandshakeState tracks one express checkout, keyed by the PayPal token.
type HandshakeState struct {
	Token         string    `json:"token"`
	Stage         Stage     `json:"stage"`
	Snapshot      Snapshot  `json:"snapshot"`
	PayerID       string    `json:"payer_id,omitempty"`
	PayerEmail    string    `json:"payer_email,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// advance moves the state forward. Moving backwards is a no-op.
func (s *HandshakeState) advance(to Stage) {
	if to.rank() > s.Stage.rank() {
		s.Stage = to
	}
	s.UpdatedAt = time.Now()
}

// ErrStaleHandshake is returned by Save when the stored state is already at
// a later stage than the one being written.
var ErrStaleHandshake = errors.New("handshake state moved on")

type HandshakeStore interface {
	Save(ctx context.Context, st *HandshakeState) error
	Load(ctx context.Context, token string) (*HandshakeState, error)
	// Claim takes the exclusive right to capture token. It returns false if
	// another caller holds it.
	Claim(ctx context.Context, token string) (bool, error)
	Release(ctx context.Context, token string) error
}

const (
	handshakeKeyPrefix = "paypal:handshake:"
	captureKeyPrefix   = "paypal:capture:"
)

// Writes only if the stored stage is not ahead of the new one, so a slow
// details fetch can never roll back a confirmed checkout.
var saveHandshakeScript = redis.NewScript(`
local ranks = {initiated = 1, details_fetched = 2, confirmed = 3}
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, obj = pcall(cjson.decode, cur)
  if ok and (ranks[obj['stage']] or 0) > (ranks[ARGV[2]] or 0) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// RedisHandshakeStore keeps handshake state as JSON strings with a TTL.
type RedisHandshakeStore struct {
	client   redis.Cmdable
	ttl      time.Duration
	claimTTL time.Duration
}

func NewRedisHandshakeStore(client redis.Cmdable, ttl time.Duration) *RedisHandshakeStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisHandshakeStore{client: client, ttl: ttl, claimTTL: 5 * time.Minute}
}

func (s *RedisHandshakeStore) Save(ctx context.Context, st *HandshakeState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal handshake %s: %w", st.Token, err)
	}
	res, err := saveHandshakeScript.Run(ctx, s.client,
		[]string{handshakeKeyPrefix + st.Token},
		string(data), string(st.Stage), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("save handshake %s: %w", st.Token, err)
	}
	if res == 0 {
		return ErrStaleHandshake
	}
	return nil
}

func (s *RedisHandshakeStore) Load(ctx context.Context, token string) (*HandshakeState, error) {
	data, err := s.client.Get(ctx, handshakeKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownToken
	}
	if err != nil {
		return nil, fmt.Errorf("load handshake %s: %w", token, err)
	}
	var st HandshakeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode handshake %s: %w", token, err)
	}
	return &st, nil
}

func (s *RedisHandshakeStore) Claim(ctx context.Context, token string) (bool, error) {
	ok, err := s.client.SetNX(ctx, captureKeyPrefix+token, time.Now().Unix(), s.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim capture of %s: %w", token, err)
	}
	return ok, nil
}

func (s *RedisHandshakeStore) Release(ctx context.Context, token string) error {
	return s.client.Del(ctx, captureKeyPrefix+token).Err()
}
