package hub

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courtcast/relay/internal/domain"
)

const claimTTL = 24 * time.Hour

// redisClaimStore keeps claims in Redis so a hub restart does not forget the
// current compositor. Keyed match:<id>:claim.
type redisClaimStore struct {
	rdb *redis.Client
}

func NewRedisClaimStore(ctx context.Context, addr, password string, db int) (ClaimStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return &redisClaimStore{rdb: rdb}, nil
}

func claimKey(match domain.MatchID) string {
	return "match:" + string(match) + ":claim"
}

func (s *redisClaimStore) Load(ctx context.Context, match domain.MatchID) (Claim, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, claimKey(match)).Result()
	if err != nil {
		return Claim{}, false, err
	}
	if len(fields) == 0 {
		return Claim{}, false, nil
	}
	epoch, err := strconv.ParseUint(fields["epoch"], 10, 64)
	if err != nil {
		return Claim{}, false, fmt.Errorf("bad claim epoch: %w", err)
	}
	return Claim{Holder: domain.ParticipantID(fields["holder"]), Epoch: epoch}, true, nil
}

func (s *redisClaimStore) Save(ctx context.Context, match domain.MatchID, c Claim) error {
	key := claimKey(match)
	if err := s.rdb.HSet(ctx, key,
		"holder", string(c.Holder),
		"epoch", strconv.FormatUint(c.Epoch, 10),
	).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, claimTTL).Err()
}

func (s *redisClaimStore) Clear(ctx context.Context, match domain.MatchID, holder domain.ParticipantID) error {
	cur, ok, err := s.Load(ctx, match)
	if err != nil {
		return err
	}
	if !ok || cur.Holder != holder {
		return nil
	}
	return s.rdb.Del(ctx, claimKey(match)).Err()
}
