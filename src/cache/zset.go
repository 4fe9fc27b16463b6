package cache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

type ZSet struct {
	client *redis.Client
	key    string
}

func NewZSet(cache *redis.Client, key string) ZSet {
	return ZSet{
		key:    key,
		client: cache,
	}
}

type ZSetKVP = redis.Z

// AddValues adds members that are not in the set yet, returns how many were new
func (zz *ZSet) AddValues(ctx context.Context, keys ...ZSetKVP) (int64, error) {
	cmd := zz.client.ZAddArgs(ctx, zz.key, redis.ZAddArgs{
		NX:      true,
		Members: keys,
	})
	return cmd.Result()
}

func (zz *ZSet) Contains(ctx context.Context, member string) (bool, error) {
	err := zz.client.ZScore(ctx, zz.key, member).Err()
	if err == redis.Nil {
		return false, nil
	}
	return err == nil, err
}

func (zz *ZSet) Remove(ctx context.Context, members ...string) (int64, error) {
	args := make([]interface{}, 0, len(members))
	for _, m := range members {
		args = append(args, m)
	}
	cmd := zz.client.ZRem(ctx, zz.key, args...)
	return cmd.Val(), cmd.Err()
}

func (zz *ZSet) RemoveByScore(ctx context.Context, min, max int64) (int64, error) {
	cmd := zz.client.ZRemRangeByScore(ctx, zz.key, fmt.Sprintf("%d", min), fmt.Sprintf("%d", max))
	return cmd.Val(), cmd.Err()
}
