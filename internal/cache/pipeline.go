package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type OpKind int

const (
	OpGet OpKind = iota
	OpSet
	OpDelete
)

type Op struct {
	Kind  OpKind
	Key   string
	Value string
	TTL   time.Duration
}

// OpResult mirrors one Op. Value/Found are filled for gets; OK reports whether
// the command itself succeeded.
type OpResult struct {
	Value string
	Found bool
	OK    bool
}

// Pipeline sends all ops in a single round trip. Commands are not
// transactional: a failing command does not roll back the others.
func (s *Service) Pipeline(ctx context.Context, ops []Op) []OpResult {
	results := make([]OpResult, len(ops))
	if len(ops) == 0 {
		return results
	}

	cmds := make([]redis.Cmder, len(ops))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			switch op.Kind {
			case OpGet:
				cmds[i] = pipe.Get(ctx, op.Key)
			case OpSet:
				cmds[i] = pipe.Set(ctx, op.Key, op.Value, op.TTL)
			case OpDelete:
				cmds[i] = pipe.Del(ctx, op.Key)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logErr(ctx, "pipeline", "", err)
	}

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		cmdErr := cmd.Err()
		switch c := cmd.(type) {
		case *redis.StringCmd:
			if errors.Is(cmdErr, redis.Nil) {
				results[i] = OpResult{OK: true}
				continue
			}
			results[i] = OpResult{Value: c.Val(), Found: cmdErr == nil, OK: cmdErr == nil}
		default:
			results[i] = OpResult{OK: cmdErr == nil}
		}
	}
	return results
}
