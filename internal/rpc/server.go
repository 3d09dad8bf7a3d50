package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nadmax/telemetryd/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	pollTimeout = time.Second
	replyTTL    = 5 * time.Minute
)

// Handler is implemented by a worker node.
type Handler interface {
	AssignJob(ctx context.Context, args AssignJobArgs) error
	RemoveJob(ctx context.Context, args RemoveJobArgs) error
	RemoveFailedJob(ctx context.Context, args RemoveFailedJobArgs) error
	CollectTelemetry(ctx context.Context, args CollectTelemetryArgs) (CollectTelemetryReply, error)
}

type Server struct {
	rdb     *redis.Client
	node    string
	handler Handler
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func NewServer(rdb *redis.Client, node string, handler Handler, log zerolog.Logger) *Server {
	return &Server{
		rdb:     rdb,
		node:    node,
		handler: handler,
		log:     log,
	}
}

// Serve consumes this node's queue until ctx is done. Each message is
// handled on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	key := nodeQueueKey(s.node)
	s.log.Info().Str("node", s.node).Msg("rpc server listening")

	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := s.rdb.BLPop(ctx, pollTimeout, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("failed to read rpc queue")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollTimeout):
			}
			continue
		}

		raw := res[1]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(context.WithoutCancel(ctx), raw)
		}()
	}
}

// Wait blocks until in-flight messages are handled.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handle(ctx context.Context, raw string) {
	var env Envelope
	if err := sonic.UnmarshalString(raw, &env); err != nil {
		s.log.Error().Err(err).Msg("dropping undecodable rpc message")
		return
	}

	body, err := s.dispatch(ctx, &env)
	metrics.RecordRPC(env.Method, "in", err)
	if err != nil {
		s.log.Error().Err(err).Str("method", env.Method).Str("message_id", env.ID).Msg("rpc handler failed")
	}

	if env.ReplyTo == "" {
		return
	}

	reply := Reply{Body: body}
	if err != nil {
		reply.Error = err.Error()
	}
	data, encErr := sonic.MarshalString(reply)
	if encErr != nil {
		s.log.Error().Err(encErr).Str("method", env.Method).Msg("failed to encode reply")
		return
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, env.ReplyTo, data)
	pipe.Expire(ctx, env.ReplyTo, replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Error().Err(err).Str("method", env.Method).Msg("failed to send reply")
	}
}

func (s *Server) dispatch(ctx context.Context, env *Envelope) ([]byte, error) {
	switch env.Method {
	case MethodAssignJob:
		var args AssignJobArgs
		if err := sonic.Unmarshal(env.Body, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Method, err)
		}
		return nil, s.handler.AssignJob(ctx, args)

	case MethodRemoveJob:
		var args RemoveJobArgs
		if err := sonic.Unmarshal(env.Body, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Method, err)
		}
		return nil, s.handler.RemoveJob(ctx, args)

	case MethodRemoveFailedJob:
		var args RemoveFailedJobArgs
		if err := sonic.Unmarshal(env.Body, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Method, err)
		}
		return nil, s.handler.RemoveFailedJob(ctx, args)

	case MethodCollectTelemetry:
		var args CollectTelemetryArgs
		if err := sonic.Unmarshal(env.Body, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Method, err)
		}
		out, err := s.handler.CollectTelemetry(ctx, args)
		if err != nil {
			return nil, err
		}
		return sonic.Marshal(out)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, env.Method)
	}
}
