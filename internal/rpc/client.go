// Package rpc carries cast and call messages between the distributor, the
// job controller and worker nodes over Redis lists. Every node consumes its
// own queue; calls wait on a per-request reply list.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/nadmax/telemetryd/internal/metrics"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNoExecutor    = errors.New("rpc: no executor")
	ErrCallTimeout   = errors.New("rpc: call timed out")
	ErrUnknownMethod = errors.New("rpc: unknown method")
	ErrRemote        = errors.New("rpc: remote error")
)

type Client struct {
	rdb         *redis.Client
	callTimeout time.Duration
}

func NewClient(rdb *redis.Client, callTimeout time.Duration) *Client {
	return &Client{rdb: rdb, callTimeout: callTimeout}
}

// AssignJob asks executor to schedule the task.
func (c *Client) AssignJob(ctx context.Context, executor, taskID string) error {
	return c.cast(ctx, executor, MethodAssignJob, AssignJobArgs{TaskID: taskID})
}

// RemoveJob asks executor to drop the task's schedule.
func (c *Client) RemoveJob(ctx context.Context, executor, taskID string) error {
	return c.cast(ctx, executor, MethodRemoveJob, RemoveJobArgs{TaskID: taskID, Executor: executor})
}

// RemoveFailedJob asks executor to drop the failed task's retry schedule.
func (c *Client) RemoveFailedJob(ctx context.Context, executor, failedTaskID string) error {
	return c.cast(ctx, executor, MethodRemoveFailedJob, RemoveFailedJobArgs{FailedTaskID: failedTaskID, Executor: executor})
}

// CollectTelemetry runs one collection on executor and waits for its outcome.
func (c *Client) CollectTelemetry(ctx context.Context, executor string, args CollectTelemetryArgs) (CollectTelemetryReply, error) {
	var reply CollectTelemetryReply
	err := c.call(ctx, executor, MethodCollectTelemetry, args, &reply)
	return reply, err
}

func (c *Client) cast(ctx context.Context, node, method string, body any) error {
	env, err := newEnvelope(method, body)
	if err != nil {
		return err
	}

	err = c.push(ctx, node, env)
	metrics.RecordRPC(method, "cast", err)
	return err
}

func (c *Client) call(ctx context.Context, node, method string, body, out any) error {
	env, err := newEnvelope(method, body)
	if err != nil {
		return err
	}
	env.ReplyTo = replyKey(env.ID)

	err = c.roundTrip(ctx, node, env, out)
	metrics.RecordRPC(method, "call", err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, node string, env *Envelope, out any) error {
	if err := c.push(ctx, node, env); err != nil {
		return err
	}

	timeout := c.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout < time.Second {
		timeout = time.Second
	}

	res, err := c.rdb.BLPop(ctx, timeout, env.ReplyTo).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s on %s", ErrCallTimeout, env.Method, node)
	}
	if err != nil {
		return fmt.Errorf("failed to wait for reply: %w", err)
	}

	var reply Reply
	if err := sonic.UnmarshalString(res[1], &reply); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	if reply.Error != "" {
		return fmt.Errorf("%w: %s", ErrRemote, reply.Error)
	}
	if out != nil && len(reply.Body) > 0 {
		if err := sonic.Unmarshal(reply.Body, out); err != nil {
			return fmt.Errorf("failed to decode reply body: %w", err)
		}
	}

	return nil
}

func (c *Client) push(ctx context.Context, node string, env *Envelope) error {
	if node == "" {
		return ErrNoExecutor
	}

	data, err := sonic.MarshalString(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Method, err)
	}

	if err := c.rdb.RPush(ctx, nodeQueueKey(node), data).Err(); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", env.Method, node, err)
	}

	return nil
}

func newEnvelope(method string, body any) (*Envelope, error) {
	raw, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", method, err)
	}

	return &Envelope{
		ID:     uuid.New().String(),
		Method: method,
		Body:   raw,
		SentAt: time.Now().UnixMilli(),
	}, nil
}
