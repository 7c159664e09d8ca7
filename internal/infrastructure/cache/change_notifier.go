package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paulyarl/retail-visibility-platform-sub000/internal/domain/entitlement"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// defaultCloseTimeout bounds how long Close waits for subscriptions to drain
const defaultCloseTimeout = 5 * time.Second

// DefaultChannelPrefix is prepended to every topic to form the Redis channel name
const DefaultChannelPrefix = "billing:"

// Notifier backends
const (
	NotifierBackendRedis  = "redis"
	NotifierBackendMemory = "memory"
)

// allTopics are the topics a subscription without explicit topics receives
var allTopics = []string{
	entitlement.TopicPolicyChanged,
	entitlement.TopicQuotaExceeded,
	entitlement.TopicQuotaChanged,
}

// RedisChangeNotifier implements entitlement.ChangeNotifier using Redis Pub/Sub
type RedisChangeNotifier struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	logger     *zap.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// RedisChangeNotifierOption is a functional option for configuring the notifier
type RedisChangeNotifierOption func(*RedisChangeNotifier)

// WithChannelPrefix sets the channel prefix
func WithChannelPrefix(prefix string) RedisChangeNotifierOption {
	return func(n *RedisChangeNotifier) {
		n.prefix = prefix
	}
}

// WithNotifierLogger sets the logger for the notifier
func WithNotifierLogger(logger *zap.Logger) RedisChangeNotifierOption {
	return func(n *RedisChangeNotifier) {
		n.logger = logger
	}
}

// NewRedisChangeNotifier connects to Redis and creates a notifier owning the client
func NewRedisChangeNotifier(cfg RedisConfig, opts ...RedisChangeNotifierOption) (*RedisChangeNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	n := NewRedisChangeNotifierWithClient(client, opts...)
	n.ownsClient = true
	return n, nil
}

// NewRedisChangeNotifierWithClient creates a notifier with an existing Redis client.
// The caller retains ownership of the client.
func NewRedisChangeNotifierWithClient(client *redis.Client, opts ...RedisChangeNotifierOption) *RedisChangeNotifier {
	n := &RedisChangeNotifier{
		client: client,
		prefix: DefaultChannelPrefix,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *RedisChangeNotifier) channel(topic string) string {
	return n.prefix + topic
}

// Publish broadcasts a message on the channel of its topic
func (n *RedisChangeNotifier) Publish(ctx context.Context, msg entitlement.ChangeMessage) error {
	if msg.Topic == "" {
		return fmt.Errorf("change message has no topic")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal change message: %w", err)
	}

	channel := n.channel(msg.Topic)
	if err := n.client.Publish(ctx, channel, data).Err(); err != nil {
		n.logger.Error("Failed to publish change message",
			zap.String("channel", channel),
			zap.Error(err))
		return fmt.Errorf("failed to publish change message: %w", err)
	}

	n.logger.Debug("Published change message",
		zap.String("channel", channel),
		zap.String("scope", msg.Scope.String()),
		zap.String("scope_id", msg.ScopeID.String()))
	return nil
}

// Subscribe confirms the subscription and then delivers messages in the background
// until ctx is cancelled or the notifier is closed. Handlers run one message at a time.
func (n *RedisChangeNotifier) Subscribe(ctx context.Context, handler entitlement.ChangeHandler, topics ...string) error {
	if len(topics) == 0 {
		topics = allTopics
	}
	channels := make([]string, 0, len(topics))
	for _, topic := range topics {
		channels = append(channels, n.channel(topic))
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("notifier is closed")
	}
	subCtx, cancel := context.WithCancel(ctx)
	n.cancels = append(n.cancels, cancel)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, channels...)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to change channels: %w", err)
	}

	n.logger.Info("Subscribed to change channels", zap.Strings("channels", channels))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer pubsub.Close()
		n.dispatch(subCtx, pubsub.Channel(), handler)
	}()
	return nil
}

func (n *RedisChangeNotifier) dispatch(ctx context.Context, ch <-chan *redis.Message, handler entitlement.ChangeHandler) {
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Change subscription stopped")
			return
		case raw, ok := <-ch:
			if !ok {
				n.logger.Warn("Change channel closed")
				return
			}

			var msg entitlement.ChangeMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				n.logger.Error("Failed to unmarshal change message",
					zap.String("channel", raw.Channel),
					zap.Error(err))
				continue
			}
			if msg.Topic == "" {
				msg.Topic = strings.TrimPrefix(raw.Channel, n.prefix)
			}
			deliver(ctx, n.logger, handler, msg)
		}
	}
}

// Close stops all subscriptions and closes the client if the notifier owns it
func (n *RedisChangeNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancels := n.cancels
	n.cancels = nil
	n.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaultCloseTimeout):
		n.logger.Warn("Timeout waiting for change subscriptions to stop")
	}

	if n.ownsClient {
		return n.client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (n *RedisChangeNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// InMemoryChangeNotifier fans messages out to subscribers of the same process.
// Delivery is synchronous in the publisher's goroutine.
type InMemoryChangeNotifier struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySubscription
	nextID uint64
	closed bool
	logger *zap.Logger
}

type memorySubscription struct {
	ctx     context.Context
	handler entitlement.ChangeHandler
	topics  map[string]struct{}
}

// NewInMemoryChangeNotifier creates a new in-process notifier
func NewInMemoryChangeNotifier(logger *zap.Logger) *InMemoryChangeNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryChangeNotifier{
		subs:   make(map[uint64]*memorySubscription),
		logger: logger,
	}
}

// Publish delivers the message to every live subscription of its topic
func (n *InMemoryChangeNotifier) Publish(ctx context.Context, msg entitlement.ChangeMessage) error {
	if msg.Topic == "" {
		return fmt.Errorf("change message has no topic")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return fmt.Errorf("notifier is closed")
	}
	targets := make([]*memorySubscription, 0, len(n.subs))
	for _, sub := range n.subs {
		if _, ok := sub.topics[msg.Topic]; ok && sub.ctx.Err() == nil {
			targets = append(targets, sub)
		}
	}
	n.mu.RUnlock()

	for _, sub := range targets {
		deliver(sub.ctx, n.logger, sub.handler, msg)
	}
	return nil
}

// Subscribe registers a handler until ctx is cancelled or the notifier is closed
func (n *InMemoryChangeNotifier) Subscribe(ctx context.Context, handler entitlement.ChangeHandler, topics ...string) error {
	if len(topics) == 0 {
		topics = allTopics
	}
	set := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		set[topic] = struct{}{}
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("notifier is closed")
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = &memorySubscription{ctx: ctx, handler: handler, topics: set}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}()
	return nil
}

// Close drops every subscription
func (n *InMemoryChangeNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.subs = make(map[uint64]*memorySubscription)
	return nil
}

// deliver invokes a handler, keeping a panicking subscriber from taking the dispatcher down
func deliver(ctx context.Context, logger *zap.Logger, handler entitlement.ChangeHandler, msg entitlement.ChangeMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in change handler",
				zap.String("topic", msg.Topic),
				zap.Any("panic", r))
		}
	}()
	handler(ctx, msg)
}

// NewChangeNotifier creates the notifier for the configured backend.
// The redis backend falls back to the in-memory notifier when Redis is unreachable and fallback is allowed.
func NewChangeNotifier(backend string, cfg RedisConfig, allowFallback bool, logger *zap.Logger) (entitlement.ChangeNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch backend {
	case NotifierBackendMemory:
		logger.Info("using in-memory change notifier")
		return NewInMemoryChangeNotifier(logger), nil
	case NotifierBackendRedis, "":
		n, err := NewRedisChangeNotifier(cfg, WithNotifierLogger(logger))
		if err == nil {
			logger.Info("using Redis change notifier")
			return n, nil
		}
		if !allowFallback {
			return nil, fmt.Errorf("Redis required for change notifications but unavailable: %w", err)
		}
		logger.Warn("Redis unavailable, falling back to in-memory change notifier. "+
			"Other instances will not see policy changes until their next interval reconciliation.",
			zap.Error(err))
		return NewInMemoryChangeNotifier(logger), nil
	}
	return nil, fmt.Errorf("unknown notifier backend %q", backend)
}

// Ensure notifiers implement ChangeNotifier
var (
	_ entitlement.ChangeNotifier = (*RedisChangeNotifier)(nil)
	_ entitlement.ChangeNotifier = (*InMemoryChangeNotifier)(nil)
)
