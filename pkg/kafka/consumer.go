package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WayB98/TIWatcher/pkg/logger"
	"github.com/WayB98/TIWatcher/pkg/util"

	"github.com/segmentio/kafka-go"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// Reader is the subset of *kafka.Reader the consumer drives.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads registered topics and hands messages to a worker pool.
// Offsets are committed after a message is handled or parked in the DLQ.
type Consumer struct {
	cfg       *ConsumerConfig
	log       *logger.Logger
	readers   map[string]Reader
	handlers  map[string]MessageHandler
	msgChan   chan kafka.Message
	dlq       Writer
	hook      ConsumerHook
	partMu    sync.Mutex
	partLocks map[string]map[int]*sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	newReader func(topic string) Reader
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(log *logger.Logger, opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:     "tiwatcher",
		WorkerCount: 1,
		BufferSize:  10,
		RetryMax:    3,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		MinBytes:    1,
		MaxBytes:    10e6,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	c := &Consumer{
		cfg:       cfg,
		log:       log,
		readers:   make(map[string]Reader),
		handlers:  make(map[string]MessageHandler),
		msgChan:   make(chan kafka.Message, cfg.BufferSize),
		partLocks: make(map[string]map[int]*sync.Mutex),
		hook:      NoopHook{},
	}
	c.newReader = func(topic string) Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    topic,
			GroupID:  cfg.GroupID,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
		})
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		}
	}

	return c, nil
}

// RegisterHandler registers a message handler for its topic.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.log.Warn("kafka handler already registered", logger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// WithConsumerHook sets a hook implementation for lifecycle events.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = h
	}
}

// Start launches one reader per topic and the worker pool.
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.handlers) == 0 {
		return errors.New("no handlers registered")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	for topic := range c.handlers {
		c.readers[topic] = c.newReader(topic)
	}

	var workers sync.WaitGroup
	for i := 0; i < c.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.messageWorker(ctx)
		}()
	}

	var fetchers sync.WaitGroup
	for topic, reader := range c.readers {
		fetchers.Add(1)
		go func(topic string, r Reader) {
			defer fetchers.Done()
			c.consumeMessages(ctx, topic, r)
		}(topic, reader)
	}

	// workers drain the channel once every fetcher has returned
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fetchers.Wait()
		close(c.msgChan)
		workers.Wait()
	}()

	c.log.Info("kafka consumer started",
		logger.Int("workers", c.cfg.WorkerCount),
		logger.Int("topics", len(c.readers)),
	)
	return nil
}

// Stop stops the Kafka consumer gracefully.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			stopErr = fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
		case <-done:
		}

		for topic, reader := range c.readers {
			if err := reader.Close(); err != nil {
				c.log.Warn("kafka reader close failed", logger.String("topic", topic), logger.Error(err))
			}
		}
		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.log.Warn("kafka dlq close failed", logger.Error(err))
			}
		}
		c.log.Info("kafka consumer stopped")
	})
	return stopErr
}

func (c *Consumer) consumeMessages(ctx context.Context, topic string, reader Reader) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("kafka fetch failed", logger.String("topic", topic), logger.Error(err))
			select {
			case <-time.After(c.cfg.BackoffMin):
			case <-ctx.Done():
				return
			}
			continue
		}

		// blocks when workers are saturated
		select {
		case c.msgChan <- msg:
			c.cfg.Metrics.observeDepth(topic, len(c.msgChan))
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) messageWorker(ctx context.Context) {
	for msg := range c.msgChan {
		if ctx.Err() != nil {
			// uncommitted; redelivered after restart
			continue
		}
		c.process(ctx, msg)
	}
}

// process runs the handler with retries, parks exhausted messages in the
// DLQ, and commits the offset unless the message must be redelivered.
func (c *Consumer) process(ctx context.Context, km kafka.Message) {
	handler, ok := c.handlers[km.Topic]
	if !ok {
		return
	}
	start := time.Now()

	pl := c.partitionLock(km.Topic, km.Partition)
	pl.Lock()
	defer pl.Unlock()

	err := c.handleWithRetry(ctx, handler, km)
	if ctx.Err() != nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "failed"
		c.log.Error("kafka message handling failed",
			logger.String("topic", km.Topic),
			logger.Int("partition", km.Partition),
			logger.Int64("offset", km.Offset),
			logger.Error(err),
		)
		if c.dlq == nil {
			c.cfg.Metrics.observeHandled(km.Topic, result, time.Since(start))
			return
		}
		if dlqErr := c.dlq.WriteMessages(ctx, kafka.Message{
			Topic: c.cfg.DLQTopic,
			Key:   km.Key,
			Value: km.Value,
			Time:  time.Now(),
			Headers: append(append([]kafka.Header(nil), km.Headers...),
				kafka.Header{Key: "source_topic", Value: []byte(km.Topic)},
				kafka.Header{Key: "error", Value: []byte(err.Error())},
			),
		}); dlqErr != nil {
			c.log.Error("kafka dlq write failed", logger.String("topic", c.cfg.DLQTopic), logger.Error(dlqErr))
			c.cfg.Metrics.observeHandled(km.Topic, result, time.Since(start))
			return
		}
		result = "dlq"
	}

	if reader := c.readers[km.Topic]; reader != nil {
		_ = c.commitWithRetry(ctx, reader, km, 3)
	}
	c.cfg.Metrics.observeHandled(km.Topic, result, time.Since(start))
}

func (c *Consumer) handleWithRetry(ctx context.Context, handler MessageHandler, km kafka.Message) (err error) {
	for attempt := 1; ; attempt++ {
		err = c.handleOnce(ctx, handler, km)
		if err == nil || attempt > c.cfg.RetryMax || errors.Is(err, ErrPermanent) {
			return err
		}
		c.hook.OnError(ctx, km.Topic, km, km.Value, err)

		select {
		case <-time.After(util.Backoff(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) handleOnce(ctx context.Context, handler MessageHandler, km kafka.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", ErrPermanent, r)
		}
	}()

	hctx, hmsg, data, err := c.hook.BeforeHandle(ctx, km.Topic, km, km.Value)
	if err != nil {
		return err
	}
	err = handler.Handle(hctx, data)
	c.hook.AfterHandle(hctx, km.Topic, hmsg, data, err)
	return err
}

func (c *Consumer) commitWithRetry(ctx context.Context, reader Reader, km kafka.Message, max int) error {
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = reader.CommitMessages(cctx, km)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-time.After(util.Backoff(50*time.Millisecond, 500*time.Millisecond, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.log.Error("kafka commit failed", logger.String("topic", km.Topic), logger.Error(err))
	return err
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	c.partMu.Lock()
	defer c.partMu.Unlock()

	m, ok := c.partLocks[topic]
	if !ok {
		m = make(map[int]*sync.Mutex)
		c.partLocks[topic] = m
	}
	l, ok := m[partition]
	if !ok {
		l = &sync.Mutex{}
		m[partition] = l
	}
	return l
}
