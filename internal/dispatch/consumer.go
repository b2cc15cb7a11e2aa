package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"csv-import-service/internal/models"
)

// Handler processes one dispatch message. A nil return acknowledges the
// message; any error negatively acknowledges it so the transport redelivers.
type Handler interface {
	Process(ctx context.Context, msg *models.DispatchMessage) error
}

// ConsumerConfig configures the lane consumer set.
type ConsumerConfig struct {
	Stream         string
	ConsumerPrefix string
	Lanes          int
	AckWait        time.Duration
	MaxDeliver     int
	FetchTimeout   time.Duration
	RetryBackoff   time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = DefaultStreamName
	}
	if c.ConsumerPrefix == "" {
		c.ConsumerPrefix = "writer"
	}
	if c.Lanes < 1 {
		c.Lanes = 1
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
}

// LaneConsumers runs one durable pull consumer per lane, each delivering at
// most one unacknowledged message at a time so in-lane order is preserved.
type LaneConsumers struct {
	js      jetstream.JetStream
	config  ConsumerConfig
	handler Handler
	logger  *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLaneConsumers creates the consumer set. Start must be called to begin
// consuming.
func NewLaneConsumers(js jetstream.JetStream, cfg ConsumerConfig, handler Handler, logger *logrus.Logger) (*LaneConsumers, error) {
	if js == nil {
		return nil, errors.New("JetStream context is required")
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	cfg.applyDefaults()
	log := logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LaneConsumers{
		js:      js,
		config:  cfg,
		handler: handler,
		logger:  log.WithField("component", "lane-consumers"),
	}, nil
}

// Start creates the durable consumers and launches one pull loop per lane.
func (lc *LaneConsumers) Start(ctx context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.cancel != nil {
		return errors.New("lane consumers already started")
	}

	pullCtx, cancel := context.WithCancel(context.Background())

	for lane := 0; lane < lc.config.Lanes; lane++ {
		cons, err := lc.js.CreateOrUpdateConsumer(ctx, lc.config.Stream, lc.consumerConfig(lane))
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create consumer for lane %d: %w", lane, err)
		}

		lc.wg.Add(1)
		go lc.runPullLoop(pullCtx, lane, cons)
	}

	lc.cancel = cancel
	lc.logger.WithField("lanes", lc.config.Lanes).Info("Lane consumers started")
	return nil
}

// consumerConfig builds the durable consumer definition for one lane.
func (lc *LaneConsumers) consumerConfig(lane int) jetstream.ConsumerConfig {
	durable := fmt.Sprintf("%s-lane-%d", lc.config.ConsumerPrefix, lane)
	return jetstream.ConsumerConfig{
		Name:          durable,
		Durable:       durable,
		FilterSubject: LaneSubject(lane),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       lc.config.AckWait,
		MaxDeliver:    lc.config.MaxDeliver,
		// One in-flight message per lane keeps delivery strictly in publish
		// order.
		MaxAckPending: 1,
	}
}

func (lc *LaneConsumers) runPullLoop(ctx context.Context, lane int, cons jetstream.Consumer) {
	defer lc.wg.Done()
	log := lc.logger.WithField("lane", lane)

	for {
		if ctx.Err() != nil {
			return
		}

		iter, err := cons.Messages(
			jetstream.PullMaxMessages(1),
			jetstream.PullExpiry(lc.config.FetchTimeout),
			jetstream.PullHeartbeat(lc.config.FetchTimeout/2),
		)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.WithError(err).Error("Failed to create lane message iterator")
			select {
			case <-ctx.Done():
				return
			case <-time.After(lc.config.RetryBackoff):
				continue
			}
		}

		for {
			select {
			case <-ctx.Done():
				iter.Stop()
				return
			default:
			}

			msg, err := iter.Next()
			if err != nil {
				iter.Stop()
				if errors.Is(err, jetstream.ErrMsgIteratorClosed) ||
					errors.Is(err, context.Canceled) ||
					errors.Is(err, context.DeadlineExceeded) {
					return
				}
				log.WithError(err).Warn("Lane iterator error, recreating")
				select {
				case <-ctx.Done():
					return
				case <-time.After(lc.config.RetryBackoff):
				}
				break
			}

			lc.handleMsg(ctx, log, msg)
		}
	}
}

func (lc *LaneConsumers) handleMsg(ctx context.Context, log *logrus.Entry, msg jetstream.Msg) {
	var record models.DispatchMessage
	if err := json.Unmarshal(msg.Data(), &record); err != nil {
		// A message that cannot be decoded can never succeed; drop it.
		log.WithError(err).Error("Terminating undecodable dispatch message")
		_ = msg.Term()
		return
	}

	if err := lc.handler.Process(ctx, &record); err != nil {
		log.WithFields(logrus.Fields{
			"lineNumber": record.Metadata.LineNumber,
			"fileName":   record.Metadata.FileName,
		}).WithError(err).Error("Record processing failed, requesting redelivery")
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// Close stops all pull loops and waits for them to exit.
func (lc *LaneConsumers) Close(ctx context.Context) error {
	lc.mu.Lock()
	cancel := lc.cancel
	lc.cancel = nil
	lc.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		lc.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		lc.logger.Warn("Close context cancelled before lane consumers stopped")
		return ctx.Err()
	case <-done:
	}
	lc.logger.Info("Lane consumers stopped")
	return nil
}
