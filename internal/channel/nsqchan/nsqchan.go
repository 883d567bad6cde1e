// Package nsqchan implements channel.Channel on an NSQ topic and channel.
//
// NSQ pushes messages; the handler parks each one in a bounded buffer with auto
// response disabled and Receive drains that buffer. The visibility timeout is
// the consumer MsgTimeout and the receive count is the NSQ attempt counter.
// Once a message arrives with more attempts than MaxReceiveCount it is
// published to the DLQ topic as a delivery.DeadLetter and only finished after
// that publish succeeds.
package nsqchan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harborpipe/internal/channel"
	"github.com/austindbirch/harborpipe/internal/delivery"
	"github.com/austindbirch/harborpipe/internal/logging"
)

// Publisher is the subset of *nsq.Producer the channel needs.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Options struct {
	Topic       string // consumer topic, e.g. subscription_events.invoices
	ChannelName string // NSQ channel the workers share
	// DLQTopic receives exhausted messages. Empty disables dead-lettering.
	DLQTopic          string
	MaxReceiveCount   int
	VisibilityTimeout time.Duration
	MaxInFlight       int
	RawDelivery       bool
	// DLQRetryDelay is how long a message waits before another DLQ attempt
	// when the DLQ publish fails.
	DLQRetryDelay time.Duration
	NsqdHTTPAddr  string
}

type Channel struct {
	name   string
	opts   Options
	pub    Publisher
	http   *http.Client
	logger *logging.Logger

	consumer *nsq.Consumer
	buf      chan *nsq.Message

	mu       sync.Mutex
	inFlight map[string]*nsq.Message // receipt -> message
}

// New builds a channel that publishes through pub. Call Connect before Receive.
func New(name string, pub Publisher, opts Options) *Channel {
	if opts.ChannelName == "" {
		opts.ChannelName = "workers"
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 10
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	if opts.DLQRetryDelay <= 0 {
		opts.DLQRetryDelay = 5 * time.Second
	}
	return &Channel{
		name:     name,
		opts:     opts,
		pub:      pub,
		http:     &http.Client{Timeout: 5 * time.Second},
		logger:   logging.New("harborpipe-nsqchan").Component(name),
		buf:      make(chan *nsq.Message, opts.MaxInFlight),
		inFlight: make(map[string]*nsq.Message),
	}
}

func (c *Channel) Name() string { return c.name }

// Connect starts consuming from nsqd directly, which also forces creation of
// the channel, and then from lookupd when lookupAddr is set.
func (c *Channel) Connect(nsqdTCPAddr, lookupAddr string) error {
	conf := nsq.NewConfig()
	conf.MaxInFlight = c.opts.MaxInFlight
	conf.MsgTimeout = c.opts.VisibilityTimeout
	// the attempt counter drives dead-lettering, not the client
	conf.MaxAttempts = 0

	consumer, err := nsq.NewConsumer(c.opts.Topic, c.opts.ChannelName, conf)
	if err != nil {
		return fmt.Errorf("nsq consumer %s/%s: %w", c.opts.Topic, c.opts.ChannelName, err)
	}
	consumer.AddHandler(c)
	if err := consumer.ConnectToNSQD(nsqdTCPAddr); err != nil {
		return fmt.Errorf("connect to nsqd: %w", err)
	}
	if lookupAddr != "" {
		if err := consumer.ConnectToNSQLookupd(lookupAddr); err != nil {
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}
	c.consumer = consumer
	return nil
}

// Stop stops the consumer and requeues anything still buffered. Messages handed
// out by Receive must be acked or nacked before calling Stop.
func (c *Channel) Stop() {
	if c.consumer == nil {
		return
	}
	c.consumer.Stop()
	for {
		select {
		case m := <-c.buf:
			m.RequeueWithoutBackoff(0)
		case <-c.consumer.StopChan:
			return
		case <-time.After(10 * time.Second):
			c.logger.Plain().Warn("nsq consumer did not stop in time")
			return
		}
	}
}

// HandleMessage implements nsq.Handler.
func (c *Channel) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()

	if c.opts.DLQTopic != "" && c.opts.MaxReceiveCount > 0 && int(m.Attempts) > c.opts.MaxReceiveCount {
		c.deadLetter(m)
		return nil
	}
	c.buf <- m
	return nil
}

func (c *Channel) deadLetter(m *nsq.Message) {
	msg, err := c.decode(m)
	if err != nil {
		// keep the undecodable bytes so the DLQ still holds the original
		msg = delivery.Message{ID: nsqID(m), Body: m.Body}
	}
	attempts := int(m.Attempts) - 1
	msg.ReceiveCount = attempts
	dl := delivery.NewDeadLetter(msg, c.name, attempts, "", fmt.Sprintf("max receive count reached (%d)", c.opts.MaxReceiveCount))
	b, _ := json.Marshal(dl)

	if err := c.pub.Publish(c.opts.DLQTopic, b); err != nil {
		c.logger.Plain().WithMessage(msg.ID).WithError(err).Error("dlq publish failed")
		m.RequeueWithoutBackoff(c.opts.DLQRetryDelay)
		return
	}
	c.logger.Plain().WithMessage(msg.ID).WithField("topic", c.opts.DLQTopic).Info("dlq published")
	m.Finish()
}

func (c *Channel) decode(m *nsq.Message) (delivery.Message, error) {
	var dl delivery.DeadLetter
	if err := json.Unmarshal(m.Body, &dl); err == nil && dl.Type == delivery.DLQType {
		return dl.Message, nil
	}
	return delivery.Decode(m.Body, nsqID(m))
}

func nsqID(m *nsq.Message) string {
	return string(m.ID[:])
}

func (c *Channel) Send(ctx context.Context, msg delivery.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := delivery.Encode(msg, c.opts.RawDelivery)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.ID, err)
	}
	if err := c.pub.Publish(c.opts.Topic, body); err != nil {
		return fmt.Errorf("publish to %s: %w", c.opts.Topic, err)
	}
	return nil
}

func (c *Channel) Receive(ctx context.Context, max int, wait time.Duration) ([]delivery.Message, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []delivery.Message
	for len(out) < max {
		var m *nsq.Message
		if len(out) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return nil, nil
			case m = <-c.buf:
			}
		} else {
			select {
			case m = <-c.buf:
			default:
				return out, nil
			}
		}

		msg, err := c.decode(m)
		if err != nil {
			// nothing downstream can parse it; leave it to the DLQ path
			c.logger.Plain().WithError(err).Warn("undecodable message")
			m.RequeueWithoutBackoff(0)
			continue
		}
		// time spent in the buffer does not count against the handler
		m.Touch()
		msg.ReceiveCount = int(m.Attempts)
		msg.SentAt = time.Unix(0, m.Timestamp)
		msg.ReceiptHandle = receipt(m)

		c.mu.Lock()
		c.inFlight[msg.ReceiptHandle] = m
		c.mu.Unlock()
		out = append(out, msg)
	}
	return out, nil
}

func receipt(m *nsq.Message) string {
	return fmt.Sprintf("%s-%d", m.ID[:], m.Attempts)
}

func (c *Channel) take(receiptHandle string) (*nsq.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.inFlight[receiptHandle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", channel.ErrReceiptNotFound, receiptHandle)
	}
	delete(c.inFlight, receiptHandle)
	return m, nil
}

func (c *Channel) Ack(ctx context.Context, receiptHandle string) error {
	m, err := c.take(receiptHandle)
	if err != nil {
		return err
	}
	m.Finish()
	return nil
}

func (c *Channel) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	m, err := c.take(receiptHandle)
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	m.RequeueWithoutBackoff(delay)
	return nil
}

// Stats is the subset of the nsqd /stats document used for depth.
type Stats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name          string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
			DeferredCount int64  `json:"deferred_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// FetchStats reads nsqd stats for one topic.
func FetchStats(ctx context.Context, client *http.Client, nsqdHTTPAddr, topic string) (Stats, error) {
	u := fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, url.QueryEscape(topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("nsqd stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("nsqd stats: status %d", resp.StatusCode)
	}
	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Stats{}, fmt.Errorf("decode nsqd stats: %w", err)
	}
	return st, nil
}

// Depth counts queued, in-flight and deferred messages of this channel. A topic
// with no channel yet reports its own depth.
func (c *Channel) Depth(ctx context.Context) (int, error) {
	st, err := FetchStats(ctx, c.http, c.opts.NsqdHTTPAddr, c.opts.Topic)
	if err != nil {
		return 0, err
	}
	for _, t := range st.Topics {
		if t.Name != c.opts.Topic {
			continue
		}
		for _, ch := range t.Channels {
			if ch.Name == c.opts.ChannelName {
				return int(ch.Depth + ch.InFlightCount + ch.DeferredCount), nil
			}
		}
		return int(t.Depth), nil
	}
	return 0, nil
}
