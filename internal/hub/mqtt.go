package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transports.
const (
	TransportMQTT      = "mqtt"
	TransportWebSocket = "mqtt-ws"
)

// QoS levels used on the device protocol.
const (
	qosAtMostOnce  byte = 0
	qosAtLeastOnce byte = 1
)

// Options configures MQTTClient.
type Options struct {
	// Transport is TransportMQTT (8883) or TransportWebSocket (443).
	Transport string
	// ConnectTimeout bounds the CONNECT/CONNACK exchange.
	ConnectTimeout time.Duration
	// OperationTimeout bounds publishes and twin requests.
	OperationTimeout time.Duration
	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration
	// MaxReconnectAttempts is the number of automatic reconnect attempts
	// after a lost connection before the client gives up with RetryExpired.
	// Zero means unlimited.
	MaxReconnectAttempts int
	// MaxReconnectInterval caps paho's reconnect backoff.
	MaxReconnectInterval time.Duration
	// SASTTL is the lifetime of each generated SAS token.
	SASTTL time.Duration
	// InboxSize is the cloud-to-device message buffer.
	InboxSize int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Transport:            TransportMQTT,
		ConnectTimeout:       30 * time.Second,
		OperationTimeout:     30 * time.Second,
		KeepAlive:            60 * time.Second,
		MaxReconnectAttempts: 10,
		MaxReconnectInterval: 2 * time.Minute,
		SASTTL:               time.Hour,
		InboxSize:            16,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Transport == "" {
		o.Transport = d.Transport
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = d.KeepAlive
	}
	if o.MaxReconnectInterval <= 0 {
		o.MaxReconnectInterval = d.MaxReconnectInterval
	}
	if o.SASTTL <= 0 {
		o.SASTTL = d.SASTTL
	}
	if o.InboxSize <= 0 {
		o.InboxSize = d.InboxSize
	}
	return o
}

// twinResponse is a correlated answer on the twin response topic.
type twinResponse struct {
	status int
	body   []byte
}

// MQTTClient implements Client over the IoT Hub MQTT device protocol.
type MQTTClient struct {
	cred     Credential
	opts     Options
	onStatus StatusHandler
	log      zerolog.Logger
	client   paho.Client

	mu           sync.Mutex
	pending      map[string]chan twinResponse
	delta        DeltaHandler
	epoch        uint64
	reconnects   int
	openFailures int
	expired      bool
	closed       bool

	inbox chan *Message
}

// NewFactory returns a Factory producing MQTTClients with the given options.
func NewFactory(opts Options, log zerolog.Logger) Factory {
	return func(cred Credential, onStatus StatusHandler) (Client, error) {
		return NewMQTTClient(cred, opts, onStatus, log), nil
	}
}

// NewMQTTClient builds a client for cred. It does not connect; call Open.
func NewMQTTClient(cred Credential, opts Options, onStatus StatusHandler, log zerolog.Logger) *MQTTClient {
	opts = opts.withDefaults()
	if onStatus == nil {
		onStatus = func(ConnectionState, DisconnectReason) {}
	}
	c := &MQTTClient{
		cred:     cred,
		opts:     opts,
		onStatus: onStatus,
		log:      log.With().Str("device", cred.String()).Logger(),
		pending:  make(map[string]chan twinResponse),
		inbox:    make(chan *Message, opts.InboxSize),
	}
	c.client = paho.NewClient(c.clientOptions())
	return c
}

func (c *MQTTClient) clientOptions() *paho.ClientOptions {
	user := username(c.cred)

	o := paho.NewClientOptions()
	o.AddBroker(brokerURL(c.cred.HostName, c.opts.Transport))
	o.SetClientID(c.cred.DeviceID)
	o.SetProtocolVersion(4)
	o.SetCredentialsProvider(func() (string, string) {
		return user, c.cred.SASToken(time.Now(), c.opts.SASTTL)
	})
	o.SetTLSConfig(&tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: c.cred.HostName,
	})
	o.SetCleanSession(false)
	o.SetKeepAlive(c.opts.KeepAlive)
	o.SetConnectTimeout(c.opts.ConnectTimeout)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(false)
	o.SetMaxReconnectInterval(c.opts.MaxReconnectInterval)
	o.SetOrderMatters(false)
	o.SetAutoAckDisabled(true)

	o.SetOnConnectHandler(func(_ paho.Client) {
		c.handleConnect()
	})
	o.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.handleConnectionLost(err)
	})
	o.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		c.handleReconnecting()
	})
	return o
}

// Open connects to the service.
func (c *MQTTClient) Open(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if c.client.IsConnectionOpen() {
		return nil
	}

	err := waitToken(ctx, c.client.Connect(), c.opts.ConnectTimeout)
	if err == nil {
		c.mu.Lock()
		c.openFailures = 0
		c.mu.Unlock()
		return nil
	}

	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised):
		c.emit(Disconnected, ReasonBadCredential)
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, packets.ErrorRefusedIDRejected):
		c.emit(Disconnected, ReasonDeviceDisabled)
		return fmt.Errorf("%w: %w", ErrDeviceDisabled, err)
	case errors.Is(err, ErrTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		if c.countOpenFailure() {
			c.emit(Disconnected, ReasonCommunicationError)
		}
		return fmt.Errorf("%w: connect: %w", ErrNotConnected, err)
	}
}

// countOpenFailure records a failed Open and reports whether the failure
// limit has just been reached.
func (c *MQTTClient) countOpenFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openFailures++
	return c.opts.MaxReconnectAttempts > 0 && c.openFailures == c.opts.MaxReconnectAttempts
}

// Close disconnects. The client cannot be reopened.
func (c *MQTTClient) Close(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.failPendingLocked()
	c.mu.Unlock()

	c.client.Disconnect(250)
	c.emit(Disabled, ReasonNone)
	return nil
}

// Send publishes a telemetry message with at-least-once delivery.
func (c *MQTTClient) Send(ctx context.Context, msg *Message) error {
	if err := c.ready(); err != nil {
		return err
	}
	token := c.client.Publish(eventsTopic(c.cred.DeviceID, msg), qosAtLeastOnce, false, msg.Body)
	if err := waitToken(ctx, token, c.opts.OperationTimeout); err != nil {
		return fmt.Errorf("send telemetry: %w", err)
	}
	return nil
}

// Receive returns the next cloud-to-device message, or nil after timeout.
func (c *MQTTClient) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete acknowledges a message returned by Receive.
func (c *MQTTClient) Complete(_ context.Context, msg *Message) error {
	if msg == nil || msg.receipt == nil {
		return fmt.Errorf("complete: message was not received by this client")
	}
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	if msg.receipt.epoch != epoch || !c.client.IsConnectionOpen() {
		return fmt.Errorf("complete %s: %w", msg.ID, ErrLockLost)
	}
	msg.receipt.ack()
	return nil
}

// GetConfiguration requests the full twin and returns its desired section.
func (c *MQTTClient) GetConfiguration(ctx context.Context) (Configuration, error) {
	resp, err := c.twinRequest(ctx, "get twin", twinGetTopic, []byte{})
	if err != nil {
		return Configuration{}, err
	}
	if resp.status != 200 {
		return Configuration{}, statusErr("get twin", resp.status)
	}
	return parseConfiguration(resp.body)
}

// UpdateReported patches reported properties.
func (c *MQTTClient) UpdateReported(ctx context.Context, props Properties) error {
	body, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode reported properties: %w", err)
	}
	resp, err := c.twinRequest(ctx, "update reported", twinReportedTopic, body)
	if err != nil {
		return err
	}
	if resp.status != 200 && resp.status != 204 {
		return statusErr("update reported", resp.status)
	}
	return nil
}

// OnConfigurationDelta sets the desired-property delta handler.
func (c *MQTTClient) OnConfigurationDelta(handler DeltaHandler) {
	c.mu.Lock()
	c.delta = handler
	c.mu.Unlock()
}

func (c *MQTTClient) ready() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return nil
}

// twinRequest publishes a request carrying a fresh request id and waits for
// the correlated response.
func (c *MQTTClient) twinRequest(ctx context.Context, op string, topic func(rid string) string, body []byte) (twinResponse, error) {
	if err := c.ready(); err != nil {
		return twinResponse{}, err
	}

	rid := uuid.NewString()
	ch := make(chan twinResponse, 1)
	c.mu.Lock()
	c.pending[rid] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, rid)
		c.mu.Unlock()
	}()

	token := c.client.Publish(topic(rid), qosAtMostOnce, false, body)
	if err := waitToken(ctx, token, c.opts.OperationTimeout); err != nil {
		return twinResponse{}, fmt.Errorf("%s: %w", op, err)
	}

	timer := time.NewTimer(c.opts.OperationTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return twinResponse{}, fmt.Errorf("%s: %w", op, ErrNotConnected)
		}
		return resp, nil
	case <-timer.C:
		return twinResponse{}, fmt.Errorf("%s: %w", op, ErrTimeout)
	case <-ctx.Done():
		return twinResponse{}, ctx.Err()
	}
}

func statusErr(op string, status int) error {
	if status == 429 {
		return fmt.Errorf("%w: %w", ErrThrottled, &StatusError{Op: op, Code: status})
	}
	return &StatusError{Op: op, Code: status}
}

func (c *MQTTClient) handleConnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.reconnects = 0
	c.mu.Unlock()

	filters := map[string]byte{
		topicTwinResponses:               qosAtMostOnce,
		topicTwinDesired:                 qosAtMostOnce,
		deviceboundTopic(c.cred.DeviceID): qosAtLeastOnce,
	}
	token := c.client.SubscribeMultiple(filters, c.recoverHandler(c.route))
	if !token.WaitTimeout(c.opts.OperationTimeout) {
		c.log.Warn().Msg("subscribe timed out")
	} else if err := token.Error(); err != nil {
		c.log.Warn().Err(err).Msg("subscribe failed")
	}

	c.emit(Connected, ReasonNone)
}

func (c *MQTTClient) handleConnectionLost(err error) {
	c.mu.Lock()
	c.failPendingLocked()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.log.Warn().Err(err).Msg("connection lost")
	c.emit(DisconnectedRetrying, ReasonNone)
}

func (c *MQTTClient) handleReconnecting() {
	c.mu.Lock()
	if c.closed || c.expired {
		c.mu.Unlock()
		return
	}
	c.reconnects++
	attempt := c.reconnects
	giveUp := c.opts.MaxReconnectAttempts > 0 && attempt > c.opts.MaxReconnectAttempts
	if giveUp {
		c.expired = true
	}
	c.mu.Unlock()

	if !giveUp {
		c.log.Debug().Int("attempt", attempt).Msg("reconnecting")
		return
	}

	c.log.Warn().Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
	// Disconnect stops paho's reconnect loop; it must not run on the
	// reconnecting goroutine itself.
	go func() {
		c.client.Disconnect(0)
		c.emit(Disconnected, ReasonRetryExpired)
	}()
}

// failPendingLocked closes every outstanding twin request channel.
// Callers hold c.mu.
func (c *MQTTClient) failPendingLocked() {
	for rid, ch := range c.pending {
		close(ch)
		delete(c.pending, rid)
	}
}

func (c *MQTTClient) emit(state ConnectionState, reason DisconnectReason) {
	c.log.Debug().Str("state", string(state)).Str("reason", string(reason)).Msg("connection status")
	c.onStatus(state, reason)
}

// route dispatches an inbound publish by topic.
func (c *MQTTClient) route(_ paho.Client, m paho.Message) {
	topic := m.Topic()
	switch {
	case strings.HasPrefix(topic, prefixTwinResponse):
		m.Ack()
		c.handleTwinResponse(topic, m.Payload())
	case strings.HasPrefix(topic, prefixTwinDesired):
		m.Ack()
		c.handleDesired(m.Payload())
	case strings.HasPrefix(topic, deviceboundPrefix(c.cred.DeviceID)):
		c.handleDevicebound(topic, m)
	default:
		m.Ack()
		c.log.Debug().Str("topic", topic).Msg("ignoring message on unexpected topic")
	}
}

func (c *MQTTClient) handleTwinResponse(topic string, payload []byte) {
	status, rid, err := parseTwinResponseTopic(topic)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad twin response")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[rid]
	if ok {
		delete(c.pending, rid)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("rid", rid).Msg("twin response without pending request")
		return
	}
	ch <- twinResponse{status: status, body: payload}
}

func (c *MQTTClient) handleDesired(payload []byte) {
	props, err := parseOrderedProperties(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad desired properties patch")
		return
	}
	c.mu.Lock()
	handler := c.delta
	c.mu.Unlock()
	if handler != nil && len(props) > 0 {
		handler(props)
	}
}

func (c *MQTTClient) handleDevicebound(topic string, m paho.Message) {
	msg := parseDeviceboundTopic(c.cred.DeviceID, topic, m.Payload())
	c.mu.Lock()
	msg.receipt = &receipt{epoch: c.epoch, ack: m.Ack}
	c.mu.Unlock()

	select {
	case c.inbox <- msg:
	default:
		// Left unacknowledged so the service redelivers it.
		c.log.Warn().Str("message_id", msg.ID).Msg("inbox full, dropping cloud-to-device message")
	}
}

// recoverHandler wraps a paho handler so a panic does not take down the
// client's router goroutine.
func (c *MQTTClient) recoverHandler(h paho.MessageHandler) paho.MessageHandler {
	return func(pc paho.Client, m paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error().Interface("panic", r).Str("topic", m.Topic()).Msg("message handler panicked")
			}
		}()
		h(pc, m)
	}
}

// waitToken waits for a paho token, honouring ctx and timeout.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

