package event

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"courier-service/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type EventChannelData struct {
	Action string
	Data   []byte
	Out    EventChannelOutData
}

// EventChannelOutData says what handling an inbound event may do with the
// events it causes: send them, and journal them.
type EventChannelOutData struct {
	Send bool
	Log  bool
}

type EventLogData struct {
	Time    int64  `json:"time"`
	Service string `json:"service"`
	Action  string `json:"action"`
	Data    string `json:"data"`
}

const (
	RabbitMQActionHeader string = "x-action"
	RabbitMQInLogFile    string = "in.log"
	RabbitMQOutLogFile   string = "out.log"

	QueueAPI        = "api"
	QueueBackoffice = "backoffice"
)

// Event modes, from EVENT_MODE.
const (
	ModeDisable   = "DISABLE"
	ModeIn        = "IN"
	ModeInSend    = "IN_SEND"
	ModeInSendLog = "IN_SEND_LOG"
	ModeOut       = "OUT"
)

type outKey struct{}

// WithOut scopes the sending of events caused while handling an inbound
// event.
func WithOut(ctx context.Context, out EventChannelOutData) context.Context {
	return context.WithValue(ctx, outKey{}, out)
}

func outFrom(ctx context.Context) EventChannelOutData {
	if out, ok := ctx.Value(outKey{}).(EventChannelOutData); ok {
		return out
	}
	return EventChannelOutData{Send: true, Log: true}
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Bus is the RabbitMQ link to the other services, with an optional journal
// of every event in and out.
type Bus struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	publisher  amqpPublisher
	queues     map[string]amqp.Queue

	mu        sync.Mutex
	listeners map[string]chan EventChannelData

	mode    string
	logDir  string
	logMu   sync.Mutex
	inLog   *os.File
	outLog  *os.File
	log     *zap.Logger
	timeout time.Duration
}

// RabbitMQConnect dials RabbitMQ and declares queues.
func RabbitMQConnect(s config.Settings, queues []string, log *zap.Logger) (*Bus, error) {
	connection, err := amqp.Dial(fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		s.RabbitMQUser,
		s.RabbitMQPassword,
		s.RabbitMQHost,
		s.RabbitMQPort,
	))
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("open a RabbitMQ channel: %w", err)
	}

	b, err := newBus(channel, s.EventMode, s.EventLogDir, log)
	if err != nil {
		_ = channel.Close()
		_ = connection.Close()
		return nil, err
	}
	b.connection = connection
	b.channel = channel
	b.log.Info("connection opened to RabbitMQ server")

	for _, name := range queues {
		queue, err := channel.QueueDeclare(
			name,  // name
			false, // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("declare RabbitMQ queue %s: %w", name, err)
		}
		b.queues[name] = queue
		b.log.Info("declared RabbitMQ queue", zap.String("queue", name))
	}
	return b, nil
}

func newBus(publisher amqpPublisher, mode, logDir string, log *zap.Logger) (*Bus, error) {
	if mode == "" {
		mode = ModeDisable
	}
	b := &Bus{
		publisher: publisher,
		queues:    make(map[string]amqp.Queue),
		listeners: make(map[string]chan EventChannelData),
		mode:      mode,
		logDir:    logDir,
		log:       log.Named("event"),
		timeout:   5 * time.Second,
	}
	if mode == ModeDisable {
		return b, nil
	}

	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("event log dir: %w", err)
	}
	var err error
	b.inLog, err = os.OpenFile(filepath.Join(logDir, RabbitMQInLogFile), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	b.outLog, err = os.OpenFile(filepath.Join(logDir, RabbitMQOutLogFile), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		_ = b.inLog.Close()
		return nil, err
	}
	return b, nil
}

// Listen registers the channel that receives queue's events, for both live
// consumption and replay.
func (b *Bus) Listen(queue string, ch chan EventChannelData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[queue] = ch
}

func (b *Bus) listener(queue string) (chan EventChannelData, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.listeners[queue]
	return ch, ok
}

// Subscribe starts consuming queue into its listener channel.
func (b *Bus) Subscribe(ctx context.Context, queue string) error {
	ch, ok := b.listener(queue)
	if !ok {
		return fmt.Errorf("no listener for queue %s", queue)
	}
	if b.channel == nil {
		return errors.New("bus is not connected")
	}

	msgs, err := b.channel.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("register a consumer on %s: %w", queue, err)
	}
	b.log.Info("subscribed to RabbitMQ queue", zap.String("queue", queue))

	go func() {
		for msg := range msgs {
			action, _ := msg.Headers[RabbitMQActionHeader].(string)
			if action == "" {
				b.log.Warn("dropping event without action", zap.String("queue", queue))
				_ = msg.Nack(false, false)
				continue
			}

			b.journal(b.inLog, EventLogData{
				Time:    time.Now().UnixMicro(),
				Service: queue,
				Action:  action,
				Data:    string(msg.Body),
			})

			_ = msg.Ack(false)

			select {
			case ch <- EventChannelData{
				Action: action,
				Data:   msg.Body,
				Out:    EventChannelOutData{Send: true, Log: true},
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Send publishes raw data to service's queue.
func (b *Bus) Send(ctx context.Context, service, action string, data []byte, log bool) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	err := b.publisher.PublishWithContext(
		ctx,
		"",      // exchange
		service, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Headers: amqp.Table{
				RabbitMQActionHeader: action,
			},
			Body: data,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", action, service, err)
	}

	if log {
		b.journal(b.outLog, EventLogData{
			Time:    time.Now().UnixMicro(),
			Service: service,
			Action:  action,
			Data:    string(data),
		})
	}
	return nil
}

// Emit sends payload to the backoffice queue, unless the inbound event
// being handled was replayed without sending.
func (b *Bus) Emit(ctx context.Context, action string, payload any) error {
	out := outFrom(ctx)
	if !out.Send {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}
	return b.Send(ctx, QueueBackoffice, action, data, out.Log)
}

func (b *Bus) journal(file *os.File, data EventLogData) {
	if file == nil {
		return
	}
	line, err := json.Marshal(data)
	if err != nil {
		return
	}
	b.logMu.Lock()
	defer b.logMu.Unlock()
	if _, err := file.Write(append(line, '\n')); err != nil {
		b.log.Error("event journal write failed", zap.String("file", file.Name()), zap.Error(err))
	}
}

// Replay re-runs the journal according to the bus mode. IN modes feed
// in.log back to the listeners; OUT re-sends out.log.
func (b *Bus) Replay(ctx context.Context) error {
	switch b.mode {
	case ModeInSendLog:
		return b.replayIn(ctx, EventChannelOutData{Send: true, Log: true})
	case ModeInSend:
		return b.replayIn(ctx, EventChannelOutData{Send: true, Log: false})
	case ModeIn:
		return b.replayIn(ctx, EventChannelOutData{Send: false, Log: false})
	case ModeOut:
		return b.replayOut(ctx)
	}
	return nil
}

func (b *Bus) replayIn(ctx context.Context, out EventChannelOutData) error {
	return b.scan(filepath.Join(b.logDir, RabbitMQInLogFile), func(data EventLogData) error {
		ch, ok := b.listener(data.Service)
		if !ok {
			b.log.Warn("no listener for journaled event", zap.String("service", data.Service), zap.String("action", data.Action))
			return nil
		}
		select {
		case ch <- EventChannelData{Action: data.Action, Data: []byte(data.Data), Out: out}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (b *Bus) replayOut(ctx context.Context) error {
	return b.scan(filepath.Join(b.logDir, RabbitMQOutLogFile), func(data EventLogData) error {
		return b.Send(ctx, data.Service, data.Action, []byte(data.Data), false)
	})
}

func (b *Bus) scan(path string, fn func(EventLogData) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data := EventLogData{}
		if err := json.Unmarshal(scanner.Bytes(), &data); err != nil {
			b.log.Warn("skipping malformed journal line", zap.Error(err))
			continue
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (b *Bus) Close() error {
	var errs []error
	if b.channel != nil {
		errs = append(errs, b.channel.Close())
	}
	if b.connection != nil {
		errs = append(errs, b.connection.Close())
	}
	if b.inLog != nil {
		errs = append(errs, b.inLog.Close())
	}
	if b.outLog != nil {
		errs = append(errs, b.outLog.Close())
	}
	return errors.Join(errs...)
}
