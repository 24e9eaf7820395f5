package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	Broker         string // e.g. tcp://localhost:1883
	ClientID       string `default:"myoctl"`
	Topic          string `default:"myo"`
	QoS            int
	ConnectTimeout time.Duration `default:"10s"`
	PublishTimeout time.Duration `default:"2s"`
	Logger         *logrus.Logger
}

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes each row as JSON to <Topic>/<kind>.
type MQTT struct {
	client publisher
	opts   MQTTOptions
	closed atomic.Bool
}

// DialMQTT connects to the broker.
func DialMQTT(opts MQTTOptions) (*MQTT, error) {
	if err := prepareMQTTOptions(&opts); err != nil {
		return nil, err
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true)
	client := mqtt.NewClient(co)

	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out after %s", opts.Broker, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.Broker, err)
	}
	opts.Logger.WithFields(logrus.Fields{
		"broker": opts.Broker,
		"topic":  opts.Topic,
	}).Info("MQTT sink connected")
	return &MQTT{client: client, opts: opts}, nil
}

func prepareMQTTOptions(opts *MQTTOptions) error {
	defaults.SetDefaults(opts)
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Broker == "" {
		return fmt.Errorf("mqtt broker address is empty")
	}
	if opts.QoS < 0 || opts.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", opts.QoS)
	}
	return nil
}

func (m *MQTT) Write(rec []string) error {
	if m.closed.Load() {
		return ErrClosed
	}
	ev, err := EventFromRecord(rec)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	topic := m.opts.Topic + "/" + ev.Kind
	token := m.client.Publish(topic, byte(m.opts.QoS), false, payload)
	if !token.WaitTimeout(m.opts.PublishTimeout) {
		return fmt.Errorf("mqtt publish to %s: timed out after %s", topic, m.opts.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, giving in-flight messages 250ms to drain.
func (m *MQTT) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.client.Disconnect(250)
	}
	return nil
}
