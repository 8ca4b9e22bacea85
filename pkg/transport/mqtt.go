package transport

import (
	"fmt"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/fixrelay/fixrelay/pkg/logx"
)

// Config holds MQTT link configuration
type Config struct {
	Broker         string        `json:"broker"`
	Port           int           `json:"port"`
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	TopicPrefix    string        `json:"topic_prefix"`
	DebounceWindow time.Duration `json:"debounce_window"`
}

// DefaultConfig returns default MQTT link configuration
func DefaultConfig() Config {
	return Config{
		Broker:         "localhost",
		Port:           1883,
		ClientID:       "fixrelay",
		TopicPrefix:    "fixrelay",
		DebounceWindow: 2500 * time.Millisecond,
	}
}

// MQTTLink implements Link over an MQTT broker. Interactive fixes ride
// QoS 0 (losing one is acceptable, the batch and file paths backfill);
// batch, file and command messages ride QoS 1.
type MQTTLink struct {
	client    MQTT.Client
	logger    *logx.Logger
	config    Config
	debouncer *Debouncer

	reachabilityObservers []func(bool)
}

// NewMQTTLink creates an MQTT-backed link
func NewMQTTLink(config Config, logger *logx.Logger) *MQTTLink {
	l := &MQTTLink{logger: logger, config: config}
	l.debouncer = NewDebouncer(config.DebounceWindow, l.notifyReachability)
	return l
}

// Connect establishes the connection to the MQTT broker
func (l *MQTTLink) Connect() error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", l.config.Broker, l.config.Port))
	opts.SetClientID(l.config.ClientID)

	if l.config.Username != "" {
		opts.SetUsername(l.config.Username)
		opts.SetPassword(l.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(l.onConnect)
	opts.SetConnectionLostHandler(l.onConnectionLost)

	l.client = MQTT.NewClient(opts)
	if token := l.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	l.logger.Info("transport connected", "broker", l.config.Broker, "port", l.config.Port)
	return nil
}

// Disconnect closes the connection
func (l *MQTTLink) Disconnect() {
	l.debouncer.Stop()
	if l.client != nil {
		l.client.Disconnect(250)
		l.logger.Info("transport disconnected")
	}
}

// Reachable reports the debounced peer reachability
func (l *MQTTLink) Reachable() bool {
	return l.debouncer.Current()
}

// OnReachabilityChanged registers an observer for debounced transitions
func (l *MQTTLink) OnReachabilityChanged(fn func(bool)) {
	l.reachabilityObservers = append(l.reachabilityObservers, fn)
}

func (l *MQTTLink) notifyReachability(reachable bool) {
	l.logger.Info("reachability changed", "reachable", reachable)
	for _, fn := range l.reachabilityObservers {
		fn(reachable)
	}
}

func (l *MQTTLink) onConnect(client MQTT.Client) {
	l.logger.Debug("transport connection established")
	l.debouncer.Observe(true)
}

func (l *MQTTLink) onConnectionLost(client MQTT.Client, err error) {
	l.logger.Warn("transport connection lost", "error", err.Error())
	l.debouncer.Observe(false)
}

// SendFix publishes a single fix on the interactive path
func (l *MQTTLink) SendFix(data []byte) error {
	return l.publish(l.topic("fix"), 0, data)
}

// SendBatch publishes an encoded fix array on the batched path
func (l *MQTTLink) SendBatch(data []byte) error {
	return l.publish(l.topic("batch"), 1, data)
}

// SendFile publishes a fix on the guaranteed file-style path
func (l *MQTTLink) SendFile(handle string, data []byte) error {
	return l.publish(l.topic("file")+"/"+handle, 1, data)
}

// PublishCommand publishes a command to the device (hub side)
func (l *MQTTLink) PublishCommand(data []byte) error {
	return l.publish(l.topic("cmd"), 1, data)
}

// SubscribeTelemetry subscribes the hub to all three telemetry paths
func (l *MQTTLink) SubscribeTelemetry(handler TelemetryHandler) error {
	subs := []struct {
		filter string
		qos    byte
		path   Path
	}{
		{l.topic("fix"), 0, PathInteractive},
		{l.topic("batch"), 1, PathBatch},
		{l.topic("file") + "/+", 1, PathFile},
	}

	for _, sub := range subs {
		path := sub.path
		token := l.client.Subscribe(sub.filter, sub.qos, func(client MQTT.Client, msg MQTT.Message) {
			handler(path, msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", sub.filter, token.Error())
		}
	}
	return nil
}

// SubscribeCommands subscribes the device to the command channel
func (l *MQTTLink) SubscribeCommands(handler func(data []byte)) error {
	token := l.client.Subscribe(l.topic("cmd"), 1, func(client MQTT.Client, msg MQTT.Message) {
		handler(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to command channel: %w", token.Error())
	}
	return nil
}

func (l *MQTTLink) topic(suffix string) string {
	return strings.TrimSuffix(l.config.TopicPrefix, "/") + "/" + suffix
}

func (l *MQTTLink) publish(topic string, qos byte, data []byte) error {
	if l.client == nil || !l.client.IsConnected() {
		return fmt.Errorf("transport not connected")
	}
	token := l.client.Publish(topic, qos, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}
