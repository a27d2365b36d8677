package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/sunwaysbridge/pkg/log"
	"github.com/raterudder/sunwaysbridge/pkg/types"
)

const (
	// DefaultTopicPrefix is the prefix of state and availability topics.
	DefaultTopicPrefix = "sunways"
	// DiscoveryPrefix is the Home Assistant MQTT discovery prefix.
	DiscoveryPrefix = "homeassistant"

	payloadOnline  = "online"
	payloadOffline = "offline"

	publishTimeout = 5 * time.Second
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Enabled reports whether a broker was configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// ConfiguredMQTT registers the MQTT flags and returns a config that is filled
// in once the flags are parsed.
func ConfiguredMQTT() *MQTTConfig {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883. Publishing is disabled when empty")
	clientID := lflag.String("mqtt-client-id", "sunwaysbridge", "MQTT client id")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-topic-prefix", DefaultTopicPrefix, "Prefix of the state topics")

	cfg := &MQTTConfig{}
	lflag.Do(func() {
		cfg.Broker = *broker
		cfg.ClientID = *clientID
		cfg.Username = *username
		cfg.Password = *password
		cfg.TopicPrefix = *prefix
	})
	return cfg
}

// DialMQTT connects to the broker and waits for the connection or ctx.
func DialMQTT(ctx context.Context, cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Ctx(ctx).Info("mqtt connected", slog.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Ctx(ctx).Warn("mqtt connection lost", slog.Any("error", err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	for !token.WaitTimeout(200 * time.Millisecond) {
		if err := ctx.Err(); err != nil {
			client.Disconnect(250)
			return nil, err
		}
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}

// Publisher is the part of mqtt.Client used to publish.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes the sensors of a station to MQTT with Home
// Assistant discovery.
type MQTTPublisher struct {
	client    Publisher
	prefix    string
	stationID string
	sensors   []*Sensor
}

// NewMQTTPublisher returns a publisher for the sensors of a station.
func NewMQTTPublisher(client Publisher, prefix, stationID string, sensors []*Sensor) *MQTTPublisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTPublisher{
		client:    client,
		prefix:    prefix,
		stationID: stationID,
		sensors:   sensors,
	}
}

// AvailabilityTopic is where online/offline is published.
func (p *MQTTPublisher) AvailabilityTopic() string {
	return p.prefix + "/" + p.stationID + "/status"
}

// StateTopic is where the value of key is published.
func (p *MQTTPublisher) StateTopic(key types.SensorKey) string {
	return p.prefix + "/" + p.stationID + "/" + string(key)
}

// ConfigTopic is the discovery topic of key.
func (p *MQTTPublisher) ConfigTopic(key types.SensorKey) string {
	return fmt.Sprintf("%s/sensor/%s_%s/%s/config", DiscoveryPrefix, Domain, p.stationID, key)
}

type discoveryConfig struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	ObjectID          string `json:"object_id"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	DeviceClass       string `json:"device_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	Icon              string `json:"icon,omitempty"`
	Precision         *int   `json:"suggested_display_precision,omitempty"`
	Device            Device `json:"device"`
}

func (p *MQTTPublisher) discovery(s *Sensor) discoveryConfig {
	desc := s.Description()
	cfg := discoveryConfig{
		Name:              s.Name(),
		UniqueID:          Domain + "_" + s.UniqueID(),
		ObjectID:          Domain + "_" + p.stationID + "_" + string(desc.Key),
		StateTopic:        p.StateTopic(desc.Key),
		AvailabilityTopic: p.AvailabilityTopic(),
		DeviceClass:       desc.DeviceClass,
		UnitOfMeasurement: desc.Unit,
		StateClass:        desc.StateClass,
		Icon:              desc.Icon,
		Device:            s.Device(),
	}
	if desc.Precision >= 0 {
		precision := desc.Precision
		cfg.Precision = &precision
	}
	return cfg
}

func (p *MQTTPublisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishDiscovery publishes the retained discovery config of every sensor.
func (p *MQTTPublisher) PublishDiscovery(ctx context.Context) error {
	for _, s := range p.sensors {
		b, err := json.Marshal(p.discovery(s))
		if err != nil {
			return fmt.Errorf("error encoding discovery config: %w", err)
		}
		if err := p.publish(p.ConfigTopic(s.Key()), b); err != nil {
			return err
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "published mqtt discovery", slog.String("stationID", p.stationID), slog.Int("sensors", len(p.sensors)))
	return nil
}

// PublishState publishes the current value of every sensor and marks the
// station online.
func (p *MQTTPublisher) PublishState(ctx context.Context) error {
	var errs []error
	for _, s := range p.sensors {
		v, ok := s.NativeValue()
		if !ok {
			continue
		}
		payload := strconv.FormatFloat(v, 'f', -1, 64)
		if err := p.publish(p.StateTopic(s.Key()), []byte(payload)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.publish(p.AvailabilityTopic(), []byte(payloadOnline)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PublishOffline marks the station offline.
func (p *MQTTPublisher) PublishOffline(ctx context.Context) error {
	return p.publish(p.AvailabilityTopic(), []byte(payloadOffline))
}

// Listener returns a coordinator listener that publishes every update. A
// failed update marks the station offline.
func (p *MQTTPublisher) Listener(ctx context.Context) func(*types.Snapshot, error) {
	return func(_ *types.Snapshot, updateErr error) {
		var err error
		if updateErr != nil {
			err = p.PublishOffline(ctx)
		} else {
			err = p.PublishState(ctx)
		}
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "error publishing to mqtt", slog.String("stationID", p.stationID), slog.Any("error", err))
		}
	}
}
