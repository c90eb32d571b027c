package outputs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/common/log"

	"github.com/mstanley/cablemodem_exporter/utils"
)

// MQTTConfig carries the broker settings for the Home Assistant publisher.
type MQTTConfig struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// haDevice ties every sensor of a modem to one device registry entry.
// https://www.home-assistant.io/integrations/mqtt/#device-discovery-payload
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// haSensor is the discovery config payload of one MQTT sensor entity.
type haSensor struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	AvailabilityTopic string   `json:"availability_topic,omitempty"`
	Device            haDevice `json:"device"`
}

// sensorDescription maps one parsed channel field onto a Home Assistant
// sensor entity.
type sensorDescription struct {
	Key         string
	Name        string
	Unit        string
	DeviceClass string
	StateClass  string
}

var downstreamSensors = []sensorDescription{
	{Key: "frequency", Name: "Frequency", Unit: "MHz", DeviceClass: "frequency", StateClass: "measurement"},
	{Key: "power", Name: "Power", Unit: "dBmV", DeviceClass: "signal_strength", StateClass: "measurement"},
	{Key: "snr", Name: "SNR", Unit: "dB", DeviceClass: "signal_strength", StateClass: "measurement"},
	{Key: "corrected_errors", Name: "Corrected Errors", StateClass: "total_increasing"},
	{Key: "uncorrected_errors", Name: "Uncorrected Errors", StateClass: "total_increasing"},
}

var upstreamSensors = []sensorDescription{
	{Key: "frequency", Name: "Frequency", Unit: "MHz", DeviceClass: "frequency", StateClass: "measurement"},
	{Key: "power", Name: "Power", Unit: "dBmV", DeviceClass: "signal_strength", StateClass: "measurement"},
	{Key: "symbol_rate", Name: "Symbol Rate", Unit: "Ksps", StateClass: "measurement"},
}

// channelState is the per-channel slice of the retained state document.
type channelState struct {
	ChannelID         int      `json:"channel_id"`
	LockStatus        string   `json:"lock_status"`
	Modulation        string   `json:"modulation"`
	Frequency         float64  `json:"frequency"` // MHz
	Power             float64  `json:"power"`
	SNR               *float64 `json:"snr,omitempty"`
	CorrectedErrors   *int64   `json:"corrected_errors,omitempty"`
	UncorrectedErrors *int64   `json:"uncorrected_errors,omitempty"`
	SymbolRate        *int     `json:"symbol_rate,omitempty"`
}

type infoState struct {
	Uptime    int64 `json:"uptime"`
	FetchTime int64 `json:"fetch_time_ms"`
}

type message struct {
	Topic    string
	Retained bool
	Payload  []byte
}

// HAPublisher keeps Home Assistant fed over MQTT: retained discovery
// configs once, retained state documents on every refresh tick.
type HAPublisher struct {
	modem    utils.CableModem
	client   mqtt.Client
	cfg      MQTTConfig
	deviceID string

	discovered bool
}

func NewHAPublisher(modem utils.CableModem, host string, cfg MQTTConfig) *HAPublisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "cablemodem_exporter"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cablemodem"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}

	p := &HAPublisher{
		modem:    modem,
		cfg:      cfg,
		deviceID: sanitizeID(host),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetWill(p.availabilityTopic(), "offline", 1, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Infoln("Connected to MQTT broker", cfg.Broker)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Start connects to the broker and launches the refresh loop.
func (p *HAPublisher) Start(interval time.Duration) error {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.refresh()
		for range ticker.C {
			p.refresh()
		}
	}()
	return nil
}

func (p *HAPublisher) refresh() {
	utils.ResetStats(p.modem)
	stats, err := utils.FetchStats(p.modem)
	if err != nil {
		log.Errorln("refreshing modem stats:", err)
		p.publish(message{Topic: p.availabilityTopic(), Retained: true, Payload: []byte("offline")})
		return
	}

	if !p.discovered {
		for _, msg := range p.discoveryMessages(stats) {
			p.publish(msg)
		}
		p.discovered = true
	}
	for _, msg := range p.stateMessages(stats) {
		p.publish(msg)
	}
	p.publish(message{Topic: p.availabilityTopic(), Retained: true, Payload: []byte("online")})
}

func (p *HAPublisher) publish(msg message) {
	token := p.client.Publish(msg.Topic, 1, msg.Retained, msg.Payload)
	if token.Wait() && token.Error() != nil {
		log.Errorln("publishing to", msg.Topic, "failed:", token.Error())
	}
}

func (p *HAPublisher) availabilityTopic() string {
	return fmt.Sprintf("%s/%s/availability", p.cfg.TopicPrefix, p.deviceID)
}

func (p *HAPublisher) stateTopic(section string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.deviceID, section)
}

func (p *HAPublisher) device() haDevice {
	manufacturer := "Xfinity"
	if p.modem.Model() == utils.ModelMB8600 {
		manufacturer = "Motorola"
	}
	return haDevice{
		Identifiers:  []string{"cablemodem_" + p.deviceID},
		Name:         "Cable Modem " + p.modem.Model(),
		Manufacturer: manufacturer,
		Model:        p.modem.Model(),
	}
}

// discoveryMessages builds the retained discovery configs for every channel
// present in the given refresh, plus the system sensors.
func (p *HAPublisher) discoveryMessages(stats utils.ModemStats) []message {
	var msgs []message
	device := p.device()

	add := func(objectID string, sensor haSensor) {
		payload, err := json.Marshal(sensor)
		if err != nil {
			log.Errorln("encoding discovery config:", err)
			return
		}
		topic := fmt.Sprintf("%s/sensor/cablemodem_%s/%s/config", p.cfg.DiscoveryPrefix, p.deviceID, objectID)
		msgs = append(msgs, message{Topic: topic, Retained: true, Payload: payload})
	}

	channelSensor := func(direction string, channel int, desc sensorDescription) (string, haSensor) {
		label := strings.ToLower(direction)
		objectID := fmt.Sprintf("%s_%d_%s", label, channel, desc.Key)
		return objectID, haSensor{
			Name:              fmt.Sprintf("%s %s Ch.%d", direction, desc.Name, channel),
			UniqueID:          fmt.Sprintf("%s_%s", p.deviceID, objectID),
			StateTopic:        p.stateTopic(label),
			ValueTemplate:     fmt.Sprintf("{{ value_json['%d'].%s }}", channel, desc.Key),
			UnitOfMeasurement: desc.Unit,
			DeviceClass:       desc.DeviceClass,
			StateClass:        desc.StateClass,
			AvailabilityTopic: p.availabilityTopic(),
			Device:            device,
		}
	}

	for _, c := range stats.DownChannels {
		for _, desc := range downstreamSensors {
			add(channelSensor("Downstream", c.Channel, desc))
		}
	}
	for _, c := range stats.UpChannels {
		for _, desc := range upstreamSensors {
			add(channelSensor("Upstream", c.Channel, desc))
		}
	}

	add("uptime", haSensor{
		Name:              "System Uptime",
		UniqueID:          p.deviceID + "_uptime",
		StateTopic:        p.stateTopic("info"),
		ValueTemplate:     "{{ value_json.uptime }}",
		UnitOfMeasurement: "s",
		DeviceClass:       "duration",
		AvailabilityTopic: p.availabilityTopic(),
		Device:            device,
	})
	add("fetch_time", haSensor{
		Name:              "Fetch Time",
		UniqueID:          p.deviceID + "_fetch_time",
		StateTopic:        p.stateTopic("info"),
		ValueTemplate:     "{{ value_json.fetch_time_ms }}",
		UnitOfMeasurement: "ms",
		StateClass:        "measurement",
		EntityCategory:    "diagnostic",
		AvailabilityTopic: p.availabilityTopic(),
		Device:            device,
	})

	return msgs
}

// stateMessages builds the retained state documents the discovery
// value_templates index into, keyed by channel number.
func (p *HAPublisher) stateMessages(stats utils.ModemStats) []message {
	downstream := make(map[string]channelState, len(stats.DownChannels))
	for _, c := range stats.DownChannels {
		snr := c.SNR
		corrected := c.Corrected
		uncorrectable := c.Uncorrectable
		downstream[fmt.Sprintf("%d", c.Channel)] = channelState{
			ChannelID:         c.ChannelID,
			LockStatus:        c.LockStatus,
			Modulation:        c.Modulation,
			Frequency:         float64(c.Frequency) / 1e6,
			Power:             c.Power,
			SNR:               &snr,
			CorrectedErrors:   &corrected,
			UncorrectedErrors: &uncorrectable,
		}
	}

	upstream := make(map[string]channelState, len(stats.UpChannels))
	for _, c := range stats.UpChannels {
		symbolRate := c.SymbolRate
		upstream[fmt.Sprintf("%d", c.Channel)] = channelState{
			ChannelID:  c.ChannelID,
			LockStatus: c.LockStatus,
			Modulation: c.Modulation,
			Frequency:  float64(c.Frequency) / 1e6,
			Power:      c.Power,
			SymbolRate: &symbolRate,
		}
	}

	info := infoState{Uptime: stats.UptimeSeconds, FetchTime: stats.FetchTime}

	var msgs []message
	for section, doc := range map[string]interface{}{
		"downstream": downstream,
		"upstream":   upstream,
		"info":       info,
	} {
		payload, err := json.Marshal(doc)
		if err != nil {
			log.Errorln("encoding state document:", err)
			continue
		}
		msgs = append(msgs, message{Topic: p.stateTopic(section), Retained: true, Payload: payload})
	}
	return msgs
}

// sanitizeID turns a host into a topic- and entity-safe identifier.
func sanitizeID(host string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, host)
}
