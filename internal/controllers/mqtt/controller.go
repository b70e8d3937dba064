package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/windmillfan/internal/entity"
	"github.com/Agrid-Dev/windmillfan/internal/ports"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	commandTimeout = 2 * time.Minute
)

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainState     bool
	PublishInterval time.Duration

	Username string
	Password string
}

type Controller struct {
	svc ports.FanService
	cfg Config
	log zerolog.Logger

	client mqtt.Client
	// base context for commands received from the broker
	ctx context.Context

	lastAvailability string
}

func New(svc ports.FanService, cfg Config, log zerolog.Logger) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "windmillfan/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "windmillfan-" + cfg.DeviceID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.QoS > 2 {
		return nil, errors.New("mqtt: QoS must be 0, 1 or 2")
	}
	return &Controller{
		svc: svc,
		cfg: cfg,
		log: log,
		ctx: context.Background(),
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	c.ctx = ctx

	opts := c.clientOptions()
	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.log.Debug().Str("broker", c.cfg.BrokerURL).Str("base_topic", c.cfg.BaseTopic).Msg("connected")

	// Refreshes push a publish right away; the ticker catches the rest.
	changed := make(chan struct{}, 1)
	if w, ok := c.svc.(ports.StateWatcher); ok {
		stop := w.Watch(func(entity.State) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
		defer stop()
	}

	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	var last entity.State
	first := true

	publishIfChanged := func() {
		cur := c.svc.State()
		if first || !reflect.DeepEqual(cur, last) {
			c.publishState()
			last = cur
			first = false
		}
	}
	publishIfChanged()

	for {
		select {
		case <-ctx.Done():
			c.client.Publish(c.topic("availability"), c.cfg.QoS, true, payloadOffline).Wait()
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			publishIfChanged()

		case <-changed:
			publishIfChanged()
		}
	}
}

// clientOptions configures the paho client. Commands call the device and
// can block for the whole command timeout, so handlers run unordered on
// their own goroutines instead of holding up paho's router and keepalive.
func (c *Controller) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2*time.Second).
		SetOrderMatters(false).
		SetWill(c.topic("availability"), payloadOffline, c.cfg.QoS, true)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		topic := c.topic("set/+")
		token := cl.Subscribe(topic, c.cfg.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("subscribe failed")
		}
	}
	return opts
}

// publishState publishes the state document and, when it changed, the
// retained availability flag.
func (c *Controller) publishState() {
	st := c.svc.State()
	b, _ := json.Marshal(toDTO(st))
	c.client.Publish(c.topic("state"), c.cfg.QoS, c.cfg.RetainState, b)

	availability := payloadOffline
	if st.Available {
		availability = payloadOnline
	}
	if availability != c.lastAvailability {
		c.client.Publish(c.topic("availability"), c.cfg.QoS, true, availability)
		c.lastAvailability = availability
	}
}

type stateDTO struct {
	Available  bool   `json:"available"`
	IsOn       bool   `json:"is_on"`
	Percentage int    `json:"percentage"`
	PresetMode string `json:"preset_mode"`
	SpeedCount int    `json:"speed_count"`
}

func toDTO(st entity.State) stateDTO {
	return stateDTO{
		Available:  st.Available,
		IsOn:       st.IsOn,
		Percentage: st.Percentage,
		PresetMode: st.PresetMode.String(),
		SpeedCount: st.SpeedCount,
	}
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<field>
	t := msg.Topic()
	prefix := strings.TrimRight(c.cfg.BaseTopic, "/") + "/set/"
	if !strings.HasPrefix(t, prefix) {
		return
	}
	field := strings.TrimPrefix(t, prefix)

	payload := msg.Payload()

	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	var err error

	// Dispatch by field
	switch field {
	case "power":
		v, derr := decodeValueStrict[bool](payload)
		if derr != nil {
			c.rejected(field, derr)
			return
		}
		if v {
			err = c.svc.TurnOn(ctx, entity.TurnOnOptions{})
		} else {
			err = c.svc.TurnOff(ctx)
		}

	case "percentage":
		v, derr := decodeValueStrict[int](payload)
		if derr != nil {
			c.rejected(field, derr)
			return
		}
		err = c.svc.SetPercentage(ctx, v)

	case "preset_mode":
		v, derr := decodeValueStrict[string](payload)
		if derr != nil {
			c.rejected(field, derr)
			return
		}
		err = c.svc.SetPresetMode(ctx, v)

	case "refresh":
		err = c.svc.Refresh(ctx)

	default:
		c.log.Debug().Str("topic", t).Msg("unknown command")
		return
	}

	if err != nil {
		c.log.Warn().Err(err).Str("field", field).Msg("command failed")
	}
}

func (c *Controller) rejected(field string, err error) {
	c.log.Debug().Err(err).Str("field", field).Msg("invalid command payload")
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
