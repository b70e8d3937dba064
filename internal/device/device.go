package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/windmillfan/internal/blynk"
	"github.com/Agrid-Dev/windmillfan/internal/coordinator"
	"github.com/Agrid-Dev/windmillfan/internal/entity"
	"github.com/Agrid-Dev/windmillfan/internal/windmill"
)

const (
	MinTokenLength = 10

	idPrefix    = "windmill_fan_"
	idSuffixLen = 8
)

type Config struct {
	// ID overrides the identifier derived from the token.
	ID             string
	Blynk          blynk.Config
	UpdateInterval time.Duration
}

// Deps are the collaborators Start wires in. The zero value is usable.
type Deps struct {
	Log zerolog.Logger
	// ClientOptions are appended to the pin client's options.
	ClientOptions []blynk.Option
}

// Device is the handle for one running fan. It is returned by Start and
// released with Stop; nothing else keeps a reference to it.
type Device struct {
	ID string

	Fan         *entity.Fan
	Coordinator *coordinator.Coordinator
	// Registry holds the metrics of this device only.
	Registry *prometheus.Registry

	log      zerolog.Logger
	stopOnce sync.Once
	stopErr  error
}

// ValidateToken checks the token format without any network traffic.
func ValidateToken(token string) error {
	if len(token) < MinTokenLength {
		return fmt.Errorf("%w: token must be at least %d characters", ErrInvalidAuth, MinTokenLength)
	}
	return nil
}

// IDFromToken derives the device identifier from the last characters of
// the token, so the full token never shows up in topics or logs.
func IDFromToken(token string) string {
	if len(token) <= idSuffixLen {
		return idPrefix + token
	}
	return idPrefix + token[len(token)-idSuffixLen:]
}

// CheckCredentials reports whether cfg can reach the device. It returns
// nil, ErrInvalidAuth or ErrCannotConnect.
func CheckCredentials(ctx context.Context, cfg blynk.Config, log zerolog.Logger, opts ...blynk.Option) error {
	if err := ValidateToken(cfg.Token); err != nil {
		return err
	}

	client := blynk.New(cfg, append([]blynk.Option{blynk.WithLogger(log)}, opts...)...)
	defer client.Close()

	adapter := windmill.NewAdapter(client, log)
	if _, err := adapter.Power(ctx); err != nil {
		log.Error().Err(err).Msg("credential check failed")
		if errors.Is(err, blynk.ErrAuthentication) {
			return fmt.Errorf("%w: %w", ErrInvalidAuth, err)
		}
		return fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}
	return nil
}

// Start validates the token, performs the first refresh and returns a
// running device. Any failure releases what was opened and returns an
// error matching ErrNotReady (or ErrInvalidAuth for a malformed token).
func Start(ctx context.Context, cfg Config, deps Deps) (*Device, error) {
	if err := ValidateToken(cfg.Blynk.Token); err != nil {
		return nil, err
	}
	id := cfg.ID
	if id == "" {
		id = IDFromToken(cfg.Blynk.Token)
	}
	log := deps.Log.With().Str("device_id", id).Logger()

	reg := prometheus.NewRegistry()
	clientMetrics := blynk.NewMetrics()
	coordMetrics := coordinator.NewMetrics()
	for _, c := range append(clientMetrics.Collectors(), coordMetrics.Collectors()...) {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	clientOpts := append([]blynk.Option{
		blynk.WithLogger(log.With().Str("component", "blynk").Logger()),
		blynk.WithMetrics(clientMetrics),
	}, deps.ClientOptions...)
	client := blynk.New(cfg.Blynk, clientOpts...)
	adapter := windmill.NewAdapter(client, log.With().Str("component", "adapter").Logger())

	if !adapter.Validate(ctx) {
		_ = adapter.Close()
		return nil, fmt.Errorf("%w: failed to authenticate with device", ErrNotReady)
	}

	coord := coordinator.New(adapter, coordinator.Config{
		Name:     id,
		Interval: cfg.UpdateInterval,
	}, log.With().Str("component", "coordinator").Logger(), coordinator.WithMetrics(coordMetrics))

	if err := coord.FirstRefresh(ctx); err != nil {
		_ = coord.Shutdown()
		return nil, fmt.Errorf("%w: failed to fetch initial data: %w", ErrNotReady, err)
	}

	fan := entity.New(coord, adapter, log.With().Str("component", "fan").Logger())
	log.Info().Dur("update_interval", coord.Interval()).Msg("device started")

	return &Device{
		ID:          id,
		Fan:         fan,
		Coordinator: coord,
		Registry:    reg,
		log:         log,
	}, nil
}

// Run polls the device until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	return d.Coordinator.Run(ctx)
}

// Stop shuts the coordinator down and releases the pin client. It is safe
// to call more than once.
func (d *Device) Stop() error {
	d.stopOnce.Do(func() {
		d.stopErr = d.Coordinator.Shutdown()
		d.log.Info().Msg("device stopped")
	})
	return d.stopErr
}
