package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/windmillfan/internal/entity"
	"github.com/Agrid-Dev/windmillfan/internal/ports"
)

type Option func(*Server)

// WithGatherer serves g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

type Server struct {
	svc      ports.FanService
	srv      *http.Server
	deviceID string
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// New returns a runnable server.
func New(svc ports.FanService, addr string, deviceID string, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		deviceID: deviceID,
		gatherer: prometheus.DefaultGatherer,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Read
	e.GET("/v1", s.handleGet)

	// Write: one endpoint per attribute
	e.POST("/v1/power", s.handlePostPower)
	e.POST("/v1/turn_on", s.handlePostTurnOn)
	e.POST("/v1/percentage", s.handlePostPercentage)
	e.POST("/v1/preset_mode", s.handlePostPresetMode)
	e.POST("/v1/refresh", s.handlePostRefresh)

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Debug().Str("address", s.srv.Addr).Msg("serving HTTP")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- DTOs ----

type stateDTO struct {
	DeviceID    string   `json:"device_id"`
	Available   bool     `json:"available"`
	IsOn        bool     `json:"is_on"`
	Percentage  int      `json:"percentage"`
	PresetMode  string   `json:"preset_mode"`
	PresetModes []string `json:"preset_modes"`
	SpeedCount  int      `json:"speed_count"`
	LastError   string   `json:"last_error,omitempty"`
}

func toDTO(st entity.State) stateDTO {
	modes := make([]string, len(st.PresetModes))
	for i, m := range st.PresetModes {
		modes[i] = m.String()
	}
	return stateDTO{
		Available:   st.Available,
		IsOn:        st.IsOn,
		Percentage:  st.Percentage,
		PresetMode:  st.PresetMode.String(),
		PresetModes: modes,
		SpeedCount:  st.SpeedCount,
		LastError:   st.LastError,
	}
}

type turnOnReq struct {
	Percentage *int    `json:"percentage"`
	PresetMode *string `json:"preset_mode"`
}

// ---- Handlers ----

func (s *Server) handleGet(c echo.Context) error {
	return s.respondState(c)
}

func (s *Server) handlePostPower(c echo.Context) error {
	return postValue(s, c, func(ctx context.Context, on bool) error {
		if on {
			return s.svc.TurnOn(ctx, entity.TurnOnOptions{})
		}
		return s.svc.TurnOff(ctx)
	})
}

func (s *Server) handlePostTurnOn(c echo.Context) error {
	// body: {"percentage": 40} or {"preset_mode": "High"}; both optional
	var req turnOnReq
	if c.Request().ContentLength != 0 {
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return writeErr(c, http.StatusBadRequest, "invalid json")
		}
	}
	opts := entity.TurnOnOptions{Percentage: req.Percentage, PresetMode: req.PresetMode}
	if err := s.svc.TurnOn(c.Request().Context(), opts); err != nil {
		return s.commandErr(c, err)
	}
	return s.respondState(c)
}

func (s *Server) handlePostPercentage(c echo.Context) error {
	// body: {"value": 40}
	return postValue(s, c, func(ctx context.Context, p int) error {
		return s.svc.SetPercentage(ctx, p)
	})
}

func (s *Server) handlePostPresetMode(c echo.Context) error {
	// body: {"value": "Boost"}
	return postValue(s, c, func(ctx context.Context, mode string) error {
		return s.svc.SetPresetMode(ctx, mode)
	})
}

func (s *Server) handlePostRefresh(c echo.Context) error {
	if err := s.svc.Refresh(c.Request().Context()); err != nil {
		return writeErr(c, http.StatusServiceUnavailable, err.Error())
	}
	return s.respondState(c)
}

// ---- generic helpers ----

func (s *Server) respondState(c echo.Context) error {
	dto := toDTO(s.svc.State())
	dto.DeviceID = s.deviceID
	return c.JSON(http.StatusOK, dto)
}

func postValue[T any](s *Server, c echo.Context, apply func(context.Context, T) error) error {
	dec := json.NewDecoder(c.Request().Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		return writeErr(c, http.StatusBadRequest, "invalid json")
	}
	if req.Value == nil {
		return writeErr(c, http.StatusBadRequest, "missing field 'value'")
	}

	if err := apply(c.Request().Context(), *req.Value); err != nil {
		return s.commandErr(c, err)
	}
	return s.respondState(c)
}

// commandErr reports rejected input as 400 and device failures as 502.
func (s *Server) commandErr(c echo.Context, err error) error {
	if errors.Is(err, entity.ErrInvalidPercentage) || errors.Is(err, entity.ErrInvalidPresetMode) {
		return writeErr(c, http.StatusBadRequest, err.Error())
	}
	s.log.Warn().Err(err).Str("path", c.Path()).Msg("command failed")
	return writeErr(c, http.StatusBadGateway, err.Error())
}

func writeErr(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}
