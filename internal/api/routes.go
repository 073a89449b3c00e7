package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/carlmjohnson/versioninfo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/transport"
)

const defaultHistoryLimit = 20

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/status", s.StatusHandler)
	e.GET("/devices", s.DevicesHandler)
	e.POST("/connect", s.ConnectHandler)
	e.POST("/disconnect", s.DisconnectHandler)
	e.POST("/diagnostics", s.RunDiagnosticsHandler)
	e.GET("/diagnostics/last", s.LastDiagnosticsHandler)
	e.GET("/history", s.HistoryHandler)
	e.GET("/dtcs", s.DTCsHandler)
	e.POST("/dtcs/clear", s.ClearDTCsHandler)
	e.GET("/live", s.LiveDataHandler)

	return e
}

type errorResponse struct {
	Error string `json:"error"`
}

// errorStatus: нет подключения - 409 (нужно действие пользователя),
// остальные сбои канала - 502.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrAlreadyConnected):
		return http.StatusConflict
	case errors.Is(err, transport.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	status := errorStatus(err)
	s.logger.Warn("Ошибка запроса",
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Error(err))
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	return c.String(http.StatusOK, "health_check: OK "+versioninfo.Short())
}

type statusResponse struct {
	Connected bool              `json:"connected"`
	Device    *common.OBDDevice `json:"device,omitempty"`
	LastPhase string            `json:"lastPhase"`
	Version   string            `json:"version"`
}

func (s *Server) StatusHandler(c echo.Context) error {
	resp := statusResponse{
		Connected: s.diag.IsConnected(),
		LastPhase: string(s.diag.LastPhase()),
		Version:   versioninfo.Short(),
	}
	if d, ok := s.diag.ConnectedDevice(); ok {
		resp.Device = &d
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) DevicesHandler(c echo.Context) error {
	devices, err := s.diag.ScanForDevices(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if devices == nil {
		devices = []common.OBDDevice{}
	}
	return c.JSON(http.StatusOK, devices)
}

func (s *Server) ConnectHandler(c echo.Context) error {
	var device common.OBDDevice
	if err := c.Bind(&device); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "некорректное тело запроса"})
	}
	if device.ID == "" && device.Address == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "нужно указать id или address устройства"})
	}
	if device.ID == "" {
		device.ID = device.Address
	}
	if device.Address == "" {
		device.Address = device.ID
	}

	if err := s.diag.ConnectToDevice(c.Request().Context(), device); err != nil {
		return s.fail(c, err)
	}
	connected, _ := s.diag.ConnectedDevice()
	return c.JSON(http.StatusOK, connected)
}

func (s *Server) DisconnectHandler(c echo.Context) error {
	if err := s.diag.Disconnect(c.Request().Context()); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) RunDiagnosticsHandler(c echo.Context) error {
	report, err := s.diag.RunFullScan(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if s.hooks.OnReport != nil {
		s.hooks.OnReport(report)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) LastDiagnosticsHandler(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "история не ведётся"})
	}
	last, ok, err := s.history.Last()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "сканирований ещё не было"})
	}
	return c.JSON(http.StatusOK, last)
}

func (s *Server) HistoryHandler(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "история не ведётся"})
	}
	limit := defaultHistoryLimit
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "limit должен быть положительным числом"})
		}
		limit = n
	}
	list, err := s.history.Recent(limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if list == nil {
		list = []common.VehicleDiagnostics{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) DTCsHandler(c echo.Context) error {
	codes, err := s.diag.ReadDiagnosticTroubleCodes(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, codes)
}

func (s *Server) ClearDTCsHandler(c echo.Context) error {
	if err := s.diag.ClearTroubleCodes(c.Request().Context()); err != nil {
		return s.fail(c, err)
	}
	if s.hooks.OnClear != nil {
		s.hooks.OnClear()
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) LiveDataHandler(c echo.Context) error {
	points, err := s.diag.ReadLiveData(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, points)
}
