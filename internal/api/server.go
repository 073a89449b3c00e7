// Package api - HTTP интерфейс агента.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/config"
	"github.com/serebryakov7/obd-stats/internal/diagnostics"
)

// Diagnostics - операции сервиса диагностики, доступные по HTTP.
type Diagnostics interface {
	ScanForDevices(ctx context.Context) ([]common.OBDDevice, error)
	ConnectToDevice(ctx context.Context, device common.OBDDevice) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	ConnectedDevice() (common.OBDDevice, bool)
	LastPhase() diagnostics.Phase
	RunFullScan(ctx context.Context, opts ...diagnostics.ScanOption) (*diagnostics.Report, error)
	ReadDiagnosticTroubleCodes(ctx context.Context) ([]common.DiagnosticTroubleCode, error)
	ReadLiveData(ctx context.Context) ([]common.LiveDataPoint, error)
	ClearTroubleCodes(ctx context.Context) error
}

// History - сохранённые снимки.
type History interface {
	Last() (common.VehicleDiagnostics, bool, error)
	Recent(limit int) ([]common.VehicleDiagnostics, error)
}

// Hooks вызываются после успешных операций, изменяющих состояние.
type Hooks struct {
	OnReport func(report *diagnostics.Report)
	OnClear  func()
}

type Server struct {
	port    uint
	httpLog bool
	diag    Diagnostics
	history History
	hooks   Hooks
	logger  *zap.Logger
}

func NewServer(cfg config.HTTPConfig, diag Diagnostics, history History, hooks Hooks, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		port:    cfg.Port,
		httpLog: cfg.Log,
		diag:    diag,
		history: history,
		hooks:   hooks,
		logger:  logger,
	}

	// полное сканирование при таймауте 5s на команду занимает больше минуты
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute,
	}
}
