// Package diagnostics выполняет полное сканирование автомобиля: коды
// неисправностей, живые данные и идентификацию.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/dtc"
	"github.com/serebryakov7/obd-stats/internal/obd"
	"github.com/serebryakov7/obd-stats/internal/transport"
)

// Adapter - то, что сервису нужно от канала до ELM327.
type Adapter interface {
	IsEnabled(ctx context.Context) (bool, error)
	Enable(ctx context.Context) error
	Scan(ctx context.Context) ([]common.OBDDevice, error)
	Connect(ctx context.Context, device common.OBDDevice) error
	Disconnect(ctx context.Context) error
	Write(ctx context.Context, command string) (common.OBDResponse, error)
	IsConnected() bool
	ConnectedDevice() (common.OBDDevice, bool)
}

// Vehicle - идентификация из конфигурации. VIN используется, когда 0902
// не удалось прочитать.
type Vehicle struct {
	VIN   string
	Make  string
	Model string
	Year  int
}

// DefaultVehicle - идентификация по умолчанию.
func DefaultVehicle() Vehicle {
	return Vehicle{VIN: "DEMO123456789", Make: "Mazda", Model: "CX-30", Year: 2024}
}

// ScanOption настраивает одно сканирование.
type ScanOption func(*scanOptions)

type scanOptions struct {
	progress func(Attempt)
}

// WithProgress вызывает fn после каждой команды.
func WithProgress(fn func(Attempt)) ScanOption {
	return func(o *scanOptions) { o.progress = fn }
}

// CommandCount - число команд полного сканирования.
func CommandCount() int {
	return len(obd.DTCCommands) + len(obd.LivePIDs) + 1
}

// Service последовательно опрашивает адаптер. Полные сканирования не
// пересекаются.
type Service struct {
	adapter Adapter
	vehicle Vehicle
	logger  *zap.Logger
	now     func() time.Time

	scanMu sync.Mutex

	phaseMu   sync.RWMutex
	lastPhase Phase
}

// NewService создаёт сервис диагностики.
func NewService(adapter Adapter, vehicle Vehicle, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultVehicle()
	if vehicle.VIN == "" {
		vehicle.VIN = def.VIN
	}
	return &Service{
		adapter:   adapter,
		vehicle:   vehicle,
		logger:    logger,
		now:       time.Now,
		lastPhase: PhaseNotConnected,
	}
}

// LastPhase - итоговый этап последнего полного сканирования.
func (s *Service) LastPhase() Phase {
	s.phaseMu.RLock()
	defer s.phaseMu.RUnlock()
	return s.lastPhase
}

func (s *Service) setPhase(p Phase) {
	s.phaseMu.Lock()
	s.lastPhase = p
	s.phaseMu.Unlock()
}

// Initialize включает канал, если он выключен.
func (s *Service) Initialize(ctx context.Context) error {
	enabled, err := s.adapter.IsEnabled(ctx)
	if err != nil {
		return fmt.Errorf("ошибка проверки канала: %w", err)
	}
	if enabled {
		return nil
	}
	if err := s.adapter.Enable(ctx); err != nil {
		return fmt.Errorf("ошибка включения канала: %w", err)
	}
	return nil
}

func (s *Service) ScanForDevices(ctx context.Context) ([]common.OBDDevice, error) {
	return s.adapter.Scan(ctx)
}

func (s *Service) ConnectToDevice(ctx context.Context, device common.OBDDevice) error {
	return s.adapter.Connect(ctx, device)
}

func (s *Service) Disconnect(ctx context.Context) error {
	return s.adapter.Disconnect(ctx)
}

func (s *Service) IsConnected() bool {
	return s.adapter.IsConnected()
}

func (s *Service) ConnectedDevice() (common.OBDDevice, bool) {
	return s.adapter.ConnectedDevice()
}

// recorder собирает попытки одного вызова.
type recorder struct {
	attempts []Attempt
	progress func(Attempt)
}

func (r *recorder) add(a Attempt) {
	if a.Err != nil {
		a.Reason = a.Err.Error()
	}
	r.attempts = append(r.attempts, a)
	if r.progress != nil {
		r.progress(a)
	}
}

// RunFullScan выполняет все этапы и возвращает снимок с журналом команд.
// Без подключения возвращает transport.ErrNotConnected, не отправив ни одной команды.
func (s *Service) RunFullScan(ctx context.Context, opts ...ScanOption) (*Report, error) {
	var o scanOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	device, ok := s.adapter.ConnectedDevice()
	if !ok {
		s.logger.Warn("Сканирование невозможно: устройство не подключено")
		s.setPhase(PhaseFailed)
		return nil, transport.ErrNotConnected
	}

	rec := &recorder{progress: o.progress}
	started := s.now()

	s.logger.Debug("Чтение кодов неисправностей", zap.String("device", device.ID))
	dtcs := s.readDTCs(ctx, rec)

	s.logger.Debug("Чтение живых данных")
	live := s.readLiveData(ctx, rec)

	s.logger.Debug("Чтение идентификации автомобиля")
	info, placeholder := s.readVehicleInfo(ctx, rec)

	report := &Report{
		Diagnostics: common.VehicleDiagnostics{
			DTCs:        dtcs,
			LiveData:    live,
			VehicleInfo: info,
			LastScan:    s.now().UnixMilli(),
		},
		Device:         device,
		Attempts:       rec.attempts,
		PlaceholderVIN: placeholder,
		Phase:          PhaseSnapshotAssembled,
	}
	s.setPhase(PhaseSnapshotAssembled)

	s.logger.Info("Сканирование завершено",
		zap.Int("dtcs", len(dtcs)),
		zap.Int("live_data", len(live)),
		zap.Int("skipped", len(report.Filter(OutcomeSkipped))),
		zap.Int("failed", len(report.Filter(OutcomeFailed))),
		zap.Duration("took", s.now().Sub(started)))
	return report, nil
}

// RunFullDiagnostics возвращает только снимок.
func (s *Service) RunFullDiagnostics(ctx context.Context) (common.VehicleDiagnostics, error) {
	report, err := s.RunFullScan(ctx)
	if err != nil {
		return common.VehicleDiagnostics{}, err
	}
	return report.Diagnostics, nil
}

// ReadDiagnosticTroubleCodes опрашивает 03, 07 и 0A и возвращает коды без повторов.
func (s *Service) ReadDiagnosticTroubleCodes(ctx context.Context) ([]common.DiagnosticTroubleCode, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if !s.adapter.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	return s.readDTCs(ctx, &recorder{}), nil
}

// ReadLiveData опрашивает все PID живых данных.
func (s *Service) ReadLiveData(ctx context.Context) ([]common.LiveDataPoint, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if !s.adapter.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	return s.readLiveData(ctx, &recorder{}), nil
}

// ReadVehicleInfo читает VIN; при неудаче подставляет VIN из конфигурации.
func (s *Service) ReadVehicleInfo(ctx context.Context) (common.VehicleInfo, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if !s.adapter.IsConnected() {
		return common.VehicleInfo{}, transport.ErrNotConnected
	}
	info, _ := s.readVehicleInfo(ctx, &recorder{})
	return info, nil
}

// ClearTroubleCodes отправляет режим 04. Адаптер должен подтвердить сброс
// ответом, начинающимся с 44, или OK.
func (s *Service) ClearTroubleCodes(ctx context.Context) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if !s.adapter.IsConnected() {
		return transport.ErrNotConnected
	}

	resp, err := s.adapter.Write(ctx, obd.ModeClearDTC)
	if err != nil {
		return fmt.Errorf("ошибка сброса кодов неисправностей: %w", err)
	}
	clean := obd.Clean(resp.Response)
	if !strings.HasPrefix(clean, "44") && clean != "OK" {
		return fmt.Errorf("адаптер не подтвердил сброс кодов: %q", resp.Response)
	}
	s.logger.Info("Коды неисправностей сброшены")
	return nil
}

func (s *Service) readDTCs(ctx context.Context, rec *recorder) []common.DiagnosticTroubleCode {
	all := make([]common.DiagnosticTroubleCode, 0)
	for _, mode := range obd.DTCCommands {
		attempt := Attempt{Phase: PhaseReadingDTCs, Command: mode}

		resp, err := s.adapter.Write(ctx, mode)
		if err != nil {
			s.logger.Warn("Ошибка чтения кодов неисправностей", zap.String("command", mode), zap.Error(err))
			attempt.Outcome, attempt.Err = OutcomeFailed, err
			rec.add(attempt)
			continue
		}
		attempt.Response = resp.Response
		if err := obd.CheckResponse(mode, resp.Response); err != nil {
			s.logger.Warn("Чужой ответ на чтение кодов", zap.String("command", mode), zap.Error(err))
			attempt.Outcome, attempt.Err = OutcomeFailed, err
			rec.add(attempt)
			continue
		}

		for _, frag := range obd.SplitDTCFragments(resp.Response, mode) {
			code, err := dtc.Parse(frag)
			if err != nil {
				s.logger.Debug("Фрагмент пропущен", zap.String("command", mode), zap.String("fragment", frag), zap.Error(err))
				continue
			}
			attempt.Codes = append(attempt.Codes, code.Code)
			all = append(all, code)
		}
		attempt.Outcome = OutcomeOK
		rec.add(attempt)
	}
	return dtc.Dedup(all)
}

func (s *Service) readLiveData(ctx context.Context, rec *recorder) []common.LiveDataPoint {
	points := make([]common.LiveDataPoint, 0, len(obd.LivePIDs))
	for _, pid := range obd.LivePIDs {
		cmd := pid.Command()
		attempt := Attempt{Phase: PhaseReadingLiveData, Command: cmd, Parameter: string(pid.Name)}

		resp, err := s.adapter.Write(ctx, cmd)
		if err != nil {
			s.logger.Warn("Ошибка чтения параметра",
				zap.String("parameter", string(pid.Name)),
				zap.String("command", cmd),
				zap.Error(err))
			attempt.Outcome, attempt.Err = OutcomeFailed, err
			rec.add(attempt)
			continue
		}
		attempt.Response = resp.Response
		if err := obd.CheckResponse(cmd, resp.Response); err != nil {
			s.logger.Warn("Чужой ответ на запрос параметра",
				zap.String("parameter", string(pid.Name)),
				zap.String("command", cmd),
				zap.Error(err))
			attempt.Outcome, attempt.Err = OutcomeFailed, err
			rec.add(attempt)
			continue
		}

		value, err := obd.Decode(resp.Response, pid.Name)
		if err != nil {
			if !errors.Is(err, obd.ErrNoData) {
				s.logger.Debug("Параметр пропущен",
					zap.String("parameter", string(pid.Name)),
					zap.String("response", resp.Response),
					zap.Error(err))
			}
			attempt.Outcome, attempt.Err = OutcomeSkipped, err
			rec.add(attempt)
			continue
		}

		attempt.Outcome, attempt.Value = OutcomeOK, &value
		rec.add(attempt)
		points = append(points, common.LiveDataPoint{
			Name:      string(pid.Name),
			Value:     value,
			Unit:      pid.Unit,
			Timestamp: resp.Timestamp,
		})
	}
	return points
}

func (s *Service) readVehicleInfo(ctx context.Context, rec *recorder) (common.VehicleInfo, bool) {
	info := common.VehicleInfo{
		VIN:   s.vehicle.VIN,
		Make:  s.vehicle.Make,
		Model: s.vehicle.Model,
		Year:  s.vehicle.Year,
	}
	attempt := Attempt{Phase: PhaseReadingVehicleInfo, Command: obd.CommandVIN}

	resp, err := s.adapter.Write(ctx, obd.CommandVIN)
	if err != nil {
		s.logger.Warn("Ошибка чтения VIN", zap.Error(err))
		attempt.Outcome, attempt.Err = OutcomeFailed, err
		rec.add(attempt)
		return info, true
	}
	attempt.Response = resp.Response
	if err := obd.CheckResponse(obd.CommandVIN, resp.Response); err != nil {
		s.logger.Warn("Чужой ответ на запрос VIN", zap.Error(err))
		attempt.Outcome, attempt.Err = OutcomeFailed, err
		rec.add(attempt)
		return info, true
	}

	vin, err := obd.DecodeVIN(resp.Response)
	if err != nil {
		s.logger.Debug("VIN не разобран", zap.String("response", resp.Response), zap.Error(err))
		attempt.Outcome, attempt.Err = OutcomeSkipped, err
		rec.add(attempt)
		return info, true
	}

	attempt.Outcome = OutcomeOK
	rec.add(attempt)
	info.VIN = vin
	return info, false
}
