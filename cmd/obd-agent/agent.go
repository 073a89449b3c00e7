package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/api"
	"github.com/serebryakov7/obd-stats/internal/config"
	"github.com/serebryakov7/obd-stats/internal/diagnostics"
	"github.com/serebryakov7/obd-stats/internal/obd"
	"github.com/serebryakov7/obd-stats/internal/transport"
	"github.com/serebryakov7/obd-stats/pkg/mqtt"
	"github.com/serebryakov7/obd-stats/pkg/storage"
)

const scanJobName = "obd-scan"

var errNoReplies = errors.New("адаптер не ответил ни на одну команду")

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Периодическая диагностика с публикацией в MQTT и HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		logger.Info("Запуск агента OBD-II", zap.String("version", rootCmd.Version), zap.String("link", cfg.Link.Type))
		return runAgent(cmd.Context(), cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

// publisher - получатель новых кодов неисправностей и снимков.
type publisher interface {
	PublishDTC(dtc common.DiagnosticTroubleCode) bool
	PublishData()
}

// snapshotArchive - долговременное хранилище снимков.
type snapshotArchive interface {
	InsertDiagnostics(ctx context.Context, device common.OBDDevice, d common.VehicleDiagnostics) error
}

// Agent связывает сервис диагностики с хранилищем, MQTT и HTTP API.
type Agent struct {
	cfg       *config.Config
	service   *diagnostics.Service
	db        *bolt.DB
	latest    *LatestData
	publisher publisher
	archive   snapshotArchive
	logger    *zap.Logger
}

func runAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	service, adapter, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer service.Disconnect(context.Background())

	db, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	a := &Agent{
		cfg:     cfg,
		service: service,
		db:      db,
		latest:  NewLatestData(),
		logger:  logger.Named("agent"),
	}

	adapter.AddListener(transport.ListenerFunc(func(device *common.OBDDevice) {
		if device == nil {
			a.logger.Warn("Адаптер отключён")
			return
		}
		a.logger.Info("Адаптер подключён", zap.String("device", device.Name), zap.String("address", device.Address))
	}))

	if cfg.Mongo.URI != "" {
		client, err := storage.ConnectMongo(ctx, cfg.Mongo.URI)
		if err != nil {
			return err
		}
		defer client.Disconnect(context.Background())
		a.archive = storage.NewArchive(client, cfg.Mongo.Database, cfg.Mongo.Collection)
		a.logger.Info("Архив MongoDB подключён", zap.String("database", cfg.Mongo.Database), zap.String("collection", cfg.Mongo.Collection))
	}

	if cfg.MQTT.Enabled {
		mqttClient := mqtt.NewClient(mqttConfig(cfg.MQTT), logger.Named("mqtt"),
			func() json.Marshaler {
				if _, ok := a.latest.Get(); !ok {
					return nil
				}
				return a.latest.Copy()
			},
			func(cmd common.ServerCommand) (string, error) {
				return a.handleCommand(ctx, cmd)
			})
		if err := mqttClient.Connect(); err != nil {
			return err
		}
		defer mqttClient.Disconnect()

		mqttClient.StartPublishing()
		defer mqttClient.StopPublishing()
		a.publisher = mqttClient
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		server := api.NewServer(cfg.HTTP, service, boltHistory{db: db}, api.Hooks{
			OnReport: func(report *diagnostics.Report) { a.handleReport(context.Background(), report) },
			OnClear:  a.forgetDTCs,
		}, logger.Named("api"))

		g.Go(func() error {
			a.logger.Info("HTTP API запущен", zap.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ошибка HTTP сервера: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return a.schedule(gctx)
	})

	err = g.Wait()
	a.logger.Info("Агент остановлен")
	return err
}

func mqttConfig(cfg config.MQTTConfig) mqtt.MQTTConfig {
	return mqtt.MQTTConfig{
		Broker:         cfg.Broker,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Topic:          cfg.Topic,
		DTCTopic:       cfg.DTCTopic,
		CommandTopic:   cfg.CommandTopic,
		UpdateInterval: cfg.UpdateInterval,
	}
}

func (a *Agent) trigger() (quartz.Trigger, error) {
	if a.cfg.Agent.Schedule != "" {
		return quartz.NewCronTrigger(a.cfg.Agent.Schedule)
	}
	return quartz.NewSimpleTrigger(a.cfg.Agent.ScanInterval), nil
}

// schedule выполняет первое сканирование сразу, следующие по расписанию,
// до отмены ctx.
func (a *Agent) schedule(ctx context.Context) error {
	trigger, err := a.trigger()
	if err != nil {
		return fmt.Errorf("некорректное расписание: %w", err)
	}

	sched := quartz.NewStdScheduler()
	sched.Start(ctx)

	scanJob := job.NewFunctionJob(func(ctx context.Context) (int, error) {
		report, err := a.scan(ctx)
		if err != nil {
			return 0, err
		}
		return len(report.Diagnostics.DTCs), nil
	})
	if err := sched.ScheduleJob(quartz.NewJobDetail(scanJob, quartz.NewJobKey(scanJobName)), trigger); err != nil {
		return fmt.Errorf("ошибка планирования сканирования: %w", err)
	}
	a.logger.Info("Сканирование запланировано", zap.String("trigger", trigger.Description()))

	if _, err := a.scan(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("Первое сканирование не выполнено", zap.Error(err))
	}

	<-ctx.Done()
	sched.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	sched.Wait(waitCtx)
	return nil
}

// ensureConnected подключается к адаптеру из конфигурации, а если он не
// задан, к первому найденному.
func (a *Agent) ensureConnected(ctx context.Context) error {
	if a.service.IsConnected() {
		return nil
	}
	device, ok := configuredDevice(a.cfg.Link)
	if !ok {
		devices, err := a.service.ScanForDevices(ctx)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return errNoDevices
		}
		device = devices[0]
	}
	return a.service.ConnectToDevice(ctx, device)
}

// scan выполняет полное сканирование и обрабатывает его результат.
func (a *Agent) scan(ctx context.Context) (*diagnostics.Report, error) {
	if err := a.ensureConnected(ctx); err != nil {
		a.logger.Warn("Адаптер недоступен", zap.Error(err))
		return nil, err
	}

	report, err := a.service.RunFullScan(ctx)
	if err != nil {
		a.logger.Error("Ошибка сканирования", zap.Error(err))
		return nil, err
	}

	// все команды завершились ошибкой канала - адаптер, вероятно, потерян
	if noReplies(report) {
		if ctx.Err() == nil {
			a.logger.Warn("Ни одна команда не выполнена, переподключение при следующем сканировании")
			if err := a.service.Disconnect(ctx); err != nil {
				a.logger.Warn("Ошибка отключения", zap.Error(err))
			}
		}
		return nil, errNoReplies
	}

	a.handleReport(ctx, report)
	return report, nil
}

func noReplies(report *diagnostics.Report) bool {
	return len(report.Attempts) > 0 && len(report.Filter(diagnostics.OutcomeFailed)) == len(report.Attempts)
}

// dtcReadComplete сообщает, что все команды чтения кодов получили ответ.
// Только по такому сканированию можно судить, какие коды пропали.
func dtcReadComplete(report *diagnostics.Report) bool {
	for _, mode := range obd.DTCCommands {
		attempt, ok := report.Attempt(mode)
		if !ok || attempt.Outcome != diagnostics.OutcomeOK {
			return false
		}
	}
	return true
}

// handleReport сохраняет снимок и публикует впервые увиденные коды.
func (a *Agent) handleReport(ctx context.Context, report *diagnostics.Report) {
	if noReplies(report) {
		a.logger.Warn("Снимок без единого ответа адаптера не сохраняется")
		return
	}
	a.latest.Set(report)
	a.publishNewDTCs(report.Diagnostics.DTCs, dtcReadComplete(report))

	if err := storage.SaveSnapshot(a.db, report.Diagnostics); err != nil {
		a.logger.Error("Ошибка сохранения снимка", zap.Error(err))
	}
	if a.archive != nil {
		if err := a.archive.InsertDiagnostics(ctx, report.Device, report.Diagnostics); err != nil {
			a.logger.Error("Ошибка записи в архив", zap.Error(err))
		}
	}
}

// publishNewDTCs публикует коды, которых не было в прошлых сканированиях.
// Код, не доставленный в MQTT, остаётся новым. Пропавшие коды забываются,
// только если complete: после неудачного чтения их отсутствие ничего не значит.
func (a *Agent) publishNewDTCs(dtcs []common.DiagnosticTroubleCode, complete bool) {
	present := make([]string, 0, len(dtcs))
	for _, dtc := range dtcs {
		present = append(present, dtc.Code)

		isNew, err := storage.IsNew(a.db, dtc.Code)
		if err != nil {
			a.logger.Error("Ошибка проверки кода в хранилище", zap.String("code", dtc.Code), zap.Error(err))
			continue
		}
		if !isNew {
			a.logger.Debug("Код уже известен", zap.String("code", dtc.Code))
			continue
		}

		a.logger.Info("Новый код неисправности",
			zap.String("code", dtc.Code),
			zap.String("severity", string(dtc.Severity)),
			zap.String("description", dtc.Description))
		if a.publisher == nil {
			continue
		}
		if !a.publisher.PublishDTC(dtc) {
			if err := storage.Remove(a.db, dtc.Code); err != nil {
				a.logger.Error("Ошибка отката кода", zap.String("code", dtc.Code), zap.Error(err))
			}
		}
	}

	if !complete {
		a.logger.Debug("Чтение кодов неполное, журнал кодов не очищается")
		return
	}
	removed, err := storage.Prune(a.db, present)
	if err != nil {
		a.logger.Error("Ошибка очистки пропавших кодов", zap.Error(err))
		return
	}
	if len(removed) > 0 {
		a.logger.Info("Коды больше не активны", zap.Strings("codes", removed))
	}
}

func (a *Agent) forgetDTCs() {
	if err := storage.ClearAll(a.db); err != nil {
		a.logger.Error("Ошибка очистки журнала кодов", zap.Error(err))
		return
	}
	a.logger.Info("Журнал кодов очищен")
}

// handleCommand выполняет команду, полученную через MQTT.
func (a *Agent) handleCommand(ctx context.Context, cmd common.ServerCommand) (string, error) {
	a.logger.Info("Получена команда", zap.String("id", cmd.ID), zap.String("type", string(cmd.Type)))

	switch cmd.Type {
	case common.CommandTypeRunScan:
		report, err := a.scan(ctx)
		if err != nil {
			return "", err
		}
		if a.publisher != nil && (cmd.Params.Publish == nil || *cmd.Params.Publish) {
			a.publisher.PublishData()
		}
		return fmt.Sprintf("сканирование завершено: кодов %d, параметров %d",
			len(report.Diagnostics.DTCs), len(report.Diagnostics.LiveData)), nil

	case common.CommandTypeClearDTCs:
		if err := a.ensureConnected(ctx); err != nil {
			return "", err
		}
		if err := a.service.ClearTroubleCodes(ctx); err != nil {
			return "", err
		}
		a.forgetDTCs()
		return "коды неисправностей сброшены", nil

	default:
		return "", fmt.Errorf("неизвестный тип команды: %q", cmd.Type)
	}
}

// boltHistory отдаёт HTTP API снимки из локальной БД.
type boltHistory struct {
	db *bolt.DB
}

func (h boltHistory) Last() (common.VehicleDiagnostics, bool, error) {
	return storage.LastSnapshot(h.db)
}

func (h boltHistory) Recent(limit int) ([]common.VehicleDiagnostics, error) {
	return storage.Snapshots(h.db, limit)
}
