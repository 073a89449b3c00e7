package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/protocol"
)

// Options - параметры работы адаптера.
type Options struct {
	// CommandTimeout ограничивает ожидание ответа на одну команду.
	CommandTimeout time.Duration
	// ConnectAttempts - число попыток подключения и инициализации.
	ConnectAttempts uint
	RetryDelay      time.Duration
	// InitDelay - пауза между командами инициализации.
	InitDelay time.Duration
}

// DefaultOptions возвращает значения по умолчанию.
func DefaultOptions() Options {
	return Options{
		CommandTimeout:  5 * time.Second,
		ConnectAttempts: 3,
		RetryDelay:      time.Second,
		InitDelay:       100 * time.Millisecond,
	}
}

// Adapter владеет каналом до единственного подключённого адаптера ELM327.
// Команды выполняются строго по одной.
type Adapter struct {
	driver    Driver
	opts      Options
	logger    *zap.Logger
	listeners listeners
	now       func() time.Time

	// cmdMu удерживается на весь цикл запрос-ответ, а также при подключении
	// и отключении.
	cmdMu sync.Mutex

	stateMu sync.RWMutex
	device  *common.OBDDevice
	link    Link
	version string
	// stale - после таймаута в канале может прийти запоздавший ответ.
	stale bool
	// seq растёт при каждой смене состояния подключения.
	seq uint64
}

// NewAdapter создаёт адаптер поверх драйвера.
func NewAdapter(driver Driver, opts Options, logger *zap.Logger) *Adapter {
	def := DefaultOptions()
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.ConnectAttempts == 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.InitDelay < 0 {
		opts.InitDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		driver: driver,
		opts:   opts,
		logger: logger.With(zap.String("link", string(driver.Type()))),
		now:    time.Now,
	}
}

// IsEnabled сообщает, доступен ли канал (радиомодуль, стек Bluetooth).
func (a *Adapter) IsEnabled(ctx context.Context) (bool, error) {
	return a.driver.Enabled(ctx)
}

// Enable включает канал, если это возможно.
func (a *Adapter) Enable(ctx context.Context) error {
	return a.driver.Enable(ctx)
}

// Scan ищет доступные адаптеры. Подключённое устройство помечается Connected.
func (a *Adapter) Scan(ctx context.Context) ([]common.OBDDevice, error) {
	devices, err := a.driver.Scan(ctx)
	if err != nil {
		return nil, err
	}
	if current, ok := a.ConnectedDevice(); ok {
		for i := range devices {
			devices[i].Connected = devices[i].ID == current.ID
		}
	}
	return devices, nil
}

// Connect открывает канал до устройства и инициализирует адаптер.
// Повторное подключение без Disconnect возвращает ErrAlreadyConnected.
func (a *Adapter) Connect(ctx context.Context, device common.OBDDevice) error {
	a.cmdMu.Lock()

	if a.IsConnected() {
		a.cmdMu.Unlock()
		return ErrAlreadyConnected
	}

	var (
		link    Link
		version string
	)
	err := retry.Do(
		func() error {
			l, err := a.driver.Dial(ctx, device)
			if err != nil {
				return err
			}
			initCtx, cancel := context.WithTimeout(ctx, a.initTimeout())
			defer cancel()
			v, err := protocol.Initialize(initCtx, l, a.opts.InitDelay, a.logger)
			if err != nil {
				if cerr := l.Close(); cerr != nil {
					a.logger.Warn("Ошибка закрытия канала после неудачной инициализации", zap.Error(cerr))
				}
				return err
			}
			link, version = l, v
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(a.opts.ConnectAttempts),
		retry.Delay(a.opts.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Warn("Повторная попытка подключения",
				zap.String("device", device.ID),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		a.cmdMu.Unlock()
		return fmt.Errorf("не удалось подключиться к %s: %w", device.ID, err)
	}

	connected := device
	connected.Connected = true

	a.stateMu.Lock()
	a.device = &connected
	a.link = link
	a.version = version
	a.stale = false
	a.seq++
	seq := a.seq
	a.stateMu.Unlock()
	a.cmdMu.Unlock()

	a.logger.Info("Адаптер подключён",
		zap.String("device", device.ID),
		zap.String("name", device.Name),
		zap.String("version", version))
	a.listeners.notify(seq, &connected)
	return nil
}

func (a *Adapter) initTimeout() time.Duration {
	return a.opts.CommandTimeout*time.Duration(len(protocol.InitCommands)) +
		a.opts.InitDelay*time.Duration(len(protocol.InitCommands))
}

// Disconnect закрывает канал. Без подключения ничего не делает.
// Ждёт завершения выполняющейся команды.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.cmdMu.Lock()

	a.stateMu.Lock()
	link, device := a.link, a.device
	if link == nil {
		a.stateMu.Unlock()
		a.cmdMu.Unlock()
		return nil
	}
	a.link, a.device, a.version, a.stale = nil, nil, "", false
	a.seq++
	seq := a.seq
	a.stateMu.Unlock()
	a.cmdMu.Unlock()

	err := link.Close()
	if err != nil {
		a.logger.Warn("Ошибка закрытия канала", zap.String("device", device.ID), zap.Error(err))
		err = fmt.Errorf("ошибка закрытия канала %s: %w", device.ID, err)
	}
	a.logger.Info("Адаптер отключён", zap.String("device", device.ID))
	a.listeners.notify(seq, nil)
	return err
}

// Write отправляет одну команду и возвращает нормализованный ответ.
// NO DATA - обычный ответ; ошибки адаптера возвращаются как *AdapterError.
func (a *Adapter) Write(ctx context.Context, command string) (common.OBDResponse, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.stateMu.RLock()
	link, stale := a.link, a.stale
	a.stateMu.RUnlock()
	if link == nil {
		return common.OBDResponse{}, ErrNotConnected
	}

	if stale {
		if err := a.resync(ctx, link); err != nil {
			return common.OBDResponse{}, err
		}
		a.setStale(false)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, a.opts.CommandTimeout)
	defer cancel()

	normalized := protocol.Normalize(command)
	reply, err := protocol.Exchange(cmdCtx, link, command)
	if err != nil {
		a.setStale(true)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("таймаут ответа на %s (%s): %w", normalized, a.opts.CommandTimeout, err)
		}
		return common.OBDResponse{}, err
	}

	a.logger.Debug("Ответ адаптера", zap.String("command", normalized), zap.String("reply", reply))

	if protocol.IsErrorReply(reply) {
		return common.OBDResponse{}, &AdapterError{Command: normalized, Reply: reply}
	}

	return common.OBDResponse{
		Command:   normalized,
		Response:  reply,
		Timestamp: a.now().UnixMilli(),
	}, nil
}

// resync отбрасывает запоздавшие ответы: Flush снимает уже принятые байты,
// а ответ на SyncCommand гарантирует, что ответ, ещё бывший в пути, тоже
// вычитан. При ошибке канал остаётся помеченным.
func (a *Adapter) resync(ctx context.Context, link Link) error {
	if err := link.Flush(); err != nil {
		a.logger.Warn("Ошибка очистки канала", zap.Error(err))
	}
	syncCtx, cancel := context.WithTimeout(ctx, a.opts.CommandTimeout)
	defer cancel()
	dropped, err := protocol.Resync(syncCtx, link)
	if err != nil {
		a.logger.Warn("Канал не синхронизирован", zap.Error(err))
		return err
	}
	if cleaned := protocol.CleanReply(dropped, ""); cleaned != "" {
		a.logger.Debug("Отброшены запоздавшие ответы", zap.String("dropped", cleaned))
	}
	return nil
}

func (a *Adapter) setStale(v bool) {
	a.stateMu.Lock()
	a.stale = v
	a.stateMu.Unlock()
}

// IsConnected не блокируется выполняющейся командой.
func (a *Adapter) IsConnected() bool {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.link != nil
}

// ConnectedDevice возвращает копию подключённого устройства.
func (a *Adapter) ConnectedDevice() (common.OBDDevice, bool) {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	if a.device == nil {
		return common.OBDDevice{}, false
	}
	return *a.device, true
}

// Version - строка версии из ответа на ATZ.
func (a *Adapter) Version() string {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.version
}

// AddListener подписывает на подключение и отключение.
func (a *Adapter) AddListener(l ConnectionListener) ListenerID {
	return a.listeners.add(l)
}

// RemoveListener отменяет подписку. Неизвестный id игнорируется.
func (a *Adapter) RemoveListener(id ListenerID) {
	a.listeners.remove(id)
}
