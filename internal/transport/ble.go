package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/serebryakov7/obd-stats/common"
)

// BLE UART, который используют китайские клоны ELM327 (Vgate, Konnwei и т.п.).
const (
	DefaultBLEService = "0000fff0-0000-1000-8000-00805f9b34fb"
	DefaultBLERX      = "0000fff1-0000-1000-8000-00805f9b34fb"
	DefaultBLETX      = "0000fff2-0000-1000-8000-00805f9b34fb"
)

// bleMTU - размер одной записи без ответа для MTU по умолчанию.
const bleMTU = 20

var bleNameHints = []string{"OBD", "ELM", "VLINK", "V-LINK", "KONNWEI", "VGATE"}

// BLEConfig - настройки BLE канала.
type BLEConfig struct {
	ServiceUUID string
	// RXUUID - характеристика с уведомлениями от адаптера.
	RXUUID string
	// TXUUID - характеристика для записи команд.
	TXUUID      string
	ScanTimeout time.Duration
	ReadTimeout time.Duration
}

// BLEDriver работает с адаптерами через BLE UART.
type BLEDriver struct {
	cfg     BLEConfig
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	enabled bool
}

// NewBLEDriver создаёт драйвер для адаптера bluetooth по умолчанию.
func NewBLEDriver(cfg BLEConfig) *BLEDriver {
	if cfg.ServiceUUID == "" {
		cfg.ServiceUUID = DefaultBLEService
	}
	if cfg.RXUUID == "" {
		cfg.RXUUID = DefaultBLERX
	}
	if cfg.TXUUID == "" {
		cfg.TXUUID = DefaultBLETX
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &BLEDriver{cfg: cfg, adapter: bluetooth.DefaultAdapter}
}

func (d *BLEDriver) Type() LinkType { return LinkBLE }

// Enabled сообщает, был ли стек уже включён через Enable.
func (d *BLEDriver) Enabled(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled, nil
}

func (d *BLEDriver) Enable(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return nil
	}
	if err := d.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrDisabled, err)
	}
	d.enabled = true
	return nil
}

func (d *BLEDriver) ensureEnabled(ctx context.Context) error {
	ok, _ := d.Enabled(ctx)
	if ok {
		return nil
	}
	return d.Enable(ctx)
}

// Scan ищет адаптеры в течение ScanTimeout или до отмены ctx.
func (d *BLEDriver) Scan(ctx context.Context) ([]common.OBDDevice, error) {
	if err := d.ensureEnabled(ctx); err != nil {
		return nil, err
	}
	svc, err := bluetooth.ParseUUID(d.cfg.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("некорректный UUID сервиса %q: %w", d.cfg.ServiceUUID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ScanTimeout)
	defer cancel()

	var mu sync.Mutex
	var devices []common.OBDDevice
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.adapter.StopScan()
		case <-done:
		}
	}()

	err = d.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if !result.HasServiceUUID(svc) && !looksLikeOBD(name) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		if name == "" {
			name = addr
		}
		devices = append(devices, common.OBDDevice{ID: addr, Name: name, Address: addr})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ошибка поиска BLE устройств: %w", err)
	}
	return devices, nil
}

func looksLikeOBD(name string) bool {
	name = strings.ToUpper(name)
	for _, h := range bleNameHints {
		if strings.Contains(name, h) {
			return true
		}
	}
	return false
}

// Dial подключается к устройству и подписывается на уведомления RX.
func (d *BLEDriver) Dial(ctx context.Context, device common.OBDDevice) (Link, error) {
	if err := d.ensureEnabled(ctx); err != nil {
		return nil, err
	}
	svcUUID, err := bluetooth.ParseUUID(d.cfg.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("некорректный UUID сервиса %q: %w", d.cfg.ServiceUUID, err)
	}
	rxUUID, err := bluetooth.ParseUUID(d.cfg.RXUUID)
	if err != nil {
		return nil, fmt.Errorf("некорректный UUID RX %q: %w", d.cfg.RXUUID, err)
	}
	txUUID, err := bluetooth.ParseUUID(d.cfg.TXUUID)
	if err != nil {
		return nil, fmt.Errorf("некорректный UUID TX %q: %w", d.cfg.TXUUID, err)
	}

	var addr bluetooth.Address
	addr.Set(device.Address)

	results := make(chan dialResult[bluetooth.Device], 1)
	go func() {
		dev, err := d.adapter.Connect(addr, bluetooth.ConnectionParams{})
		results <- dialResult[bluetooth.Device]{dev, err}
	}()

	dev, err := awaitDial(ctx, results, func(dev bluetooth.Device, err error) {
		if err == nil {
			dev.Disconnect()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("подключение к %s прервано: %w", device.Address, err)
		}
		return nil, fmt.Errorf("ошибка подключения к %s: %w", device.Address, err)
	}

	svcs, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil || len(svcs) == 0 {
		dev.Disconnect()
		return nil, fmt.Errorf("сервис %s не найден на %s: %v", d.cfg.ServiceUUID, device.Address, err)
	}

	uuids := []bluetooth.UUID{rxUUID}
	if txUUID != rxUUID {
		uuids = append(uuids, txUUID)
	}
	chars, err := svcs[0].DiscoverCharacteristics(uuids)
	if err != nil {
		dev.Disconnect()
		return nil, fmt.Errorf("ошибка поиска характеристик на %s: %w", device.Address, err)
	}

	var rx, tx *bluetooth.DeviceCharacteristic
	for i := range chars {
		if chars[i].UUID() == rxUUID {
			rx = &chars[i]
		}
		if chars[i].UUID() == txUUID {
			tx = &chars[i]
		}
	}
	if rx == nil || tx == nil {
		dev.Disconnect()
		return nil, fmt.Errorf("характеристики RX/TX не найдены на %s", device.Address)
	}

	link := newBLELink(tx, dev.Disconnect, d.cfg.ReadTimeout)
	if err := rx.EnableNotifications(link.push); err != nil {
		dev.Disconnect()
		return nil, fmt.Errorf("ошибка подписки на уведомления %s: %w", device.Address, err)
	}
	return link, nil
}

type bleWriter interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// bleLink превращает уведомления BLE в поток байт.
type bleLink struct {
	tx          bleWriter
	disconnect  func() error
	readTimeout time.Duration

	mu    sync.Mutex
	buf   bytes.Buffer
	ready chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newBLELink(tx bleWriter, disconnect func() error, readTimeout time.Duration) *bleLink {
	return &bleLink{
		tx:          tx,
		disconnect:  disconnect,
		readTimeout: readTimeout,
		ready:       make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

func (l *bleLink) push(p []byte) {
	l.mu.Lock()
	l.buf.Write(p)
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *bleLink) drain(p []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() == 0 {
		return 0
	}
	n, _ := l.buf.Read(p)
	return n
}

func (l *bleLink) Read(p []byte) (int, error) {
	if n := l.drain(p); n > 0 {
		return n, nil
	}

	timer := time.NewTimer(l.readTimeout)
	defer timer.Stop()
	select {
	case <-l.closed:
		return 0, io.ErrClosedPipe
	case <-timer.C:
		return 0, nil
	case <-l.ready:
		return l.drain(p), nil
	}
}

func (l *bleLink) Write(p []byte) (int, error) {
	select {
	case <-l.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	written := 0
	for written < len(p) {
		end := written + bleMTU
		if end > len(p) {
			end = len(p)
		}
		n, err := l.tx.WriteWithoutResponse(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (l *bleLink) Flush() error {
	l.mu.Lock()
	l.buf.Reset()
	l.mu.Unlock()
	select {
	case <-l.ready:
	default:
	}
	return nil
}

func (l *bleLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.disconnect != nil {
			err = l.disconnect()
		}
	})
	return err
}
