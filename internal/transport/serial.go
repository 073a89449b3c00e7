package transport

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tarm/serial"
	bugst "go.bug.st/serial"

	"github.com/serebryakov7/obd-stats/common"
)

// SerialConfig - настройки последовательного канала.
type SerialConfig struct {
	Baud        int
	ReadTimeout time.Duration
	// Ports - порты из конфигурации; добавляются к найденным системой.
	Ports []string
	// Prefixes ограничивает список найденных портов (например /dev/rfcomm, /dev/ttyUSB).
	Prefixes []string
}

// SerialDriver открывает последовательный порт. Bluetooth SPP адаптеры
// доступны через /dev/rfcomm* после привязки средствами ОС.
type SerialDriver struct {
	cfg       SerialConfig
	listPorts func() ([]string, error)
}

// NewSerialDriver создаёт драйвер последовательного порта.
func NewSerialDriver(cfg SerialConfig) *SerialDriver {
	if cfg.Baud <= 0 {
		cfg.Baud = 38400
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &SerialDriver{cfg: cfg, listPorts: bugst.GetPortsList}
}

func (d *SerialDriver) Type() LinkType { return LinkSerial }

// Enabled всегда true: последовательному порту не нужен радиомодуль.
func (d *SerialDriver) Enabled(context.Context) (bool, error) { return true, nil }

func (d *SerialDriver) Enable(context.Context) error { return nil }

// Scan перечисляет порты системы и порты из конфигурации.
func (d *SerialDriver) Scan(context.Context) ([]common.OBDDevice, error) {
	ports, err := d.listPorts()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка портов: %w", err)
	}

	seen := make(map[string]bool)
	var devices []common.OBDDevice
	add := func(port string) {
		if port == "" || seen[port] {
			return
		}
		seen[port] = true
		devices = append(devices, common.OBDDevice{
			ID:      port,
			Name:    filepath.Base(port),
			Address: port,
		})
	}

	for _, p := range d.cfg.Ports {
		add(p)
	}
	for _, p := range ports {
		if d.matches(p) {
			add(p)
		}
	}
	return devices, nil
}

func (d *SerialDriver) matches(port string) bool {
	if len(d.cfg.Prefixes) == 0 {
		return true
	}
	for _, prefix := range d.cfg.Prefixes {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	return false
}

// Dial открывает порт устройства. *serial.Port уже реализует Link.
func (d *SerialDriver) Dial(_ context.Context, device common.OBDDevice) (Link, error) {
	name := device.Address
	if name == "" {
		name = device.ID
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        d.cfg.Baud,
		ReadTimeout: d.cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия порта %s: %w", name, err)
	}
	return port, nil
}
