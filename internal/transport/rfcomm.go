package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/serebryakov7/obd-stats/common"
)

// RFCOMMConfig - настройки прямого RFCOMM сокета.
type RFCOMMConfig struct {
	// Channel - канал SPP, у адаптеров ELM327 почти всегда 1.
	Channel     uint8
	ReadTimeout time.Duration
	// Devices - сопряжённые адаптеры из конфигурации. Поиск устройств по
	// радио не выполняется, сопряжение делается средствами ОС.
	Devices []common.OBDDevice
}

// RFCOMMDriver подключается к адаптеру по Bluetooth Classic без привязки
// /dev/rfcomm*.
type RFCOMMDriver struct {
	cfg RFCOMMConfig
}

// NewRFCOMMDriver создаёт драйвер RFCOMM.
func NewRFCOMMDriver(cfg RFCOMMConfig) *RFCOMMDriver {
	if cfg.Channel == 0 {
		cfg.Channel = 1
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &RFCOMMDriver{cfg: cfg}
}

func (d *RFCOMMDriver) Type() LinkType { return LinkRFCOMM }

// Scan возвращает адаптеры из конфигурации.
func (d *RFCOMMDriver) Scan(context.Context) ([]common.OBDDevice, error) {
	out := make([]common.OBDDevice, len(d.cfg.Devices))
	copy(out, d.cfg.Devices)
	return out, nil
}

// parseBDAddr разбирает адрес вида 00:1D:A5:68:98:8B в порядок байт сокета
// (младший байт первым).
func parseBDAddr(s string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("некорректный адрес bluetooth: %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return addr, fmt.Errorf("некорректный адрес bluetooth: %q", s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("некорректный адрес bluetooth: %q", s)
		}
		addr[5-i] = byte(b)
	}
	return addr, nil
}
