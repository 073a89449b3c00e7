// Package transport управляет каналом до адаптера ELM327: поиск устройств,
// подключение, единственный активный запрос и уведомления о смене состояния.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/serebryakov7/obd-stats/common"
)

// LinkType определяет вид канала до адаптера.
type LinkType string

const (
	// LinkSerial - последовательный порт, в том числе /dev/rfcomm*, привязанный ОС.
	LinkSerial LinkType = "serial"
	// LinkRFCOMM - сокет Bluetooth RFCOMM (только Linux).
	LinkRFCOMM LinkType = "rfcomm"
	// LinkBLE - BLE UART адаптеры.
	LinkBLE LinkType = "ble"
)

// ParseLinkType разбирает строку из конфигурации.
func ParseLinkType(s string) (LinkType, error) {
	switch t := LinkType(strings.ToLower(strings.TrimSpace(s))); t {
	case LinkSerial, LinkRFCOMM, LinkBLE:
		return t, nil
	default:
		return "", fmt.Errorf("неподдерживаемый тип канала: %q. Используйте serial, rfcomm или ble", s)
	}
}

var (
	// ErrNotConnected - команда без подключённого устройства.
	ErrNotConnected = errors.New("transport: устройство не подключено")
	// ErrAlreadyConnected - попытка второго подключения; сначала нужно отключиться.
	ErrAlreadyConnected = errors.New("transport: устройство уже подключено")
	// ErrDisabled - радиомодуль или стек Bluetooth недоступен.
	ErrDisabled = errors.New("transport: bluetooth недоступен")
)

// AdapterError - адаптер ответил на команду ошибкой (?, UNABLE TO CONNECT и т.п.).
type AdapterError struct {
	Command string
	Reply   string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("адаптер вернул ошибку на %s: %s", e.Command, e.Reply)
}

// Link - байтовый канал до адаптера. Read обязан возвращать управление по
// собственному таймауту чтения (0 байт и nil либо io.EOF).
type Link interface {
	io.ReadWriteCloser
	// Flush отбрасывает непрочитанные входящие данные.
	Flush() error
}

// Driver создаёт каналы определённого типа.
type Driver interface {
	Type() LinkType
	Enabled(ctx context.Context) (bool, error)
	Enable(ctx context.Context) error
	Scan(ctx context.Context) ([]common.OBDDevice, error)
	Dial(ctx context.Context, device common.OBDDevice) (Link, error)
}

type dialResult[T any] struct {
	conn T
	err  error
}

// awaitDial ждёт подключения, запущенного в отдельной горутине. Если ctx
// отменён раньше, результат дочитывается в фоне и передаётся release, чтобы
// соединение, установленное после отмены, не осталось открытым.
func awaitDial[T any](ctx context.Context, results <-chan dialResult[T], release func(T, error)) (T, error) {
	select {
	case res := <-results:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			res := <-results
			release(res.conn, res.err)
		}()
		var zero T
		return zero, ctx.Err()
	}
}
