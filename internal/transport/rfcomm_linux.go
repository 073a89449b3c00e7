//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/serebryakov7/obd-stats/common"
)

// Enabled проверяет, что ядро умеет открывать RFCOMM сокеты.
func (d *RFCOMMDriver) Enabled(context.Context) (bool, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		if errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.EPROTONOSUPPORT) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка проверки RFCOMM сокета: %w", err)
	}
	unix.Close(fd)
	return true, nil
}

// Enable не может включить радио сам: если стек недоступен, возвращает ErrDisabled.
func (d *RFCOMMDriver) Enable(ctx context.Context) error {
	ok, err := d.Enabled(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: включите адаптер (rfkill unblock bluetooth)", ErrDisabled)
	}
	return nil
}

// Dial открывает RFCOMM сокет до устройства.
func (d *RFCOMMDriver) Dial(ctx context.Context, device common.OBDDevice) (Link, error) {
	addr, err := parseBDAddr(device.Address)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания RFCOMM сокета: %w", err)
	}

	results := make(chan dialResult[int], 1)
	go func() {
		results <- dialResult[int]{fd, unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: d.cfg.Channel})}
	}()

	// shutdown прерывает connect, дескриптор закрывается после его возврата
	stop := context.AfterFunc(ctx, func() { unix.Shutdown(fd, unix.SHUT_RDWR) })
	_, err = awaitDial(ctx, results, func(fd int, _ error) { unix.Close(fd) })
	stop()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("подключение к %s прервано: %w", device.Address, err)
	case err != nil:
		unix.Close(fd)
		return nil, fmt.Errorf("ошибка подключения к %s: %w", device.Address, err)
	}

	tv := unix.NsecToTimeval(d.cfg.ReadTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ошибка установки таймаута чтения: %w", err)
	}

	return &rfcommLink{fd: fd}, nil
}

type rfcommLink struct {
	fd int
}

// Read возвращает 0, nil по таймауту чтения.
func (l *rfcommLink) Read(p []byte) (int, error) {
	n, err := unix.Read(l.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.ErrClosedPipe
	}
	return n, nil
}

func (l *rfcommLink) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(l.fd, p[written:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return written, err
		}
		written += n
	}
	return written, nil
}

func (l *rfcommLink) Flush() error {
	buf := make([]byte, 256)
	for {
		n, _, err := unix.Recvfrom(l.fd, buf, unix.MSG_DONTWAIT)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (l *rfcommLink) Close() error {
	return unix.Close(l.fd)
}
