package transport

import (
	"sync"

	"github.com/serebryakov7/obd-stats/common"
)

// ConnectionListener получает новое подключённое устройство или nil после
// отключения. Уведомления приходят по одному в порядке смены состояния;
// вызывать Connect или Disconnect из обработчика синхронно нельзя.
type ConnectionListener interface {
	ConnectionChanged(device *common.OBDDevice)
}

// ListenerFunc позволяет использовать функцию как ConnectionListener.
type ListenerFunc func(device *common.OBDDevice)

func (f ListenerFunc) ConnectionChanged(device *common.OBDDevice) { f(device) }

// ListenerID идентифицирует подписку для RemoveListener.
type ListenerID uint64

type listenerEntry struct {
	id       ListenerID
	listener ConnectionListener
}

// listeners хранит подписчиков под собственной блокировкой, независимой от
// блокировки команд.
type listeners struct {
	mu      sync.Mutex
	next    ListenerID
	entries []listenerEntry

	// notifyMu упорядочивает доставку, delivered - последний доставленный seq.
	notifyMu  sync.Mutex
	delivered uint64
}

func (l *listeners) add(listener ConnectionListener) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.entries = append(l.entries, listenerEntry{id: l.next, listener: listener})
	return l.next
}

func (l *listeners) remove(id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := make([]listenerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}

// notify вызывает подписчиков в порядке подписки вне блокировки списка.
// Уведомление, обогнанное более новым (seq меньше доставленного), отбрасывается.
func (l *listeners) notify(seq uint64, device *common.OBDDevice) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if seq <= l.delivered {
		return
	}
	l.delivered = seq

	l.mu.Lock()
	snapshot := l.entries
	l.mu.Unlock()

	for _, e := range snapshot {
		var d *common.OBDDevice
		if device != nil {
			cp := *device
			d = &cp
		}
		e.listener.ConnectionChanged(d)
	}
}
