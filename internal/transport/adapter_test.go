package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/protocol"
)

// fakeLink отвечает на команды по таблице, как ELM327 с выключенным эхом.
type fakeLink struct {
	mu       sync.Mutex
	replies  map[string]string
	hang     map[string]bool
	buf      []byte
	late     string
	writes   []string
	flushes  int
	closed   bool
	inFlight bool
	overlap  bool
}

func newFakeLink(replies map[string]string) *fakeLink {
	r := map[string]string{
		"ATZ":   "ELM327 v1.5",
		"ATE0":  "OK",
		"ATL0":  "OK",
		"ATS0":  "OK",
		"ATH0":  "OK",
		"ATSP0": "OK",
		"ATI":   "ELM327 v1.5",
	}
	for k, v := range replies {
		r[k] = v
	}
	return &fakeLink{replies: r, hang: map[string]bool{}}
}

func (l *fakeLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, errors.New("closed")
	}
	if l.inFlight {
		l.overlap = true
	}
	cmd := strings.TrimSuffix(string(p), "\r")
	l.writes = append(l.writes, cmd)

	if l.late != "" {
		// запоздавший ответ пришёл до новой команды
		l.buf = append(l.buf, l.late...)
		l.late = ""
	}
	reply, ok := l.replies[cmd]
	if !ok {
		reply = "?"
	}
	if l.hang[cmd] {
		l.late = reply + "\r\r>"
		return len(p), nil
	}
	l.inFlight = true
	l.buf = append(l.buf, reply+"\r\r>"...)
	return len(p), nil
}

func (l *fakeLink) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) == 0 {
		return 0, nil
	}
	n := copy(p, l.buf)
	if strings.IndexByte(string(l.buf[:n]), protocol.Prompt) >= 0 {
		l.inFlight = false
	}
	l.buf = l.buf[n:]
	return n, nil
}

// Flush, как и настоящий канал, отбрасывает только уже принятые байты:
// ответ, который ещё в пути, придёт позже.
func (l *fakeLink) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushes++
	l.buf = nil
	return nil
}

func (l *fakeLink) setHang(cmd string, v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hang[cmd] = v
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.writes...)
}

type fakeDriver struct {
	mu       sync.Mutex
	links    []*fakeLink
	failures int
	dials    int
	devices  []common.OBDDevice
}

func (d *fakeDriver) Type() LinkType { return LinkSerial }
func (d *fakeDriver) Enabled(context.Context) (bool, error) { return true, nil }
func (d *fakeDriver) Enable(context.Context) error { return nil }
func (d *fakeDriver) Scan(context.Context) ([]common.OBDDevice, error) {
	return append([]common.OBDDevice(nil), d.devices...), nil
}

func (d *fakeDriver) Dial(context.Context, common.OBDDevice) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("port busy")
	}
	l := d.links[0]
	if len(d.links) > 1 {
		d.links = d.links[1:]
	}
	return l, nil
}

var testDevice = common.OBDDevice{ID: "/dev/rfcomm0", Name: "OBDII", Address: "/dev/rfcomm0"}

func testOptions() Options {
	return Options{
		CommandTimeout:  100 * time.Millisecond,
		ConnectAttempts: 3,
		RetryDelay:      time.Millisecond,
	}
}

func newTestAdapter(t *testing.T, drv *fakeDriver) *Adapter {
	t.Helper()
	return NewAdapter(drv, testOptions(), zaptest.NewLogger(t))
}

func TestWriteWithoutConnection(t *testing.T) {
	link := newFakeLink(nil)
	a := newTestAdapter(t, &fakeDriver{links: []*fakeLink{link}})

	_, err := a.Write(context.Background(), "010C")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, link.commands())
	assert.False(t, a.IsConnected())
}

func TestConnectRunsInitSequence(t *testing.T) {
	link := newFakeLink(nil)
	a := newTestAdapter(t, &fakeDriver{links: []*fakeLink{link}})

	require.NoError(t, a.Connect(context.Background(), testDevice))

	assert.Equal(t, protocol.InitCommands, link.commands())
	assert.True(t, a.IsConnected())
	assert.Equal(t, "ELM327 v1.5", a.Version())

	dev, ok := a.ConnectedDevice()
	require.True(t, ok)
	assert.Equal(t, testDevice.ID, dev.ID)
	assert.True(t, dev.Connected)
}

func TestConnectTwice(t *testing.T) {
	a := newTestAdapter(t, &fakeDriver{links: []*fakeLink{newFakeLink(nil)}})
	require.NoError(t, a.Connect(context.Background(), testDevice))

	err := a.Connect(context.Background(), testDevice)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectRetriesDial(t *testing.T) {
	drv := &fakeDriver{links: []*fakeLink{newFakeLink(nil)}, failures: 2}
	a := newTestAdapter(t, drv)

	require.NoError(t, a.Connect(context.Background(), testDevice))
	assert.Equal(t, 3, drv.dials)
}

func TestConnectInitFailureClosesLink(t *testing.T) {
	link := newFakeLink(map[string]string{"ATZ": "?"})
	drv := &fakeDriver{links: []*fakeLink{link}}
	a := newTestAdapter(t, drv)

	err := a.Connect(context.Background(), testDevice)
	require.Error(t, err)
	assert.True(t, link.closed)
	assert.False(t, a.IsConnected())
	assert.Equal(t, 3, drv.dials)
}

func TestWrite(t *testing.T) {
	link := newFakeLink(map[string]string{
		"010C": "410C1A2B",
		"0110": "NO DATA",
		"0902": "UNABLE TO CONNECT",
	})
	a := newTestAdapter(t, &fakeDriver{links: []*fakeLink{link}})
	a.now = func() time.Time { return time.UnixMilli(1700000000000) }
	require.NoError(t, a.Connect(context.Background(), testDevice))

	resp, err := a.Write(context.Background(), " 010c ")
	require.NoError(t, err)
	assert.Equal(t, common.OBDResponse{Command: "010C", Response: "410C1A2B", Timestamp: 1700000000000}, resp)

	resp, err = a.Write(context.Background(), "0110")
	require.NoError(t, err)
	assert.Equal(t, "NO DATA", resp.Response)

	_, err = a.Write(context.Background(), "0902")
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "0902", adapterErr.Command)
	assert.Equal(t, "UNABLE TO CONNECT", adapterErr.Reply)
}

func TestWriteAfterTimeoutSkipsLateReply(t *testing.T) {
	link := newFakeLink(map[string]string{
		"010C": "410C1A2B",
		"010D": "410D0032",
	})
	link.setHang("010C", true)
	a := newTestAdapter(t, &fakeDriver{links: []*fakeLink{link}})
	require.NoError(t, a.Connect(context.Background(), testDevice))

	_, err := a.Write(context.Background(), "010C")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, a.IsConnected())

	// ответ на 010C приходит только после следующей команды
	resp, err := a.Write(context.Background(), "010D")
	require.NoError(t, err)
	assert.Equal(t, "410D0032", resp.Response)
	assert.Equal(t, 1, link.flushes)

	cmds := link.commands()
	assert.Equal(t, []string{"010C", "ATI", "010D"}, cmds[len(cmds)-3:])

	// синхронизация выполняется один раз
	resp, err = a.Write(context.Background(), "010D")
	require.NoError(t, err)
	assert.Equal(t, "410D0032", resp.Response)
	assert.Equal(t, 1, link.flushes)
}

func TestWriteFailsUntilResynced(t *testing.T) {
	link := newFakeLink(map[string]string{
		"010C": "410C1A2B",
		"010D": "410D0032",
	})
	link.setHang("010C", true)
	a := newTestAdapter(t, &fakeDriver{links: []*fakeLink{link}})
	require.NoError(t, a.Connect(context.Background(), testDevice))

	_, err := a.Write(context.Background(), "010C")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	link.setHang("ATI", true)
	_, err = a.Write(context.Background(), "010D")
	require.Error(t, err)
	assert.NotContains(t, link.commands(), "010D")

	link.setHang("ATI", false)
	resp, err := a.Write(context.Background(), "010D")
	require.NoError(t, err)
	assert.Equal(t, "410D0032", resp.Response)
}

func TestWriteIsSerialized(t *testing.T) {
	link := newFakeLink(map[string]string{"010D": "410D0032"})
	a := newTestAdapter(t, &fakeDriver{links: []*fakeLink{link}})
	require.NoError(t, a.Connect(context.Background(), testDevice))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := a.Write(context.Background(), "010D")
			assert.NoError(t, err)
			assert.Equal(t, "410D0032", resp.Response)
		}()
	}
	wg.Wait()
	assert.False(t, link.overlap)
}

func TestDisconnect(t *testing.T) {
	link := newFakeLink(nil)
	a := newTestAdapter(t, &fakeDriver{links: []*fakeLink{link}})

	require.NoError(t, a.Disconnect(context.Background()))

	require.NoError(t, a.Connect(context.Background(), testDevice))
	require.NoError(t, a.Disconnect(context.Background()))
	assert.True(t, link.closed)
	assert.False(t, a.IsConnected())
	_, ok := a.ConnectedDevice()
	assert.False(t, ok)

	_, err := a.Write(context.Background(), "010C")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestListeners(t *testing.T) {
	drv := &fakeDriver{links: []*fakeLink{newFakeLink(nil), newFakeLink(nil)}}
	a := newTestAdapter(t, drv)

	var events []*common.OBDDevice
	id := a.AddListener(ListenerFunc(func(d *common.OBDDevice) {
		events = append(events, d)
	}))

	var onceID ListenerID
	onceCalls := 0
	onceID = a.AddListener(ListenerFunc(func(*common.OBDDevice) {
		onceCalls++
		a.RemoveListener(onceID)
	}))

	require.NoError(t, a.Connect(context.Background(), testDevice))
	require.NoError(t, a.Disconnect(context.Background()))

	require.Len(t, events, 2)
	require.NotNil(t, events[0])
	assert.Equal(t, testDevice.ID, events[0].ID)
	assert.True(t, events[0].Connected)
	assert.Nil(t, events[1])
	assert.Equal(t, 1, onceCalls)

	a.RemoveListener(id)
	require.NoError(t, a.Connect(context.Background(), testDevice))
	assert.Len(t, events, 2)
}

func TestListenersDropOutdatedNotification(t *testing.T) {
	var l listeners
	var events []*common.OBDDevice
	l.add(ListenerFunc(func(d *common.OBDDevice) {
		events = append(events, d)
	}))

	device := testDevice
	l.notify(2, &device)
	// отключение, обогнанное повторным подключением
	l.notify(1, nil)

	require.Len(t, events, 1)
	require.NotNil(t, events[0])
	assert.Equal(t, testDevice.ID, events[0].ID)
}

func TestScanMarksConnectedDevice(t *testing.T) {
	other := common.OBDDevice{ID: "/dev/ttyUSB0", Name: "ttyUSB0", Address: "/dev/ttyUSB0"}
	drv := &fakeDriver{links: []*fakeLink{newFakeLink(nil)}, devices: []common.OBDDevice{testDevice, other}}
	a := newTestAdapter(t, drv)

	devices, err := a.Scan(context.Background())
	require.NoError(t, err)
	for _, d := range devices {
		assert.False(t, d.Connected)
	}

	require.NoError(t, a.Connect(context.Background(), testDevice))
	devices, err = a.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.True(t, devices[0].Connected)
	assert.False(t, devices[1].Connected)
}
