package protocol

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// scriptedELM отвечает на команды заранее заданными ответами, как адаптер с включённым эхо.
type scriptedELM struct {
	mu      sync.Mutex
	replies map[string]string
	out     bytes.Buffer
	written []string
}

func newScriptedELM(replies map[string]string) *scriptedELM {
	return &scriptedELM{replies: replies}
}

func (s *scriptedELM) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := strings.TrimSuffix(string(p), "\r")
	s.written = append(s.written, string(p))
	reply, ok := s.replies[cmd]
	if !ok {
		reply = "?"
	}
	s.out.WriteString(cmd + "\r" + reply + "\r\r>")
	return len(p), nil
}

func (s *scriptedELM) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"lowercase", "010c", "010C\r"},
		{"surrounding spaces", "  03 ", "03\r"},
		{"already terminated", "010C\r", "010C\r"},
		{"terminated lowercase", "0a\r", "0A\r"},
		{"mode 09", "0902", "0902\r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.in))
		})
	}
}

func TestEncodeIsIdempotent(t *testing.T) {
	once := Encode("10c")
	assert.Equal(t, once, Encode(once))
	assert.Equal(t, 1, strings.Count(Encode(once), "\r"))
}

func TestCleanReply(t *testing.T) {
	tests := []struct {
		name, raw, cmd, want string
	}{
		{"echo and prompt", "010C\r41 0C 1A F8\r\r>", "010C", "41 0C 1A F8"},
		{"searching", "SEARCHING...\r410D32\r\r>", "010D", "410D32"},
		{"bus init ok", "BUS INIT: ...OK\r4105 7C\r>", "0105", "4105 7C"},
		{"no data", "NO DATA\r\r>", "012F", NoData},
		{"multi line", "43 01 33\r00 00 00\r>", "03", "43 01 33 00 00 00"},
		{"crlf", "ELM327 v1.5\r\n\r\n>", "ATZ", "ELM327 v1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanReply(tt.raw, tt.cmd))
		})
	}
}

func TestIsErrorReply(t *testing.T) {
	assert.True(t, IsErrorReply("?"))
	assert.True(t, IsErrorReply("UNABLE TO CONNECT"))
	assert.True(t, IsErrorReply("CAN ERROR"))
	assert.True(t, IsErrorReply("ERR94"))
	assert.True(t, IsErrorReply("BUS INIT: ...ERROR"))
	assert.False(t, IsErrorReply(NoData))
	assert.False(t, IsErrorReply("410C1AF8"))
	assert.False(t, IsErrorReply(""))
}

func TestReadReplyStopsAtPrompt(t *testing.T) {
	r := strings.NewReader("41 0D 32\r\r>leftover")
	got, err := ReadReply(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "41 0D 32\r\r", got)
}

func TestReadReplyTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// Ответ без приглашения: читатель должен вернуться по ctx.
	_, err := ReadReply(ctx, strings.NewReader("41 0C"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExchange(t *testing.T) {
	elm := newScriptedELM(map[string]string{"010C": "41 0C 1A F8"})
	reply, err := Exchange(context.Background(), elm, "010c")
	require.NoError(t, err)
	assert.Equal(t, "41 0C 1A F8", reply)
	assert.Equal(t, []string{"010C\r"}, elm.written)
}

func TestInitialize(t *testing.T) {
	elm := newScriptedELM(map[string]string{
		"ATZ":   "ELM327 v1.5",
		"ATE0":  "OK",
		"ATL0":  "OK",
		"ATS0":  "OK",
		"ATH0":  "OK",
		"ATSP0": "OK",
	})
	version, err := Initialize(context.Background(), elm, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "ELM327 v1.5", version)
	assert.Len(t, elm.written, len(InitCommands))
}

func TestInitializeRejectsNonELM(t *testing.T) {
	elm := newScriptedELM(map[string]string{"ATZ": "HELLO"})
	_, err := Initialize(context.Background(), elm, 0, nil)
	assert.Error(t, err)
}

func TestInitializeRejectsUnknownCommand(t *testing.T) {
	elm := newScriptedELM(map[string]string{"ATZ": "ELM327 v2.1", "ATE0": "OK"})
	_, err := Initialize(context.Background(), elm, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ATL0")
}

func TestResyncDropsLateReplies(t *testing.T) {
	// запоздавший ответ на 010C и ответ на ATI пришли одним куском
	r := strings.NewReader("410C1A2B\r\r>ELM327 v1.5\r\r>")
	var written bytes.Buffer
	rw := struct {
		io.Reader
		io.Writer
	}{r, &written}

	dropped, err := Resync(context.Background(), rw)
	require.NoError(t, err)
	assert.Equal(t, "ATI\r", written.String())
	assert.Contains(t, dropped, "410C1A2B")
}

func TestResyncWaitsForPromptAfterMarker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	rw := struct {
		io.Reader
		io.Writer
	}{strings.NewReader("ELM327 v1.5\r"), io.Discard}

	_, err := Resync(ctx, rw)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
