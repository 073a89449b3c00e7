// Package protocol реализует текстовый протокол адаптеров семейства ELM327:
// кодирование команд, чтение ответа до приглашения '>' и нормализацию ответа.
package protocol

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// Terminator завершает каждую команду.
	Terminator = "\r"
	// Prompt - приглашение адаптера, означающее конец ответа.
	Prompt = '>'
	// NoData - ответ адаптера, когда PID не поддерживается или значения нет.
	NoData = "NO DATA"
)

// InitCommands - последовательность настройки адаптера после подключения.
var InitCommands = []string{
	"ATZ",   // сброс
	"ATE0",  // эхо выключено
	"ATL0",  // перевод строки выключен
	"ATS0",  // пробелы выключены
	"ATH0",  // заголовки выключены
	"ATSP0", // автоопределение протокола
}

// errorReplies - ответы, которыми адаптер сообщает об ошибке.
var errorReplies = []string{
	"?",
	"UNABLE TO CONNECT",
	"CAN ERROR",
	"BUS ERROR",
	"BUS BUSY",
	"BUFFER FULL",
	"DATA ERROR",
	"FB ERROR",
	"LV RESET",
	"ACT ALERT",
	"STOPPED",
}

// Normalize приводит логическую команду к канонической форме без терминатора.
func Normalize(command string) string {
	return strings.ToUpper(strings.TrimSpace(command))
}

// Encode готовит команду к отправке: обрезает пробелы, переводит в верхний
// регистр и добавляет ровно один завершающий \r. TrimSpace уже снимает
// имеющийся \r, поэтому повторное кодирование терминатор не удваивает.
func Encode(command string) string {
	return Normalize(command) + Terminator
}

// IsErrorReply сообщает, является ли нормализованный ответ ошибкой адаптера.
// NO DATA ошибкой не считается.
func IsErrorReply(reply string) bool {
	if reply == "" {
		return false
	}
	for _, e := range errorReplies {
		if reply == e {
			return true
		}
	}
	if strings.HasPrefix(reply, "ERR") {
		return true
	}
	return strings.HasPrefix(reply, "BUS INIT") && strings.HasSuffix(reply, "ERROR")
}

// CleanReply нормализует сырой ответ: убирает приглашение, эхо команды,
// служебные строки SEARCHING... и BUS INIT ...OK, пустые строки.
// Оставшиеся строки склеиваются через пробел.
func CleanReply(raw, command string) string {
	raw = strings.ReplaceAll(raw, string(Prompt), "")
	echo := Normalize(command)
	lines := strings.FieldsFunc(raw, func(r rune) bool { return r == '\r' || r == '\n' })

	var kept []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case echo != "" && strings.EqualFold(line, echo):
			continue
		case strings.HasPrefix(line, "SEARCHING"):
			continue
		case strings.HasPrefix(line, "BUS INIT") && strings.HasSuffix(line, "OK"):
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, " ")
}

// Exchange отправляет одну команду и возвращает нормализованный ответ.
// Ожидание ответа ограничено ctx.
func Exchange(ctx context.Context, rw io.ReadWriter, command string) (string, error) {
	if _, err := rw.Write([]byte(Encode(command))); err != nil {
		return "", fmt.Errorf("ошибка отправки команды %q: %w", Normalize(command), err)
	}
	raw, err := ReadReply(ctx, rw)
	if err != nil {
		return "", fmt.Errorf("ошибка чтения ответа на %q: %w", Normalize(command), err)
	}
	return CleanReply(raw, command), nil
}

// Initialize выполняет последовательность InitCommands и возвращает строку
// версии адаптера из ответа на ATZ.
func Initialize(ctx context.Context, rw io.ReadWriter, delay time.Duration, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var version string
	for _, cmd := range InitCommands {
		reply, err := Exchange(ctx, rw, cmd)
		if err != nil {
			return "", err
		}
		logger.Debug("ELM327 init", zap.String("command", cmd), zap.String("reply", reply))

		switch {
		case cmd == "ATZ":
			if !strings.Contains(reply, "ELM") {
				return "", fmt.Errorf("адаптер ELM327 не ответил на ATZ: %q", reply)
			}
			version = reply
		case IsErrorReply(reply):
			return "", fmt.Errorf("адаптер отклонил %s: %q", cmd, reply)
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return version, nil
}
