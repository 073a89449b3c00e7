package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// idleBackoff - пауза, когда канал вернул 0 байт без ошибки.
const idleBackoff = 5 * time.Millisecond

// SyncCommand - команда, ответ на которую отмечает конец очереди ответов
// при восстановлении синхронизации.
const SyncCommand = "ATI"

// ReadReply читает байты из r до приглашения '>' и возвращает всё, что
// было до него. Канал должен возвращать управление по собственному таймауту
// чтения (0 байт и nil или io.EOF), иначе ctx проверяется только между чтениями.
func ReadReply(ctx context.Context, r io.Reader) (string, error) {
	return readUntil(ctx, r, func(b []byte) int {
		return bytes.IndexByte(b, Prompt)
	})
}

// Resync отправляет SyncCommand и читает канал, пока не придёт ответ на неё
// с приглашением. Всё, что пришло раньше, включая запоздавшие ответы на
// прежние команды, возвращается как отброшенное.
func Resync(ctx context.Context, rw io.ReadWriter) (string, error) {
	if _, err := rw.Write([]byte(Encode(SyncCommand))); err != nil {
		return "", fmt.Errorf("ошибка отправки %s: %w", SyncCommand, err)
	}
	marker := []byte("ELM")
	raw, err := readUntil(ctx, rw, func(b []byte) int {
		i := bytes.LastIndex(b, marker)
		if i < 0 {
			return -1
		}
		if bytes.IndexByte(b[i:], Prompt) < 0 {
			return -1
		}
		return i
	})
	if err != nil {
		return raw, fmt.Errorf("синхронизация с адаптером не выполнена: %w", err)
	}
	return raw, nil
}

// readUntil накапливает прочитанное, пока end не вернёт позицию конца
// полезной части. Возвращается всё до этой позиции.
func readUntil(ctx context.Context, r io.Reader, end func([]byte) int) (string, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 64)

	for {
		if err := ctx.Err(); err != nil {
			return buf.String(), err
		}

		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if i := end(buf.Bytes()); i >= 0 {
				return string(buf.Bytes()[:i]), nil
			}
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return buf.String(), err
		}
		if n == 0 {
			// таймаут чтения
			select {
			case <-ctx.Done():
				return buf.String(), ctx.Err()
			case <-time.After(idleBackoff):
			}
		}
	}
}
