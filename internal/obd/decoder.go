package obd

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/serebryakov7/obd-stats/internal/protocol"
)

var (
	// ErrNoData - адаптер ответил NO DATA (или ничего): значения нет, это не сбой.
	ErrNoData = errors.New("obd: нет данных")
	// ErrMalformed - ответ не разбирается по ожидаемым смещениям.
	ErrMalformed = errors.New("obd: некорректный ответ")
	// ErrNoDecoder - для параметра не определена формула пересчёта.
	ErrNoDecoder = errors.New("obd: формула для параметра не определена")
	// ErrUnexpectedResponse - ответ относится к другой команде.
	ErrUnexpectedResponse = errors.New("obd: ответ не соответствует команде")
)

// responseHeaders - байты положительных ответов на команды, которые
// отправляет клиент.
var responseHeaders = []string{"41", "43", "44", "47", "49", "4A"}

// Decoder пересчитывает очищенный ответ в значение параметра.
type Decoder func(clean string) (float64, error)

// decoders содержит формулы для параметров. Mass Air Flow намеренно отсутствует.
var decoders = map[Parameter]Decoder{
	EngineRPM:          decodeRPM,
	VehicleSpeed:       decodeSpeed,
	EngineLoad:         decodePercent,
	FuelLevel:          decodePercent,
	ThrottlePosition:   decodePercent,
	CoolantTemperature: decodeTemperature,
	IntakeAirTemp:      decodeTemperature,
}

// Clean удаляет из ответа все пробельные символы.
func Clean(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
}

// IsNoData сообщает, что ответ пуст или равен NO DATA.
func IsNoData(raw string) bool {
	r := strings.TrimSpace(raw)
	return r == "" || r == protocol.NoData
}

// Decode извлекает значение параметра из сырого ответа.
// Возвращает ErrNoData, ErrMalformed или ErrNoDecoder вместо выдуманного нуля.
func Decode(raw string, name Parameter) (float64, error) {
	if IsNoData(raw) {
		return 0, ErrNoData
	}
	dec, ok := decoders[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoDecoder, name)
	}
	return dec(Clean(raw))
}

// byteAt читает байт из двух hex-символов начиная со смещения off.
func byteAt(clean string, off int) (int, error) {
	if off < 0 || off+2 > len(clean) {
		return 0, fmt.Errorf("%w: нет байта по смещению %d в %q", ErrMalformed, off, clean)
	}
	v, err := strconv.ParseUint(clean[off:off+2], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, clean[off:off+2])
	}
	return int(v), nil
}

// decodeRPM - байты A=[4:6), B=[6:8); (A*256+B)/4 с округлением до целого.
func decodeRPM(clean string) (float64, error) {
	a, err := byteAt(clean, 4)
	if err != nil {
		return 0, err
	}
	b, err := byteAt(clean, 6)
	if err != nil {
		return 0, err
	}
	return math.Round(float64(a*256+b) / 4), nil
}

// decodeSpeed - байт [6:8) в км/ч.
func decodeSpeed(clean string) (float64, error) {
	a, err := byteAt(clean, 6)
	if err != nil {
		return 0, err
	}
	return float64(a), nil
}

// decodePercent - байт [6:8), A/2.55 с округлением до сотых.
func decodePercent(clean string) (float64, error) {
	a, err := byteAt(clean, 6)
	if err != nil {
		return 0, err
	}
	return math.Round(float64(a)/2.55*100) / 100, nil
}

// decodeTemperature - байт [6:8), A-40 в °C.
func decodeTemperature(clean string) (float64, error) {
	a, err := byteAt(clean, 6)
	if err != nil {
		return 0, err
	}
	return float64(a - 40), nil
}

// DecodeVIN отбрасывает первые два hex-символа (заголовок ответа) и
// возвращает остаток как VIN.
func DecodeVIN(raw string) (string, error) {
	if IsNoData(raw) {
		return "", ErrNoData
	}
	clean := Clean(raw)
	if len(clean) <= 2 {
		return "", fmt.Errorf("%w: VIN %q", ErrMalformed, clean)
	}
	return clean[2:], nil
}

// positiveResponse возвращает байт положительного ответа для режима (mode+0x40).
func positiveResponse(mode string) string {
	m, err := strconv.ParseUint(mode, 16, 8)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%02X", m+0x40)
}

// CheckResponse проверяет, что ответ относится к команде. Для команд с PID
// ответ должен начинаться с байта положительного ответа и PID (410C на 010C,
// 4902 на 0902); более короткий префикс пропускается и отсеивается декодером.
// Для команд без PID (03, 07, 0A, 04) заголовок необязателен, но ответ с
// заголовком другого режима отклоняется. NO DATA проходит проверку.
func CheckResponse(command, raw string) error {
	if IsNoData(raw) {
		return nil
	}
	cmd := protocol.Normalize(command)
	if len(cmd) < 2 {
		return nil
	}
	hdr := positiveResponse(cmd[:2])
	clean := strings.ToUpper(Clean(raw))

	if len(cmd) == 2 {
		if strings.HasPrefix(clean, hdr) {
			return nil
		}
		for _, h := range responseHeaders {
			if strings.HasPrefix(clean, h) {
				return fmt.Errorf("%w: %q на %s", ErrUnexpectedResponse, clean, cmd)
			}
		}
		return nil
	}

	want := hdr + cmd[2:]
	if strings.HasPrefix(clean, want) {
		return nil
	}
	if len(clean) >= len(hdr) && len(clean) < len(want) && strings.HasPrefix(want, clean) {
		return nil
	}
	return fmt.Errorf("%w: %q на %s", ErrUnexpectedResponse, clean, cmd)
}

// SplitDTCFragments режет ответ на команды 03/07/0A на фрагменты по 4
// hex-символа. Байт положительного ответа режима в начале отбрасывается,
// если длина даёт остаток 2 по модулю 4. На CAN за ним идёт байт числа
// кодов: если длина кратна 4 и число совпадает с остатком ответа,
// отбрасываются оба. Фрагменты 0000 и неполный хвост пропускаются.
func SplitDTCFragments(raw, mode string) []string {
	if IsNoData(raw) {
		return nil
	}
	clean := strings.ToUpper(Clean(raw))
	if hdr := positiveResponse(mode); hdr != "" && strings.HasPrefix(clean, hdr) {
		switch {
		case len(clean)%4 == 2:
			clean = clean[2:]
		case hasCountByte(clean):
			clean = clean[4:]
		}
	}

	var fragments []string
	for i := 0; i+4 <= len(clean); i += 4 {
		f := clean[i : i+4]
		if f == "0000" {
			continue
		}
		fragments = append(fragments, f)
	}
	return fragments
}

// hasCountByte сообщает, что после заголовка идёт байт числа кодов,
// совпадающий с длиной оставшейся части. Нулевое число не учитывается:
// 4300 остаётся кодом C0300.
func hasCountByte(clean string) bool {
	if len(clean) < 8 || len(clean)%4 != 0 {
		return false
	}
	n, err := strconv.ParseUint(clean[2:4], 16, 8)
	if err != nil {
		return false
	}
	return n > 0 && int(n)*4 == len(clean)-4
}
