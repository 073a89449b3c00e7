// Package dtc содержит справочник кодов неисправностей OBD-II.
package dtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/serebryakov7/obd-stats/common"
)

// ErrUnknownPrefix - первый полубайт фрагмента не входит в таблицу префиксов.
var ErrUnknownPrefix = errors.New("dtc: неизвестный префикс кода")

// UnknownDescription - описание для кодов, которых нет в справочнике.
const UnknownDescription = "Unknown Diagnostic Trouble Code"

// prefixes сопоставляет первый hex-символ фрагмента с буквой и цифрой кода.
var prefixes = map[byte]string{
	'0': "P0",
	'1': "P1",
	'2': "P2",
	'3': "P3",
	'4': "C0",
	'5': "B0",
	'6': "U0",
}

var descriptions = map[string]string{
	"P0300": "Random/Multiple Cylinder Misfire Detected",
	"P0301": "Cylinder 1 Misfire Detected",
	"P0302": "Cylinder 2 Misfire Detected",
	"P0303": "Cylinder 3 Misfire Detected",
	"P0304": "Cylinder 4 Misfire Detected",
	"P0171": "System Too Lean (Bank 1)",
	"P0172": "System Too Rich (Bank 1)",
	"P0420": "Catalyst System Efficiency Below Threshold",
	"P0430": "Catalyst System Efficiency Below Threshold (Bank 2)",
	"P0440": "Evaporative Emission Control System Malfunction",
	"P0455": "Evaporative Emission Control System Leak Detected (Large Leak)",
}

var severities = map[string]common.Severity{
	"P0300": common.SeverityCritical,
	"P0301": common.SeverityCritical,
	"P0302": common.SeverityCritical,
	"P0303": common.SeverityCritical,
	"P0304": common.SeverityCritical,
	"P0171": common.SeverityHigh,
	"P0172": common.SeverityHigh,
	"P0420": common.SeverityHigh,
	"P0430": common.SeverityHigh,
	"P0440": common.SeverityMedium,
	"P0455": common.SeverityMedium,
}

var categories = []struct {
	prefixes []string
	category common.Category
}{
	{[]string{"P0", "P1"}, common.CategoryPowertrain},
	{[]string{"P2"}, common.CategoryPowertrainSpecific},
	{[]string{"P3"}, common.CategoryPowertrainReserved},
	{[]string{"C0", "C1"}, common.CategoryChassis},
	{[]string{"B0", "B1"}, common.CategoryBody},
	{[]string{"U0", "U1"}, common.CategoryNetwork},
}

// FormatCode превращает 4-символьный фрагмент ответа в код вида P0302.
func FormatCode(raw string) (string, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if len(raw) != 4 {
		return "", fmt.Errorf("dtc: фрагмент %q должен содержать 4 символа", raw)
	}
	prefix, ok := prefixes[raw[0]]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrefix, raw)
	}
	return prefix + raw[1:], nil
}

// Describe возвращает описание кода. Никогда не завершается ошибкой.
func Describe(code string) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return UnknownDescription
}

// SeverityOf возвращает серьёзность кода, по умолчанию low.
func SeverityOf(code string) common.Severity {
	if s, ok := severities[code]; ok {
		return s
	}
	return common.SeverityLow
}

// CategoryOf определяет подсистему по префиксу кода, по умолчанию Unknown.
func CategoryOf(code string) common.Category {
	for _, c := range categories {
		for _, p := range c.prefixes {
			if strings.HasPrefix(code, p) {
				return c.category
			}
		}
	}
	return common.CategoryUnknown
}

// Lookup собирает полную запись о коде.
func Lookup(code string) common.DiagnosticTroubleCode {
	return common.DiagnosticTroubleCode{
		Code:        code,
		Description: Describe(code),
		Severity:    SeverityOf(code),
		Category:    CategoryOf(code),
	}
}

// Parse форматирует фрагмент и возвращает запись о коде.
func Parse(fragment string) (common.DiagnosticTroubleCode, error) {
	code, err := FormatCode(fragment)
	if err != nil {
		return common.DiagnosticTroubleCode{}, err
	}
	return Lookup(code), nil
}

// Dedup оставляет первое вхождение каждого кода, сохраняя порядок.
func Dedup(codes []common.DiagnosticTroubleCode) []common.DiagnosticTroubleCode {
	seen := make(map[string]struct{}, len(codes))
	out := make([]common.DiagnosticTroubleCode, 0, len(codes))
	for _, c := range codes {
		if _, ok := seen[c.Code]; ok {
			continue
		}
		seen[c.Code] = struct{}{}
		out = append(out, c)
	}
	return out
}
