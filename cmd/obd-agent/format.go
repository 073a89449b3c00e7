package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/diagnostics"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	red    = color.New(color.FgRed, color.Bold).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	cyan   = color.New(color.FgCyan).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
	faint  = color.New(color.Faint).SprintfFunc()
)

func severityColor(s common.Severity) func(string, ...interface{}) string {
	switch s {
	case common.SeverityCritical:
		return red
	case common.SeverityHigh:
		return yellow
	case common.SeverityMedium:
		return cyan
	default:
		return fmt.Sprintf
	}
}

func checkFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("неизвестный формат %q. Используйте text, json или yaml", format)
	}
}

// writeReport выводит отчёт сканирования в выбранном формате.
func writeReport(w io.Writer, report *diagnostics.Report, format string) error {
	switch format {
	case formatJSON:
		return writeJSON(w, report)
	case formatYAML:
		return writeYAML(w, report)
	case formatText:
		return writeText(w, report)
	default:
		return checkFormat(format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML сохраняет имена полей JSON: значение проходит через JSON в
// обобщённое дерево.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return err
	}
	return enc.Close()
}

func writeText(w io.Writer, report *diagnostics.Report) error {
	d := report.Diagnostics
	info := d.VehicleInfo

	fmt.Fprintf(w, "Устройство: %s (%s)\n", report.Device.Name, report.Device.Address)
	vin := info.VIN
	if report.PlaceholderVIN {
		vin += faint(" (не прочитан, из конфигурации)")
	}
	fmt.Fprintf(w, "Автомобиль: %s %s %d, VIN %s\n", info.Make, info.Model, info.Year, vin)
	fmt.Fprintf(w, "Время: %s\n\n", time.UnixMilli(d.LastScan).Format(time.DateTime))

	writeDTCs(w, d.DTCs)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Живые данные:")
	if len(d.LiveData) == 0 {
		fmt.Fprintln(w, faint("  нет данных"))
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, p := range d.LiveData {
			fmt.Fprintf(tw, "  %s\t%.2f\t%s\n", p.Name, p.Value, p.Unit)
		}
		tw.Flush()
	}

	skipped := report.Filter(diagnostics.OutcomeSkipped)
	failed := report.Filter(diagnostics.OutcomeFailed)
	if len(skipped)+len(failed) > 0 {
		fmt.Fprintln(w)
	}
	for _, a := range skipped {
		fmt.Fprintln(w, faint("  пропущено %s: %s", attemptName(a), a.Reason))
	}
	for _, a := range failed {
		fmt.Fprintln(w, yellow("  ошибка %s: %s", attemptName(a), a.Reason))
	}
	return nil
}

func writeDTCs(w io.Writer, codes []common.DiagnosticTroubleCode) {
	if len(codes) == 0 {
		fmt.Fprintln(w, green("Коды неисправностей: нет"))
		return
	}
	fmt.Fprintf(w, "Коды неисправностей (%d):\n", len(codes))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range codes {
		paint := severityColor(c.Severity)
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", paint("%s", c.Code), paint("%s", c.Severity), c.Category, c.Description)
	}
	tw.Flush()
}

func attemptName(a diagnostics.Attempt) string {
	if a.Parameter != "" {
		return a.Parameter
	}
	return a.Command
}

// writeHistory печатает сохранённые снимки по одной строке.
func writeHistory(w io.Writer, snapshots []common.VehicleDiagnostics) {
	if len(snapshots) == 0 {
		fmt.Fprintln(w, "История пуста")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, s := range snapshots {
		codes := make([]string, 0, len(s.DTCs))
		worst := common.SeverityLow
		for _, c := range s.DTCs {
			codes = append(codes, c.Code)
			if severityRank(c.Severity) > severityRank(worst) {
				worst = c.Severity
			}
		}
		summary := green("нет кодов")
		if len(codes) > 0 {
			summary = severityColor(worst)("%s", strings.Join(codes, ","))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d параметров\t%s\n",
			time.UnixMilli(s.LastScan).Format(time.DateTime), s.VehicleInfo.VIN, len(s.LiveData), summary)
	}
	tw.Flush()
}

func severityRank(s common.Severity) int {
	switch s {
	case common.SeverityCritical:
		return 3
	case common.SeverityHigh:
		return 2
	case common.SeverityMedium:
		return 1
	default:
		return 0
	}
}

func writeDevices(w io.Writer, devices []common.OBDDevice) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "Адаптеры не найдены")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, d := range devices {
		mark := ""
		if d.Connected {
			mark = green("подключён")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, d.Name, d.Address, mark)
	}
	tw.Flush()
}
