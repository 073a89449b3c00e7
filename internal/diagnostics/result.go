package diagnostics

import (
	"github.com/serebryakov7/obd-stats/common"
)

// Phase - этап полного сканирования.
type Phase string

const (
	PhaseNotConnected       Phase = "not_connected"
	PhaseReadingDTCs        Phase = "reading_dtcs"
	PhaseReadingLiveData    Phase = "reading_live_data"
	PhaseReadingVehicleInfo Phase = "reading_vehicle_info"
	PhaseSnapshotAssembled  Phase = "snapshot_assembled"
	PhaseFailed             Phase = "failed"
)

// Outcome - итог одной команды.
type Outcome string

const (
	// OutcomeOK - ответ получен и разобран.
	OutcomeOK Outcome = "ok"
	// OutcomeSkipped - NO DATA, параметр без формулы или ответ не разбирается.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed - ошибка канала или адаптера либо ответ на другую команду.
	OutcomeFailed Outcome = "failed"
)

// Attempt описывает одну отправленную команду.
type Attempt struct {
	Phase     Phase    `json:"phase"`
	Command   string   `json:"command"`
	Parameter string   `json:"parameter,omitempty"`
	Outcome   Outcome  `json:"outcome"`
	Response  string   `json:"response,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	Codes     []string `json:"codes,omitempty"`
	Err       error    `json:"-"`
	Reason    string   `json:"reason,omitempty"`
}

// Report - снимок диагностики вместе с журналом команд.
type Report struct {
	Diagnostics common.VehicleDiagnostics `json:"diagnostics"`
	Device      common.OBDDevice          `json:"device"`
	Attempts    []Attempt                 `json:"attempts"`
	// PlaceholderVIN - VIN не прочитан, подставлен из конфигурации.
	PlaceholderVIN bool  `json:"placeholderVin"`
	Phase          Phase `json:"phase"`
}

// Filter возвращает попытки с указанным итогом.
func (r *Report) Filter(outcome Outcome) []Attempt {
	var out []Attempt
	for _, a := range r.Attempts {
		if a.Outcome == outcome {
			out = append(out, a)
		}
	}
	return out
}

// Attempt находит попытку по команде.
func (r *Report) Attempt(command string) (Attempt, bool) {
	for _, a := range r.Attempts {
		if a.Command == command {
			return a, true
		}
	}
	return Attempt{}, false
}
