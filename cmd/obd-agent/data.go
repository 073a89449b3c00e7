package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/diagnostics"
)

// LatestData хранит последний отчёт сканирования для периодической публикации.
type LatestData struct {
	mutex  sync.RWMutex
	report *diagnostics.Report
	now    func() time.Time
}

// NewLatestData создаёт пустое хранилище.
func NewLatestData() *LatestData {
	return &LatestData{now: time.Now}
}

// Set заменяет отчёт.
func (ld *LatestData) Set(report *diagnostics.Report) {
	ld.mutex.Lock()
	defer ld.mutex.Unlock()
	ld.report = report
}

// Get возвращает последний отчёт, если сканирование уже выполнялось.
func (ld *LatestData) Get() (*diagnostics.Report, bool) {
	ld.mutex.RLock()
	defer ld.mutex.RUnlock()
	return ld.report, ld.report != nil
}

// snapshotPayload - сообщение в топик данных.
type snapshotPayload struct {
	Device         *common.OBDDevice          `json:"device,omitempty"`
	Diagnostics    *common.VehicleDiagnostics `json:"diagnostics"`
	PlaceholderVIN bool                       `json:"placeholderVin"`
	Phase          diagnostics.Phase          `json:"phase,omitempty"`
	Timestamp      string                     `json:"timestamp"`
}

// MarshalJSON сериализует последний снимок с текущей временной меткой.
func (ld *LatestData) MarshalJSON() ([]byte, error) {
	return ld.Copy().MarshalJSON()
}

// Copy фиксирует текущий снимок. Отчёт после Set не изменяется, поэтому
// достаточно скопировать указатель.
func (ld *LatestData) Copy() json.Marshaler {
	ld.mutex.RLock()
	defer ld.mutex.RUnlock()
	return &copiedReportMarshaler{report: ld.report, now: ld.now}
}

type copiedReportMarshaler struct {
	report *diagnostics.Report
	now    func() time.Time
}

func (m *copiedReportMarshaler) MarshalJSON() ([]byte, error) {
	payload := snapshotPayload{Timestamp: m.now().UTC().Format(time.RFC3339Nano)}
	if m.report != nil {
		device := m.report.Device
		d := m.report.Diagnostics
		payload.Device = &device
		payload.Diagnostics = &d
		payload.PlaceholderVIN = m.report.PlaceholderVIN
		payload.Phase = m.report.Phase
	}
	return json.Marshal(payload)
}
