package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/config"
	"github.com/serebryakov7/obd-stats/internal/diagnostics"
	"github.com/serebryakov7/obd-stats/internal/dtc"
	"github.com/serebryakov7/obd-stats/internal/obd"
	"github.com/serebryakov7/obd-stats/internal/transport"
)

func testReport() *diagnostics.Report {
	rpm := 1726.0
	return &diagnostics.Report{
		Diagnostics: common.VehicleDiagnostics{
			DTCs: []common.DiagnosticTroubleCode{dtc.Lookup("P0302")},
			LiveData: []common.LiveDataPoint{
				{Name: "Engine RPM", Value: 1726, Unit: "rpm", Timestamp: 1},
			},
			VehicleInfo: common.VehicleInfo{VIN: "DEMO123456789", Make: "Mazda", Model: "CX-30", Year: 2024},
			LastScan:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local).UnixMilli(),
		},
		Device: common.OBDDevice{ID: "/dev/rfcomm0", Name: "rfcomm0", Address: "/dev/rfcomm0", Connected: true},
		Attempts: []diagnostics.Attempt{
			{Phase: diagnostics.PhaseReadingLiveData, Command: "010C", Parameter: "Engine RPM", Outcome: diagnostics.OutcomeOK, Value: &rpm},
			{Phase: diagnostics.PhaseReadingLiveData, Command: "0110", Parameter: "Mass Air Flow", Outcome: diagnostics.OutcomeSkipped, Reason: obd.ErrNoDecoder.Error()},
			{Phase: diagnostics.PhaseReadingVehicleInfo, Command: "0902", Outcome: diagnostics.OutcomeFailed, Reason: "таймаут"},
		},
		PlaceholderVIN: true,
		Phase:          diagnostics.PhaseSnapshotAssembled,
	}
}

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestWriteReportText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, testReport(), formatText))

	out := buf.String()
	assert.Contains(t, out, "Mazda CX-30 2024, VIN DEMO123456789 (не прочитан, из конфигурации)")
	assert.Contains(t, out, "Коды неисправностей (1):")
	assert.Contains(t, out, "P0302")
	assert.Contains(t, out, "Cylinder 2 Misfire Detected")
	assert.Contains(t, out, "1726.00")
	assert.Contains(t, out, "пропущено Mass Air Flow")
	assert.Contains(t, out, "ошибка 0902: таймаут")
}

func TestWriteReportJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, testReport(), formatJSON))

	var got diagnostics.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "P0302", got.Diagnostics.DTCs[0].Code)
	assert.True(t, got.PlaceholderVIN)
	require.Len(t, got.Attempts, 3)
	assert.Equal(t, diagnostics.OutcomeSkipped, got.Attempts[1].Outcome)
}

func TestWriteReportYAMLKeepsJSONNames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, testReport(), formatYAML))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Contains(t, got, "diagnostics")
	assert.Contains(t, got, "placeholderVin")
	assert.Contains(t, buf.String(), "vehicleInfo:")
}

func TestCheckFormat(t *testing.T) {
	for _, f := range []string{formatText, formatJSON, formatYAML} {
		assert.NoError(t, checkFormat(f))
	}
	assert.Error(t, checkFormat("xml"))
	assert.Error(t, writeReport(&bytes.Buffer{}, testReport(), "xml"))
}

func TestWriteHistory(t *testing.T) {
	var buf bytes.Buffer
	writeHistory(&buf, nil)
	assert.Contains(t, buf.String(), "История пуста")

	buf.Reset()
	writeHistory(&buf, []common.VehicleDiagnostics{
		{DTCs: []common.DiagnosticTroubleCode{dtc.Lookup("P0302"), dtc.Lookup("P0455")}, VehicleInfo: common.VehicleInfo{VIN: "VIN1"}},
		{VehicleInfo: common.VehicleInfo{VIN: "VIN2"}},
	})
	out := buf.String()
	assert.Contains(t, out, "P0302,P0455")
	assert.Contains(t, out, "нет кодов")
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, severityRank(common.SeverityCritical), severityRank(common.SeverityHigh))
	assert.Greater(t, severityRank(common.SeverityHigh), severityRank(common.SeverityMedium))
	assert.Greater(t, severityRank(common.SeverityMedium), severityRank(common.SeverityLow))
}

func TestLatestDataMarshal(t *testing.T) {
	ld := NewLatestData()
	ld.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	raw, err := ld.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"diagnostics":null,"placeholderVin":false,"timestamp":"2024-05-01T00:00:00Z"}`, string(raw))

	snapshot := ld.Copy()
	ld.Set(testReport())

	// копия снята до Set
	raw, err = snapshot.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"diagnostics":null`)

	raw, err = ld.MarshalJSON()
	require.NoError(t, err)
	var payload snapshotPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.NotNil(t, payload.Diagnostics)
	assert.Equal(t, "DEMO123456789", payload.Diagnostics.VehicleInfo.VIN)
	assert.Equal(t, "/dev/rfcomm0", payload.Device.Address)
	assert.Equal(t, diagnostics.PhaseSnapshotAssembled, payload.Phase)
}

func TestConfiguredDevice(t *testing.T) {
	d, ok := configuredDevice(config.LinkConfig{Type: "serial", Port: "/dev/ttyUSB0"})
	require.True(t, ok)
	assert.Equal(t, common.OBDDevice{ID: "/dev/ttyUSB0", Name: "ttyUSB0", Address: "/dev/ttyUSB0"}, d)

	d, ok = configuredDevice(config.LinkConfig{Type: "ble", Port: "/dev/ttyUSB0", Address: "AA:BB:CC:DD:EE:FF"})
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.Address)

	_, ok = configuredDevice(config.LinkConfig{Type: "ble"})
	assert.False(t, ok)
}

func TestNewDriver(t *testing.T) {
	tests := []struct {
		link string
		want transport.LinkType
	}{
		{"serial", transport.LinkSerial},
		{"rfcomm", transport.LinkRFCOMM},
		{"ble", transport.LinkBLE},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			d, err := newDriver(config.LinkConfig{Type: tt.link, Port: "/dev/rfcomm0", Address: "00:11:22:33:44:55"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Type())
		})
	}

	_, err := newDriver(config.LinkConfig{Type: "can"})
	assert.Error(t, err)
}

func TestChooseDeviceWithoutPrompt(t *testing.T) {
	_, err := chooseDevice(nil)
	assert.True(t, errors.Is(err, errNoDevices))

	only := common.OBDDevice{ID: "a", Address: "a"}
	got, err := chooseDevice([]common.OBDDevice{only})
	require.NoError(t, err)
	assert.Equal(t, only, got)
}
