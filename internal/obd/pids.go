package obd

import "fmt"

// Parameter - имя параметра живых данных из фиксированного набора.
type Parameter string

const (
	EngineRPM          Parameter = "Engine RPM"
	VehicleSpeed       Parameter = "Vehicle Speed"
	EngineLoad         Parameter = "Engine Load"
	CoolantTemperature Parameter = "Coolant Temperature"
	FuelLevel          Parameter = "Fuel Level"
	ThrottlePosition   Parameter = "Throttle Position"
	IntakeAirTemp      Parameter = "Intake Air Temperature"
	MassAirFlow        Parameter = "Mass Air Flow"
)

// Режимы OBD-II, которые использует клиент.
const (
	ModeStoredDTC    = "03"
	ModePendingDTC   = "07"
	ModePermanentDTC = "0A"
	ModeClearDTC     = "04"
	CommandVIN       = "0902"
)

// DTCCommands - команды чтения кодов в порядке опроса.
var DTCCommands = []string{ModeStoredDTC, ModePendingDTC, ModePermanentDTC}

// PID описывает один запрос живых данных.
type PID struct {
	Name Parameter
	Mode string
	Code string
	Unit string
}

// Command возвращает команду в виде mode+PID.
func (p PID) Command() string {
	return fmt.Sprintf("%s%s", p.Mode, p.Code)
}

var (
	PIDEngineRPM          = PID{Name: EngineRPM, Mode: "01", Code: "0C", Unit: "RPM"}
	PIDVehicleSpeed       = PID{Name: VehicleSpeed, Mode: "01", Code: "0D", Unit: "km/h"}
	PIDEngineLoad         = PID{Name: EngineLoad, Mode: "01", Code: "04", Unit: "%"}
	PIDCoolantTemperature = PID{Name: CoolantTemperature, Mode: "01", Code: "05", Unit: "°C"}
	PIDFuelLevel          = PID{Name: FuelLevel, Mode: "01", Code: "2F", Unit: "%"}
	PIDThrottlePosition   = PID{Name: ThrottlePosition, Mode: "01", Code: "11", Unit: "%"}
	PIDIntakeAirTemp      = PID{Name: IntakeAirTemp, Mode: "01", Code: "0F", Unit: "°C"}
	PIDMassAirFlow        = PID{Name: MassAirFlow, Mode: "01", Code: "10", Unit: "g/s"}
)

// LivePIDs - порядок опроса живых данных.
var LivePIDs = []PID{
	PIDEngineRPM,
	PIDVehicleSpeed,
	PIDEngineLoad,
	PIDCoolantTemperature,
	PIDFuelLevel,
	PIDThrottlePosition,
	PIDIntakeAirTemp,
	PIDMassAirFlow,
}

// Lookup находит PID по имени параметра.
func Lookup(name Parameter) (PID, bool) {
	for _, p := range LivePIDs {
		if p.Name == name {
			return p, true
		}
	}
	return PID{}, false
}

// Unit возвращает единицу измерения параметра или пустую строку.
func Unit(name Parameter) string {
	p, ok := Lookup(name)
	if !ok {
		return ""
	}
	return p.Unit
}
