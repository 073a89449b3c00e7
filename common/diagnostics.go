package common

// LiveDataPoint - одно показание датчика.
type LiveDataPoint struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Timestamp int64   `json:"timestamp"` // Unix millis
}

// VehicleInfo - идентификация автомобиля. VIN читается командой 0902,
// марка/модель/год задаются конфигурацией.
type VehicleInfo struct {
	VIN   string `json:"vin"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  int    `json:"year"`
}

// VehicleDiagnostics - снимок полной диагностики.
type VehicleDiagnostics struct {
	DTCs        []DiagnosticTroubleCode `json:"dtcs"`
	LiveData    []LiveDataPoint         `json:"liveData"`
	VehicleInfo VehicleInfo             `json:"vehicleInfo"`
	LastScan    int64                   `json:"lastScan"` // Unix millis
}

// Reading ищет показание по имени параметра.
func (d VehicleDiagnostics) Reading(name string) (LiveDataPoint, bool) {
	for _, p := range d.LiveData {
		if p.Name == name {
			return p, true
		}
	}
	return LiveDataPoint{}, false
}
