package common

// Severity - степень серьёзности неисправности.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category - подсистема автомобиля, к которой относится код.
type Category string

const (
	CategoryPowertrain         Category = "Powertrain"
	CategoryPowertrainSpecific Category = "Powertrain (Manufacturer Specific)"
	CategoryPowertrainReserved Category = "Powertrain (Reserved)"
	CategoryChassis            Category = "Chassis"
	CategoryBody               Category = "Body"
	CategoryNetwork            Category = "Network"
	CategoryUnknown            Category = "Unknown"
)

// DiagnosticTroubleCode представляет код неисправности (DTC) OBD-II.
// Значение выводится целиком из кода и после создания не меняется.
type DiagnosticTroubleCode struct {
	Code        string   `json:"code"` // Буква + 4 символа, например P0302
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
}
