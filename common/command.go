package common

// CommandType определяет тип команды от сервера.
type CommandType string

const (
	// CommandTypeRunScan предписывает выполнить полную диагностику и опубликовать снимок.
	CommandTypeRunScan CommandType = "run_scan"
	// CommandTypeClearDTCs предписывает сбросить коды неисправностей (режим 04).
	CommandTypeClearDTCs CommandType = "clear_dtcs"
)

// ServerCommand представляет команду, полученную от сервера через MQTT.
type ServerCommand struct {
	ID     string        `json:"id,omitempty"`
	Type   CommandType   `json:"type"`
	Params CommandParams `json:"params,omitempty"`
}

// CommandParams содержит параметры для различных команд.
// Используйте указатели, чтобы опускать незаполненные поля в JSON.
type CommandParams struct {
	// Publish для run_scan: публиковать ли снимок сразу после сканирования.
	Publish *bool `json:"publish,omitempty"`
}

// CommandAck представляет подтверждение выполнения команды.
type CommandAck struct {
	CommandID string      `json:"command_id"` // Идентификатор исходной команды, если есть
	Type      CommandType `json:"type"`
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
}
