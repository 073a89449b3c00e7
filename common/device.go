package common

// OBDDevice описывает адаптер ELM327, найденный драйвером канала.
type OBDDevice struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// OBDResponse - результат одного цикла запрос/ответ.
type OBDResponse struct {
	Command   string `json:"command"`   // Нормализованная команда без завершающего \r
	Response  string `json:"response"`  // Нормализованный текст ответа адаптера
	Timestamp int64  `json:"timestamp"` // Время получения (Unix millis)
}
