package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/serebryakov7/obd-stats/common"
)

const (
	DefaultUpdateInterval = 10 * time.Second
	DefaultBroker         = "tcp://localhost:1883"
	DefaultClientID       = "obd-agent"
	DefaultTopic          = "vehicle/data/obd"
	DefaultDTCTopic       = "vehicle/dtc/obd"
	DefaultCommandTopic   = "vehicle/command/obd"
)

// MQTTConfig содержит настройки для MQTT клиента
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	DTCTopic       string // Топик для отправки DTC
	CommandTopic   string // Топик для получения команд
	UpdateInterval time.Duration
}

// AckTopic - топик подтверждений команд.
func (c MQTTConfig) AckTopic() string {
	if c.CommandTopic == "" {
		return ""
	}
	return c.CommandTopic + "/ack"
}

// MQTTClient представляет MQTT клиент для отправки данных и получения команд
type MQTTClient struct {
	config     MQTTConfig
	client     mqtt.Client
	logger     *zap.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
	dataSource func() json.Marshaler
	// commandHandler - функция обратного вызова для обработки команд
	commandHandler func(cmd common.ServerCommand) (string, error)
}

// NewClient создает новый MQTT клиент
func NewClient(config MQTTConfig, logger *zap.Logger, dataSource func() json.Marshaler, cmdHandler func(cmd common.ServerCommand) (string, error)) *MQTTClient {
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = DefaultUpdateInterval
	}
	if config.DTCTopic == "" {
		config.DTCTopic = config.Topic + "/dtc"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTClient{
		config:         config,
		logger:         logger.With(zap.String("broker", config.Broker)),
		stopChan:       make(chan struct{}),
		dataSource:     dataSource,
		commandHandler: cmdHandler,
	}
}

// Connect устанавливает соединение с MQTT брокером
func (c *MQTTClient) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	// полное сканирование по команде идёт больше минуты
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info("Подключено к MQTT брокеру")
		// Подписываемся на топик команд после успешного подключения
		c.subscribeToCommands()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn("Соединение с MQTT брокером потеряно", zap.Error(err))
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("ошибка подключения к MQTT брокеру %s: %w", c.config.Broker, token.Error())
	}

	return nil
}

// StartPublishing начинает периодическую отправку данных
func (c *MQTTClient) StartPublishing() {
	ticker := time.NewTicker(c.config.UpdateInterval)

	c.logger.Info("Начало публикации данных в MQTT",
		zap.String("topic", c.config.Topic),
		zap.Duration("interval", c.config.UpdateInterval))

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.PublishData()
			}
		}
	}()
}

// StopPublishing останавливает публикацию данных
func (c *MQTTClient) StopPublishing() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// Disconnect отключается от MQTT брокера
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

func (c *MQTTClient) connected() bool {
	return c.client != nil && c.client.IsConnected()
}

// PublishData публикует текущий снимок в MQTT
func (c *MQTTClient) PublishData() {
	if c.dataSource == nil {
		return
	}
	vehicleData := c.dataSource()
	if vehicleData == nil {
		c.logger.Debug("Нет данных для публикации")
		return
	}

	data, err := vehicleData.MarshalJSON()
	if err != nil {
		c.logger.Error("Ошибка сериализации данных", zap.Error(err))
		return
	}
	c.publish(c.config.Topic, data)
}

func (c *MQTTClient) publish(topic string, data []byte) bool {
	if !c.connected() {
		c.logger.Warn("MQTT клиент не подключен, сообщение не будет отправлено", zap.String("topic", topic))
		return false
	}
	token := c.client.Publish(topic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		c.logger.Error("Ошибка отправки в MQTT", zap.String("topic", topic), zap.Error(token.Error()))
		return false
	}
	c.logger.Debug("Сообщение отправлено в MQTT", zap.String("topic", topic), zap.Int("bytes", len(data)))
	return true
}

// subscribeToCommands подписывается на топик команд от сервера.
func (c *MQTTClient) subscribeToCommands() {
	commandTopic := c.config.CommandTopic
	if commandTopic == "" {
		c.logger.Info("Топик для команд не указан, подписка не будет выполнена")
		return
	}

	token := c.client.Subscribe(commandTopic, 1, c.handleIncomingCommand)
	go func() {
		<-token.Done()
		if token.Error() != nil {
			c.logger.Error("Ошибка подписки на топик команд", zap.String("topic", commandTopic), zap.Error(token.Error()))
		} else {
			c.logger.Info("Успешно подписан на топик команд", zap.String("topic", commandTopic))
		}
	}()
}

// handleIncomingCommand обрабатывает входящие сообщения из топика команд.
func (c *MQTTClient) handleIncomingCommand(_ mqtt.Client, msg mqtt.Message) {
	c.logger.Info("Получена команда", zap.String("topic", msg.Topic()), zap.ByteString("payload", msg.Payload()))

	ack := c.processCommand(msg.Payload())
	if ack != nil {
		c.PublishAck(*ack)
	}
}

// processCommand разбирает и выполняет команду. Возвращает nil, если
// подтверждать нечего (сообщение не разобрано).
func (c *MQTTClient) processCommand(payload []byte) *common.CommandAck {
	var cmd common.ServerCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Warn("Ошибка десериализации команды", zap.Error(err), zap.ByteString("payload", payload))
		return nil
	}

	ack := &common.CommandAck{CommandID: cmd.ID, Type: cmd.Type}

	switch cmd.Type {
	case common.CommandTypeRunScan, common.CommandTypeClearDTCs:
	default:
		ack.Message = fmt.Sprintf("неизвестный тип команды: %q", cmd.Type)
		c.logger.Warn("Неизвестная команда", zap.String("type", string(cmd.Type)))
		return ack
	}

	if c.commandHandler == nil {
		ack.Message = "обработчик команд не настроен"
		c.logger.Warn("Обработчик команд не настроен")
		return ack
	}

	msg, err := c.commandHandler(cmd)
	if err != nil {
		ack.Message = err.Error()
		c.logger.Error("Ошибка обработки команды", zap.String("type", string(cmd.Type)), zap.Error(err))
		return ack
	}
	ack.Success = true
	ack.Message = msg
	return ack
}

// PublishAck публикует подтверждение команды в <command_topic>/ack.
func (c *MQTTClient) PublishAck(ack common.CommandAck) {
	topic := c.config.AckTopic()
	if topic == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		c.logger.Error("Ошибка сериализации подтверждения", zap.Error(err))
		return
	}
	c.publish(topic, data)
}

// PublishDTC публикует один DTC в MQTT
func (c *MQTTClient) PublishDTC(dtc common.DiagnosticTroubleCode) bool {
	data, err := json.Marshal(dtc)
	if err != nil {
		c.logger.Error("Ошибка сериализации DTC", zap.Error(err))
		return false
	}

	if !c.publish(c.config.DTCTopic, data) {
		return false
	}
	c.logger.Info("DTC отправлен в MQTT",
		zap.String("code", dtc.Code),
		zap.String("severity", string(dtc.Severity)),
		zap.String("topic", c.config.DTCTopic))
	return true
}
