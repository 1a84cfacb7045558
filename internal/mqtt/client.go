package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/flybeeper/geolog/internal/config"
	"github.com/flybeeper/geolog/internal/metrics"
	"github.com/flybeeper/geolog/pkg/utils"
)

// EventHandler обработчик распарсенных событий устройства
type EventHandler func(ev *Event) error

// Lifecycle уведомления о состоянии соединения с брокером
type Lifecycle interface {
	OnConnected()
	OnConnectionLost(err error)
}

// Client MQTT клиент устройства geolog
type Client struct {
	client    mqtt.Client
	config    *config.MQTTConfig
	logger    *utils.Logger
	parser    *Parser
	handler   EventHandler
	lifecycle Lifecycle
	connected bool
	mu        sync.RWMutex
}

// NewClient создает новый MQTT клиент
func NewClient(cfg *config.MQTTConfig, logger *utils.Logger, handler EventHandler, lifecycle Lifecycle) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := &Client{
		config:    cfg,
		logger:    logger.WithField("component", "mqtt"),
		parser:    NewParser(cfg.TopicPrefix, logger),
		handler:   handler,
		lifecycle: lifecycle,
	}

	// Настройка MQTT клиента
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetOrderMatters(cfg.OrderMatters)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// Callback при подключении, в том числе после переподключения
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.setConnected(true)
		c.logger.WithField("broker", cfg.URL).Info("Connected to MQTT broker")
		metrics.MQTTConnectionStatus.Set(1)

		topic := c.SubscriptionTopic()
		if token := client.Subscribe(topic, 1, c.messageHandler()); token.Wait() && token.Error() != nil {
			c.logger.WithFields(map[string]interface{}{
				"topic": topic,
				"error": token.Error(),
			}).Error("Failed to subscribe to topic")
		} else {
			c.logger.WithField("topic", topic).Info("Subscribed to MQTT topic")
		}

		if c.lifecycle != nil {
			c.lifecycle.OnConnected()
		}
	})

	// Callback при потере соединения
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.WithField("error", err).Warn("Lost connection to MQTT broker")
		metrics.MQTTConnectionStatus.Set(0)

		if c.lifecycle != nil {
			c.lifecycle.OnConnectionLost(err)
		}
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// SubscriptionTopic топик входящих событий устройства
func (c *Client) SubscriptionTopic() string {
	return fmt.Sprintf("%s/%s/+", c.parser.prefix, c.config.DeviceID)
}

// ControlTopic топик управляющих сообщений для источника
func (c *Client) ControlTopic(source string) string {
	return fmt.Sprintf("%s/%s/control/%s", c.parser.prefix, c.config.DeviceID, source)
}

// Connect подключается к брокеру; ошибка первого подключения фатальна для сессии
func (c *Client) Connect(ctx context.Context) error {
	c.logger.WithField("broker", c.config.URL).Info("Connecting to MQTT broker")

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Disconnect отключается от MQTT брокера
func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker")

	if c.client.IsConnected() {
		c.client.Disconnect(1000) // 1 секунда на graceful disconnect
	}
	c.setConnected(false)
	metrics.MQTTConnectionStatus.Set(0)
	c.logger.Info("MQTT client disconnected")
}

// IsConnected проверяет статус подключения
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// messageHandler обрабатывает сообщения синхронно, чтобы сохранить порядок событий
func (c *Client) messageHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		c.HandleMessage(msg.Topic(), msg.Payload())
	}
}

// HandleMessage разбирает сообщение и передает событие обработчику
func (c *Client) HandleMessage(topic string, payload []byte) {
	c.logger.WithFields(map[string]interface{}{
		"topic":        topic,
		"payload_size": len(payload),
	}).Debug("Received MQTT message")

	ev, err := c.parser.Parse(topic, payload)
	if err != nil {
		c.logger.WithFields(map[string]interface{}{
			"topic":        topic,
			"error":        err,
			"payload_size": len(payload),
		}).Error("Failed to parse device message")
		metrics.MQTTParseErrors.Inc()
		if strings.HasSuffix(topic, "/"+string(EventLocation)) {
			metrics.RecordFixRejected("malformed")
		}
		return
	}
	if ev == nil {
		return
	}
	metrics.MQTTMessagesReceived.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == EventLocation {
		metrics.RecordFixValidated()
	}

	if c.handler == nil {
		c.logger.WithField("topic", topic).Warn("Message handler is nil")
		return
	}
	if err := c.handler(ev); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"topic": topic,
			"kind":  string(ev.Kind),
			"error": err,
		}).Error("Message handler failed")
	}
}

// GetStats возвращает статистику клиента
func (c *Client) GetStats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"connected":     c.connected,
		"client_id":     c.config.ClientID,
		"broker_url":    c.config.URL,
		"device_id":     c.config.DeviceID,
		"topic_prefix":  c.config.TopicPrefix,
		"clean_session": c.config.CleanSession,
	}
}

// Publish отправляет сообщение в MQTT топик. Подтверждение брокера не ожидается:
// вызов возможен из обработчика сообщений paho, где ожидание токена блокирует клиент.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	token := c.client.Publish(topic, 1, retained, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			c.logger.WithFields(map[string]interface{}{
				"topic": topic,
				"error": token.Error(),
			}).Error("Failed to publish message")
		}
	}()

	c.logger.WithFields(map[string]interface{}{
		"topic":        topic,
		"payload_size": len(payload),
		"retained":     retained,
	}).Debug("Published MQTT message")
	return nil
}
