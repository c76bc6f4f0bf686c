package assess

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// connectAttempts bounds how often a one-shot CLI run retries the broker
const connectAttempts = 4

// newPahoClient is swapped out in tests
var newPahoClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// MQTTClient wraps a broker connection used to publish run results
type MQTTClient struct {
	client mqtt.Client
	broker string
}

// envOr returns the environment variable when set, the fallback otherwise
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// clientOptions builds paho options from the publish section.
// MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and MQTT_PASSWORD override it.
func clientOptions(cfg *PublishConfig) (*mqtt.ClientOptions, string, error) {
	broker := envOr("MQTT_BROKER", cfg.Broker)
	if broker == "" {
		return nil, "", fmt.Errorf("%w: no MQTT broker configured", ErrConfigValidation)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	clientID := envOr("MQTT_CLIENT_ID", cfg.ClientID)
	if clientID == "" {
		clientID = "treedet"
	}
	opts.SetClientID(clientID)

	if username := envOr("MQTT_USERNAME", cfg.Username); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(envOr("MQTT_PASSWORD", cfg.Password))
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Warning: MQTT connection lost: %v", err)
	})
	return opts, broker, nil
}

// ConnectMQTT connects to the configured broker, retrying with exponential
// backoff until the attempts run out or ctx is cancelled
func ConnectMQTT(ctx context.Context, cfg *PublishConfig) (*MQTTClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: publish section missing", ErrConfigValidation)
	}
	opts, broker, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	c := &MQTTClient{client: newPahoClient(opts), broker: broker}
	if err := c.connectWithRetry(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) error {
	retryDelay := 500 * time.Millisecond
	var lastErr error

	for attempt := 1; attempt <= connectAttempts; attempt++ {
		log.Printf("Connecting to MQTT broker %s (attempt %d/%d)...", c.broker, attempt, connectAttempts)
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Connected to MQTT broker")
				return nil
			}
			lastErr = token.Error()
		} else {
			lastErr = fmt.Errorf("timeout")
		}
		log.Printf("MQTT connection failed: %v", lastErr)

		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
	}
	return fmt.Errorf("connecting to MQTT broker %s: %w", c.broker, lastErr)
}

// newMQTTClientWithMock wraps an already built client, used with MockClient in tests
func newMQTTClientWithMock(client mqtt.Client) *MQTTClient {
	return &MQTTClient{client: client, broker: "mock"}
}

// IsConnected reports whether the underlying client is connected
func (c *MQTTClient) IsConnected() bool {
	return c != nil && c.client != nil && c.client.IsConnected()
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
	}
}
