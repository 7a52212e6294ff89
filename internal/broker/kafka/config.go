package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

type Config struct {
	Brokers          []string
	ClientID         string
	GroupID          string
	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
	FlushTimeout     time.Duration
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka config: no brokers")
	}
	if c.ClientID == "" {
		return fmt.Errorf("kafka config: empty client id")
	}
	if strings.HasPrefix(c.SecurityProtocol, "SASL_") {
		if c.SASLMechanism == "" || c.SASLUsername == "" {
			return fmt.Errorf("kafka config: SASL enabled but mechanism or username missing")
		}
	}
	return nil
}

func (c *Config) flushTimeout() time.Duration {
	if c.FlushTimeout <= 0 {
		return 10 * time.Second
	}
	return c.FlushTimeout
}

func (c *Config) configMap(clientSuffix string) kafka.ConfigMap {
	cm := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(c.Brokers, ","),
		"client.id":         c.ClientID + clientSuffix,
	}
	if c.SecurityProtocol != "" && c.SecurityProtocol != "PLAINTEXT" {
		cm["security.protocol"] = c.SecurityProtocol
	}
	if strings.HasPrefix(c.SecurityProtocol, "SASL_") {
		cm["sasl.mechanism"] = c.SASLMechanism
		cm["sasl.username"] = c.SASLUsername
		cm["sasl.password"] = c.SASLPassword
	}
	return cm
}
