package kafka

import (
	"strings"
	"time"
)

// Config holds Kafka configuration
type Config struct {
	Brokers       []string
	ConsumerGroup string
	ClientID      string

	// Producer settings
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int // 0: no ack, 1: leader ack, -1: all replicas ack

	// Consumer settings
	MinBytes      int
	MaxBytes      int
	MaxWait       time.Duration
	CommitTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "marketplace-sync",
		ClientID:      "marketplace-sync",

		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: -1,

		MinBytes:      1,
		MaxBytes:      10e6,
		MaxWait:       500 * time.Millisecond,
		CommitTimeout: time.Second,
	}
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Topics contains the Kafka topics this service touches
var Topics = struct {
	// MarketplaceEvents carries shipment-ingested and stock-synced events
	MarketplaceEvents string
	// MarketplaceNotifications queues webhook notifications for background processing
	MarketplaceNotifications string
	// InventoryEvents is produced by the warehouse inventory service
	InventoryEvents string
	// PickingEvents is produced by the picking service
	PickingEvents string
}{
	MarketplaceEvents:        "wms.marketplace.events",
	MarketplaceNotifications: "wms.marketplace.notifications",
	InventoryEvents:          "wms.inventory.events",
	PickingEvents:            "wms.picking.events",
}

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
}

const day = int64(24 * time.Hour / time.Millisecond)

// DefaultTopicConfigs returns the topics this service produces to
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{Name: Topics.MarketplaceEvents, Partitions: 6, ReplicationFactor: 3, RetentionMs: 7 * day},
		{Name: Topics.MarketplaceNotifications, Partitions: 3, ReplicationFactor: 3, RetentionMs: 2 * day},
	}
}
