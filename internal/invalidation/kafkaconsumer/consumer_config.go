package kafkaconsumer

import (
	"os"
	"time"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
}

// DefaultConfig fills the group timings. Every process needs its own group
// because each one holds a private in-process cache tier.
func DefaultConfig(brokers []string, topic, groupID string) Config {
	if groupID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		groupID = "veda-analysis-" + host
	}
	return Config{
		Brokers:          brokers,
		Topic:            topic,
		GroupID:          groupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		// a restarted process has an empty in-process tier, only new events matter
		InitialOffsetOldest: false,
	}
}
