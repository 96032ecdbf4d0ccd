// Package config provides configuration types and loading for loopdesk.
package config

import (
	"time"

	"github.com/loopdesk/loopdesk/internal/breaker"
	"github.com/loopdesk/loopdesk/internal/feedback"
	"github.com/loopdesk/loopdesk/internal/hitl"
	"github.com/loopdesk/loopdesk/internal/playbook"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Queue, Feedback, Stream, Ingest, Playbook,
// Governance, Breaker.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Queue      QueueConfig      `json:"queue"`
	Feedback   feedback.Config  `json:"feedback"`
	Stream     StreamConfig     `json:"stream"`
	Graph      GraphConfig      `json:"graph"`
	Ingest     IngestConfig     `json:"ingest"`
	Playbook   playbook.Config  `json:"playbook"`
	Governance GovernanceConfig `json:"governance"`
	Breaker    breaker.Config   `json:"breaker"`
}

// Store backend modes. "memory" keeps nothing across restarts and is meant
// for demos and tests.
const (
	ModeSQLite = "sqlite"
	ModeMemory = "memory"
)

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	DBFile  string `json:"dbFile" envconfig:"DB_FILE"`
}

// QueueConfig tunes the approval queue and its background sweeper.
type QueueConfig struct {
	SLA           hitl.SLAPolicy `json:"sla"`
	Strategy      string         `json:"strategy" envconfig:"STRATEGY"`
	SweepInterval time.Duration  `json:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
}

// StreamConfig configures the activity stream backend and its optional
// Kafka mirror. An empty broker list disables mirroring.
type StreamConfig struct {
	Mode          string        `json:"mode" envconfig:"MODE"`
	RingCapacity  int           `json:"ringCapacity" envconfig:"RING_CAPACITY"`
	MirrorBrokers string        `json:"mirrorBrokers" envconfig:"MIRROR_BROKERS"`
	MirrorTopic   string        `json:"mirrorTopic" envconfig:"MIRROR_TOPIC"`
	PollInterval  time.Duration `json:"pollInterval" envconfig:"POLL_INTERVAL"`
}

// GraphConfig selects the activity graph backend.
type GraphConfig struct {
	Mode string `json:"mode" envconfig:"MODE"`
}

// IngestConfig configures the inbound Kafka bridge. An empty broker list
// disables ingestion.
type IngestConfig struct {
	Brokers       string   `json:"brokers" envconfig:"BROKERS"`
	ConsumerGroup string   `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	Topics        []string `json:"topics" envconfig:"TOPICS"`
}

// GovernanceConfig configures the metrics listener.
type GovernanceConfig struct {
	MetricsAddr string `json:"metricsAddr" envconfig:"METRICS_ADDR"`
}

// DefaultConfig returns a Config with sensible defaults for a local
// single-binary deployment.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.loopdesk",
			DBFile:  "loopdesk.db",
		},
		Queue: QueueConfig{
			SLA:           hitl.DefaultSLAPolicy(),
			Strategy:      "round_robin",
			SweepInterval: time.Minute,
		},
		Feedback: feedback.DefaultConfig(),
		Stream: StreamConfig{
			Mode:         ModeSQLite,
			RingCapacity: 4096,
			MirrorTopic:  "loopdesk.activity",
			PollInterval: 100 * time.Millisecond,
		},
		Graph: GraphConfig{
			Mode: ModeSQLite,
		},
		Ingest: IngestConfig{
			ConsumerGroup: "loopdesk-ingest",
			Topics:        []string{"support.activity"},
		},
		Playbook: playbook.DefaultConfig(),
		Governance: GovernanceConfig{
			MetricsAddr: ":9464",
		},
		Breaker: breaker.DefaultConfig(),
	}
}
