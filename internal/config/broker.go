package config

// BrokerConfig configures the RabbitMQ event bus. Publishing is disabled
// when URL is empty; every write path tolerates a nil publisher.
type BrokerConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`

	// Queue used by the workspace-event consumer.
	WorkspaceQueue string `yaml:"workspace_queue"`
}

func defaultBroker() BrokerConfig {
	return BrokerConfig{
		Exchange:       "renova.events",
		WorkspaceQueue: "renova.artifact-store.workspace",
	}
}
