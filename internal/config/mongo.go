package config

import "time"

// MongoConfig configures the persistence layer. When URI is empty the
// services fall back to their in-memory stores (used by tests and by the
// --stdio single-tool mode).
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func defaultMongo() MongoConfig {
	return MongoConfig{
		Database:       "renova",
		ConnectTimeout: 10 * time.Second,
	}
}
