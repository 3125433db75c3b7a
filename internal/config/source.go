package config

import (
	"sluice/source/queue"
)

// LoadSourceConfig delegates to the queue source loader while centralizing
// loader entrypoints under internal/config.
func LoadSourceConfig(path string) (queue.Config, error) {
	return queue.LoadConfig(path)
}
