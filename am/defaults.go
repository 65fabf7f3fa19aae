package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("hub.endpoint", DefaultEndpoint)
	v.SetDefault("hub.workers", 0) // parallelism - 1
	v.SetDefault("hub.queue_size", DefaultQueueSize)
	v.SetDefault("hub.max_message_bytes", DefaultMaxMessageBytes)
	v.SetDefault("hub.rate_limit_per_second", 50.0)
	v.SetDefault("hub.rate_burst", 20)

	v.SetDefault("keystore.allow", AllowAny)
	v.SetDefault("keystore.key_file", "/etc/jobhub/keys/hub.key_secret")
	v.SetDefault("keystore.trusted_dir", "/etc/jobhub/keys/trusted")
	v.SetDefault("keystore.watch", false)

	v.SetDefault("sweep.interval_seconds", 60)
	v.SetDefault("sweep.idle_after_seconds", 5*60)
	v.SetDefault("sweep.missing_after_seconds", 2*60*60)
	v.SetDefault("sweep.dead_after_seconds", 7*24*60*60)
}
