package am

import (
	"net"

	"github.com/derivkit/jobhub/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Hub.Endpoint == "" {
		return errors.New("hub.endpoint cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Hub.Endpoint); err != nil {
		return errors.Wrapf(err, "hub.endpoint %q is not host:port", c.Hub.Endpoint)
	}

	// Workers: 0 = derive from parallelism, negative = invalid
	if c.Hub.Workers < 0 {
		return errors.Newf("hub.workers must be >= 0, got %d", c.Hub.Workers)
	}
	if c.Hub.QueueSize < 0 {
		return errors.Newf("hub.queue_size must be >= 0, got %d", c.Hub.QueueSize)
	}
	if c.Hub.MaxMessageBytes <= 0 {
		return errors.Newf("hub.max_message_bytes must be > 0, got %d", c.Hub.MaxMessageBytes)
	}
	if c.Hub.RateLimitPerSecond < 0 {
		return errors.Newf("hub.rate_limit_per_second must be >= 0, got %f", c.Hub.RateLimitPerSecond)
	}
	if c.Hub.RateLimitPerSecond > 0 && c.Hub.RateBurst <= 0 {
		return errors.Newf("hub.rate_burst must be > 0 when rate limiting, got %d", c.Hub.RateBurst)
	}

	if c.Keystore.KeyFile == "" {
		return errors.WithHint(
			errors.New("keystore.key_file cannot be empty"),
			"generate one with: jobhub keygen --out /etc/jobhub/keys/hub",
		)
	}
	if c.Keystore.TrustedDir == "" {
		return errors.New("keystore.trusted_dir cannot be empty")
	}
	if c.Keystore.Allow != AllowAny && net.ParseIP(c.Keystore.Allow) == nil {
		if _, _, err := net.ParseCIDR(c.Keystore.Allow); err != nil {
			return errors.Newf("keystore.allow must be %q, an IP or a CIDR, got %q", AllowAny, c.Keystore.Allow)
		}
	}

	// Sweep: 0 = disabled, negative = invalid; thresholds must be ordered
	if c.Sweep.IntervalSeconds < 0 {
		return errors.Newf("sweep.interval_seconds must be >= 0, got %d", c.Sweep.IntervalSeconds)
	}
	if c.Sweep.IntervalSeconds > 0 {
		s := c.Sweep
		if s.IdleAfterSeconds <= 0 || s.MissingAfterSeconds <= s.IdleAfterSeconds || s.DeadAfterSeconds <= s.MissingAfterSeconds {
			return errors.Newf("sweep thresholds must satisfy 0 < idle (%d) < missing (%d) < dead (%d)",
				s.IdleAfterSeconds, s.MissingAfterSeconds, s.DeadAfterSeconds)
		}
	}

	return nil
}
