package realtime

import "time"

const (
	// Max bytes per inbound frame. Clients only send hello and pings.
	maxFrameBytes = 8 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Inbound events per connection per window.
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
