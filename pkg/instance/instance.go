package instance

import "os"

// EnvWorkerID overrides the generated worker identity.
const EnvWorkerID = "STOCKHOLD_WORKER_ID"

// GetID returns the worker instance identifier used as the lock owner
// prefix. It falls back to the hostname, then to a fixed default.
func GetID() string {
	if id := os.Getenv(EnvWorkerID); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
