package docker

import (
	"time"
)

// Job parameters understood by the runner.
const (
	ParamImage   = "IMAGE"
	ParamCommand = "COMMAND"
)

// Config holds configuration for the container runner.
type Config struct {
	DefaultImage string        // Image used when a job has no IMAGE parameter
	UploadDir    string        // Where uploaded files are mounted inside the container (default /uploads)
	CPU          float64       // CPU cores per container, 0 for no limit
	MemoryMB     int           // Memory per container in MiB, 0 for no limit
	StopTimeout  time.Duration // Grace given to a container between SIGTERM and SIGKILL (default 10s)
	ExtraHosts   []string      // Extra /etc/hosts entries for containers (e.g., ["db.test:host-gateway"])
}

func (c Config) withDefaults() Config {
	if c.UploadDir == "" {
		c.UploadDir = "/uploads"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}
