package telemetry

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateInstanceID identifies this process in exported metrics as host-pid-suffix.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "videoproxy"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
