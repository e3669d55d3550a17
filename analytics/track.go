// Package analytics creates the event tracker of an upload client run.
package analytics

import (
	"fmt"
	"runtime"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(...analytics.Properties) analytics.Tracker

const (
	RunIDEnvKey   = "UPLOAD_RUN_ID"
	RunID         = "upload_run_id"
	ClientVersion = "client_version"
	Platform      = "platform"
)

// NewRunTracker returns a tracker that tags every event with the run id found in the environment,
// the client version and the platform the client runs on.
func NewRunTracker(repository env.Repository, version string, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	runID := repository.Get(RunIDEnvKey)
	if runID == "" {
		return nil, fmt.Errorf("no upload run ID found")
	}
	if version == "" {
		version = "unknown"
	}
	return trackerFactory(analytics.Properties{
		RunID:         runID,
		ClientVersion: version,
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
	}), nil
}

func NewDefaultRunTracker(repository env.Repository, version string, logger log.Logger) (analytics.Tracker, error) {
	return NewRunTracker(repository, version, func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	})
}
