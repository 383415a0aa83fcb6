package main

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/function61/gokit/logex"
)

// scheduled invocation (e.g. EventBridge rule) = one run. the event payload carries nothing we need.
func lambdaHandler(ctx context.Context) error {
	rootLogger := logex.StandardLogger()

	configPath := defaultConfigPath
	if path := os.Getenv("CERTFLEET_CONFIG"); path != "" {
		configPath = path
	}

	conf, err := readConfig(configPath)
	if err != nil {
		return err
	}

	report, err := run(ctx, conf, runOptions{}, rootLogger)
	if err != nil {
		return err
	}

	printReport(report, logex.Levels(rootLogger))

	if !report.Ok() {
		// failed invocation shows up in Lambda's error metrics & alarms
		return errors.New("failed: " + strings.Join(report.Failed(), ", "))
	}

	return nil
}
