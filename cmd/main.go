// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antimetal/sentinel/internal/agent"
	"github.com/antimetal/sentinel/internal/config"

	// Register the sensor source providers.
	_ "github.com/antimetal/sentinel/pkg/sensors/esxi"
	_ "github.com/antimetal/sentinel/pkg/sensors/local"
	_ "github.com/antimetal/sentinel/pkg/sensors/mock"
)

var (
	setupLog logr.Logger

	// CLI Options (alphabetical order)
	configPath string
	devLogging bool
	verbosity  int
)

func init() {
	flag.StringVar(&configPath, "config", "",
		"Path to the agent configuration file. "+
			"When empty the agent runs on built-in defaults plus SENTINEL_* environment variables.")
	flag.BoolVar(&devLogging, "dev-logging", false,
		"If set, logs are written in a human-readable development format instead of JSON")
	flag.IntVar(&verbosity, "v", 0,
		"Log verbosity level. Higher values enable more detailed logging")

	flag.Parse()
}

func buildLogger() (logr.Logger, func()) {
	zapCfg := zap.NewProductionConfig()
	if devLogging {
		zapCfg = zap.NewDevelopmentConfig()
	}
	// logr verbosity maps onto inverted zap levels.
	zapCfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))

	zl, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(int(agent.ExitConfigError))
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }
}

func main() {
	logger, sync := buildLogger()
	defer sync()
	setupLog = logger.WithName("setup")

	setupLog.Info("starting sentinel agent", "config", configPath)

	loader := config.NewLoader(configPath, logger)
	code := agent.Run(context.Background(), loader, logger)

	sync()
	os.Exit(int(code))
}
