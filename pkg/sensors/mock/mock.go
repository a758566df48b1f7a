// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mock implements a synthetic sensor provider returning fixed
// coretemp-style readings. It exists for local development on machines
// without a readable sensor subsystem and for exercising the pipeline in
// tests.
package mock

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/antimetal/sentinel/pkg/sensors"
)

const SourceName = "mock"

func init() {
	sensors.Register(SourceName, func(logger logr.Logger, config sensors.Config) (sensors.Source, error) {
		return New(logger), nil
	})
}

// Source yields the same plausible reading set on every sample.
type Source struct {
	logger logr.Logger
}

func New(logger logr.Logger) *Source {
	return &Source{logger: logger.WithName(SourceName)}
}

func (s *Source) Name() string { return SourceName }

func (s *Source) Sample(ctx context.Context) ([]sensors.RawReading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []sensors.RawReading{
		{Chip: "coretemp", Channel: "package", Label: "Package id 0", Value: 45.0, Kind: sensors.KindTemperature},
		{Chip: "coretemp", Channel: "core0", Label: "Core 0", Value: 42.0, Kind: sensors.KindTemperature},
		{Chip: "coretemp", Channel: "core1", Label: "Core 1", Value: 43.5, Kind: sensors.KindTemperature},
		{Chip: "nct6775", Channel: "fan1", Label: "CPU fan", Value: 1200, Kind: sensors.KindFan},
		{Chip: "cpu", Channel: "utilization", Label: "CPU utilization", Value: 17.3, Kind: sensors.KindUtilization},
	}, nil
}

// Compile-time check
var _ sensors.Source = (*Source)(nil)
