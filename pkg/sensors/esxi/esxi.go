// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package esxi implements the hypervisor-host sensor provider. It queries an
// ESXi management endpoint for per-CPU MSR thermal readouts and derives core
// temperatures from the package TjMax, the same arithmetic the hypervisor
// exposes through its vsish MSR nodes (temperature = TjMax - digital readout).
package esxi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"

	"github.com/antimetal/sentinel/pkg/sensors"
)

const SourceName = "esxi"

// sensorsPath is the management API document carrying topology and
// per-CPU thermal state in one response.
const sensorsPath = "/hardware/cpu/sensors"

// defaultTjMax is used when the endpoint reports no usable TjMax,
// matching the conventional Intel fallback.
const defaultTjMax = 100

func init() {
	sensors.Register(SourceName, func(logger logr.Logger, config sensors.Config) (sensors.Source, error) {
		return New(logger, config)
	})
}

// Source queries a remote ESXi management interface for host metrics.
type Source struct {
	logger   logr.Logger
	endpoint string
	username string
	password string

	// client is reused across samples; connections are pooled by its
	// transport rather than reopened per call.
	client *http.Client
}

// New creates the hypervisor provider for config.Endpoint.
func New(logger logr.Logger, config sensors.Config) (*Source, error) {
	config.ApplyDefaults()
	if config.Endpoint == "" {
		return nil, fmt.Errorf("esxi endpoint is required but not provided")
	}
	u, err := url.Parse(config.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid esxi endpoint %q", config.Endpoint)
	}

	return &Source{
		logger:   logger.WithName(SourceName),
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		username: config.Username,
		password: config.Password,
		client: &http.Client{
			Timeout: config.SampleTimeout,
		},
	}, nil
}

func (s *Source) Name() string { return SourceName }

// hostSensors is the management API response document.
type hostSensors struct {
	TjMax   int    `json:"tjmax"`
	Sockets int    `json:"sockets"`
	Cores   int    `json:"cores"`
	Threads int    `json:"threads"`
	CPUs    []struct {
		CPUID          string `json:"cpu_id"`
		SocketID       string `json:"socket_id"`
		CoreID         string `json:"core_id"`
		DigitalReadout int    `json:"digital_readout"`
	} `json:"cpus"`
}

// Sample fetches the sensor document and converts it to raw readings.
func (s *Source) Sample(ctx context.Context) ([]sensors.RawReading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+sensorsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %v", sensors.ErrSampleTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", sensors.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: endpoint returned %s", sensors.ErrAuthFailure, resp.Status)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: endpoint returned %s", sensors.ErrUnreachable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: endpoint returned %s", sensors.ErrMalformedResponse, resp.Status)
	}

	var doc hostSensors
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", sensors.ErrMalformedResponse, err)
	}

	return s.convert(doc), nil
}

func (s *Source) convert(doc hostSensors) []sensors.RawReading {
	tjmax := doc.TjMax
	if tjmax <= 0 {
		s.logger.V(1).Info("endpoint reported no usable tjmax, using default", "default", defaultTjMax)
		tjmax = defaultTjMax
	}

	readings := []sensors.RawReading{
		{Chip: "package", Channel: "tjmax", Label: "TjMax", Value: float64(tjmax), Kind: sensors.KindTemperature},
		{Chip: "topology", Channel: "sockets", Label: "CPU sockets", Value: float64(doc.Sockets), Kind: sensors.KindCount},
		{Chip: "topology", Channel: "cores", Label: "CPU cores", Value: float64(doc.Cores), Kind: sensors.KindCount},
		{Chip: "topology", Channel: "threads", Label: "CPU threads", Value: float64(doc.Threads), Kind: sensors.KindCount},
	}

	for _, c := range doc.CPUs {
		readings = append(readings, sensors.RawReading{
			Chip:    "cpu" + c.CPUID,
			Channel: "temp",
			Label:   fmt.Sprintf("socket %s core %s", c.SocketID, c.CoreID),
			Value:   float64(tjmax - c.DigitalReadout),
			Kind:    sensors.KindTemperature,
		})
	}
	return readings
}

// Compile-time check
var _ sensors.Source = (*Source)(nil)
