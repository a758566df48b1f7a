// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/sentinel/pkg/sensors"
)

func TestAssembleNormalizesReadings(t *testing.T) {
	asm := NewAssembler("host-1", logr.Discard())
	capturedAt := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	raw := []sensors.RawReading{
		{Chip: "coretemp", Channel: "temp1", Label: "Package id 0", Value: 61.5, Kind: sensors.KindTemperature},
		{Chip: "nct6798", Channel: "fan2", Value: 1180, Kind: sensors.KindFan},
		{Chip: "amdgpu", Channel: "power1", Value: 38.2, Kind: sensors.KindPower},
		{Channel: "cpu_util", Value: 23.4, Kind: sensors.KindUtilization},
	}

	snap := asm.Assemble(raw, capturedAt)

	assert.Equal(t, "host-1", snap.HostID)
	assert.Equal(t, capturedAt, snap.CapturedAt)
	assert.Equal(t, uint64(1), snap.Sequence)
	require.Len(t, snap.Readings, 4)

	assert.Equal(t, Reading{
		SensorID: "coretemp/temp1", Label: "Package id 0", Value: 61.5, Unit: UnitCelsius,
	}, snap.Readings[0])
	assert.Equal(t, "nct6798/fan2", snap.Readings[1].SensorID)
	assert.Equal(t, UnitRPM, snap.Readings[1].Unit)
	assert.Equal(t, UnitWatt, snap.Readings[2].Unit)
	assert.Equal(t, "cpu_util", snap.Readings[3].SensorID, "chipless readings use the bare channel")
	assert.Equal(t, UnitPercent, snap.Readings[3].Unit)
}

func TestAssembleSequenceMonotonic(t *testing.T) {
	asm := NewAssembler("host-1", logr.Discard())

	for want := uint64(1); want <= 5; want++ {
		snap := asm.Assemble(nil, time.Now().UTC())
		assert.Equal(t, want, snap.Sequence)
	}
	assert.Equal(t, uint64(5), asm.Sequence())
}

func TestAssembleEmptySampleStillProducesSnapshot(t *testing.T) {
	asm := NewAssembler("host-1", logr.Discard())
	snap := asm.Assemble([]sensors.RawReading{}, time.Now().UTC())

	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Empty(t, snap.Readings)
}

func TestAssembleDeduplicatesLastWriteWins(t *testing.T) {
	asm := NewAssembler("host-1", logr.Discard())

	raw := []sensors.RawReading{
		{Chip: "coretemp", Channel: "temp1", Value: 50, Kind: sensors.KindTemperature},
		{Chip: "coretemp", Channel: "temp2", Value: 52, Kind: sensors.KindTemperature},
		{Chip: "coretemp", Channel: "temp1", Value: 55, Kind: sensors.KindTemperature},
	}

	snap := asm.Assemble(raw, time.Now().UTC())
	require.Len(t, snap.Readings, 2)
	assert.Equal(t, "coretemp/temp1", snap.Readings[0].SensorID)
	assert.Equal(t, float64(55), snap.Readings[0].Value, "the last duplicate wins")
	assert.Equal(t, "coretemp/temp2", snap.Readings[1].SensorID)
}

func TestAssembleSkipsUnknownKinds(t *testing.T) {
	asm := NewAssembler("host-1", logr.Discard())

	raw := []sensors.RawReading{
		{Chip: "coretemp", Channel: "temp1", Value: 50, Kind: sensors.KindTemperature},
		{Chip: "weird", Channel: "x1", Value: 9, Kind: sensors.Kind("voltage")},
	}

	snap := asm.Assemble(raw, time.Now().UTC())
	require.Len(t, snap.Readings, 1)
	assert.Equal(t, "coretemp/temp1", snap.Readings[0].SensorID)
}

func TestAssembleConcurrentSequences(t *testing.T) {
	asm := NewAssembler("host-1", logr.Discard())

	const workers = 8
	const perWorker = 100
	seen := make([][]uint64, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				snap := asm.Assemble(nil, time.Now().UTC())
				seen[idx] = append(seen[idx], snap.Sequence)
			}
		}(i)
	}
	wg.Wait()

	all := make(map[uint64]bool)
	for _, seqs := range seen {
		for _, s := range seqs {
			assert.False(t, all[s], "sequence %d assigned twice", s)
			all[s] = true
		}
	}
	assert.Len(t, all, workers*perWorker)
}
