package safety

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimProvider is an in-memory hardware-safety collaborator for development
// and tests. SetInterlockState exists only here; the real collaborator's
// conditions are read-only facts of the machine.
type SimProvider struct {
	mu      sync.Mutex
	status  InterlockStatus
	blocked bool
	// latency delays every snapshot, letting tests exercise the verifier's
	// fail-closed timeout path.
	latency time.Duration
}

// NewSimProvider starts with every interlock satisfied.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		status: InterlockStatus{
			DoorClosed:         true,
			EmergencyStopClear: true,
			ThermalNormal:      true,
			GeneratorReady:     true,
			DetectorReady:      true,
			CollimatorValid:    true,
			TableLocked:        true,
			DoseWithinLimits:   true,
			AecConfigured:      true,
		},
	}
}

func (p *SimProvider) Snapshot(ctx context.Context) (InterlockStatus, error) {
	p.mu.Lock()
	latency := p.latency
	status := p.status
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return InterlockStatus{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return InterlockStatus{}, err
	}
	return status, nil
}

func (p *SimProvider) IsExposureBlocked(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked || !p.status.AllOK(), nil
}

// EmergencyStandby drops the generator out of the ready state and blocks
// exposure, mirroring the hardware fail-safe.
func (p *SimProvider) EmergencyStandby(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.GeneratorReady = false
	p.blocked = true
	return nil
}

// SetInterlockState toggles a single named condition. Simulation only.
func (p *SimProvider) SetInterlockState(name string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch name {
	case InterlockDoorClosed:
		p.status.DoorClosed = enabled
	case InterlockEmergencyStopClear:
		p.status.EmergencyStopClear = enabled
	case InterlockThermalNormal:
		p.status.ThermalNormal = enabled
	case InterlockGeneratorReady:
		p.status.GeneratorReady = enabled
	case InterlockDetectorReady:
		p.status.DetectorReady = enabled
	case InterlockCollimatorValid:
		p.status.CollimatorValid = enabled
	case InterlockTableLocked:
		p.status.TableLocked = enabled
	case InterlockDoseWithinLimits:
		p.status.DoseWithinLimits = enabled
	case InterlockAecConfigured:
		p.status.AecConfigured = enabled
	default:
		return fmt.Errorf("unknown interlock %q", name)
	}
	return nil
}

// SetStatus replaces the whole snapshot at once.
func (p *SimProvider) SetStatus(status InterlockStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

// SetLatency injects an artificial snapshot delay.
func (p *SimProvider) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}
