package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RemoteProvider talks to the hardware-safety service (cmd/hwsimd in
// development, the cabinet controller gateway in production) over HTTP. The
// verifier's context deadline bounds every call; the client timeout is only a
// backstop for use outside the verifier.
type RemoteProvider struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

func NewRemoteProvider(endpoint string, logger *zap.Logger) *RemoteProvider {
	return &RemoteProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.With(zap.String("component", "hw_safety_remote"), zap.String("endpoint", endpoint)),
	}
}

func (p *RemoteProvider) Snapshot(ctx context.Context) (InterlockStatus, error) {
	var status InterlockStatus
	if err := p.getJSON(ctx, "/interlocks", &status); err != nil {
		return InterlockStatus{}, err
	}
	return status, nil
}

func (p *RemoteProvider) IsExposureBlocked(ctx context.Context) (bool, error) {
	var body struct {
		Blocked bool `json:"blocked"`
	}
	if err := p.getJSON(ctx, "/blocked", &body); err != nil {
		// Unreachable hardware means exposure is blocked.
		return true, err
	}
	return body.Blocked, nil
}

func (p *RemoteProvider) EmergencyStandby(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/standby", nil)
	if err != nil {
		return fmt.Errorf("building standby request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting emergency standby: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("emergency standby rejected: %s", resp.Status)
	}
	p.logger.Warn("emergency standby requested")
	return nil
}

func (p *RemoteProvider) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hardware safety service returned %s for %s", resp.Status, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
