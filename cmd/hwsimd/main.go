// hwsimd simulates the hardware-safety cabinet gateway: it serves the nine
// interlock conditions over HTTP for development and integration testing of
// the workflow engine. The toggle endpoint exists only here; real hardware
// conditions are not writable.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"xray-console/internal/logging"
	"xray-console/internal/safety"
)

func main() {
	addr := os.Getenv("HWSIM_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	logger, err := logging.New("info", "json")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("service", "hwsimd"))

	provider := safety.NewSimProvider()

	http.HandleFunc("/interlocks", func(w http.ResponseWriter, r *http.Request) {
		status, err := provider.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	// POST /interlocks/{name} with {"enabled": bool}
	http.HandleFunc("/interlocks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/interlocks/")
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := provider.SetInterlockState(name, body.Enabled); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		logger.Info("interlock toggled", zap.String("interlock", name), zap.Bool("enabled", body.Enabled))
		w.WriteHeader(http.StatusOK)
	})

	http.HandleFunc("/blocked", func(w http.ResponseWriter, r *http.Request) {
		blocked, err := provider.IsExposureBlocked(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"blocked": blocked})
	})

	http.HandleFunc("/standby", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := provider.EmergencyStandby(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		logger.Warn("emergency standby engaged")
		w.WriteHeader(http.StatusOK)
	})

	logger.Info("hardware safety simulator listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
