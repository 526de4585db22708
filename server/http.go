// server/http.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/MorpheusXAUT/vacs-server/protocol"
)

func (s *Server) httpHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/ws", s.wsHandler)
	mux.HandleFunc("POST /api/auth/ws-token", s.requireAPIKey(s.wsTokenHandler))
	mux.HandleFunc("GET /api/health", s.healthHandler)
	mux.HandleFunc("GET /api/stats", s.statsHandler)
	mux.HandleFunc("GET /api/coverage", s.coverageHandler)
	mux.HandleFunc("GET /api/coverage/station/{station}", s.stationCoverageHandler)
	mux.HandleFunc("POST /api/dataset/reload", s.requireAPIKey(s.datasetReloadHandler))
	mux.HandleFunc("POST /api/dataset/upload", s.requireAPIKey(s.datasetUploadHandler))

	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return mux
}

// requireAPIKey gates management endpoints behind the configured bearer
// key. Repeated failures from one address trip the failed-auth limiter
// before the key is even compared.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if s.limits.FailedAuthBlocked(ip) {
			writeJSONError(w, http.StatusTooManyRequests, "Too many failed attempts")
			return
		}

		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if s.config.Auth.APIKey == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(s.config.Auth.APIKey)) != 1 {
			s.limits.RecordFailedAuth(ip)
			s.lg.Warn("rejected api request with invalid key", slog.String("remote", ip),
				slog.String("path", r.URL.Path))
			writeJSONError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		next(w, r)
	}
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.lg.Warn("websocket upgrade failed", slog.String("remote", remoteIP(r)),
			slog.Any("error", err))
		return
	}
	s.serveConnection(r.Context(), conn)
}

func (s *Server) wsTokenHandler(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if retry, ok := s.limits.CheckWsToken(ip); !ok {
		w.Header().Set("Retry-After", strconv.FormatUint(ceilSeconds(retry), 10))
		writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var req struct {
		Cid protocol.ClientId `json:"cid"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Cid == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing or invalid cid")
		return
	}

	token := s.tokens.Generate(req.Cid)
	s.lg.Debug("issued websocket token", slog.String("client_id", string(req.Cid)),
		slog.String("remote", ip))
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type serverStats struct {
	Uptime            string  `json:"uptime"`
	GoVersion         string  `json:"goVersion"`
	Clients           int     `json:"clients"`
	RingingCalls      int     `json:"ringingCalls"`
	ActiveCalls       int     `json:"activeCalls"`
	AllocMemoryMb     uint64  `json:"allocMemoryMb"`
	SysMemoryMb       uint64  `json:"sysMemoryMb"`
	NumGC             uint32  `json:"numGc"`
	NumGoroutines     int     `json:"numGoroutines"`
	CPUPercent        float64 `json:"cpuPercent"`
	SystemUsedPercent float64 `json:"systemMemoryUsedPercent"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := serverStats{
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:     runtime.Version(),
		Clients:       s.registry.ClientCount(),
		AllocMemoryMb: m.Alloc / (1024 * 1024),
		SysMemoryMb:   m.Sys / (1024 * 1024),
		NumGC:         m.NumGC,
		NumGoroutines: runtime.NumGoroutine(),
	}
	stats.RingingCalls, stats.ActiveCalls = s.calls.Counts()

	if usage, err := cpu.Percent(time.Second, false); err == nil && len(usage) > 0 {
		stats.CPUPercent = usage[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.SystemUsedPercent = vm.UsedPercent
	}

	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) coverageHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.CoverageSnapshot())
}

func (s *Server) stationCoverageHandler(w http.ResponseWriter, r *http.Request) {
	stationId := protocol.MakeStationId(r.PathValue("station"))
	sc, ok := s.registry.StationCoverage(stationId)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Station not covered")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) datasetReloadHandler(w http.ResponseWriter, r *http.Request) {
	network, err := s.dataset.Load()
	if err != nil {
		s.lg.Warn("dataset reload failed", slog.Any("error", err))
		writeJSONError(w, datasetErrorStatus(err), err.Error())
		return
	}

	s.registry.ReplaceNetwork(network)
	s.lg.Info("dataset reloaded", slog.Int("firs", network.NumFirs()))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "firs": network.NumFirs()})
}

func (s *Server) datasetUploadHandler(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxDatasetUploadSize)
	network, err := s.dataset.Install(body, r.URL.Query().Get("sha"))
	if err != nil {
		s.lg.Warn("dataset upload failed", slog.Any("error", err))
		writeJSONError(w, datasetErrorStatus(err), err.Error())
		return
	}

	s.registry.ReplaceNetwork(network)
	writeJSON(w, http.StatusOK,
		map[string]any{"status": "ok", "firs": network.NumFirs(), "sha": s.dataset.Sha()})
}

// datasetErrorStatus distinguishes a dataset that fails validation from
// trouble reading or swapping it on disk.
func datasetErrorStatus(err error) int {
	if errors.Is(err, ErrInvalidDataset) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusConflict
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
