// Package api serves the supervision HTTP surface: status, a control
// endpoint for sending packets, archive queries, the websocket stream and
// debug charts.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/supervision/internal/db"
	"github.com/banshee-data/supervision/internal/httputil"
	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/telemetry/network"
	"github.com/banshee-data/supervision/internal/telemetry/packet"
	"github.com/banshee-data/supervision/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 10000
	sendTimeout       = 5 * time.Second
)

// ListenerStatus is the read-only view of a listener used by the API.
type ListenerStatus interface {
	State() network.State
	LocalAddr() net.Addr
	MulticastGroup() net.IP
}

// WatchdogStatus is the read-only view of a liveness watchdog.
type WatchdogStatus interface {
	CommLoss() bool
	LastArrival() time.Time
}

// PacketSender sends a single packet to host:port.
type PacketSender interface {
	Send(ctx context.Context, host string, port int, p packet.Packet) error
}

// Archive is the query side of the telemetry archive.
type Archive interface {
	RecentPackets(limit int) ([]db.PacketRecord, error)
	CommLossEvents(limit int) ([]db.CommLossEvent, error)
}

// StatsSource reports cumulative packet statistics.
type StatsSource interface {
	Totals() network.StatsWindow
}

// ServerConfig wires the server to the running components. Only Listener
// and Watchdog are required; endpoints backed by a nil dependency respond
// with 503.
type ServerConfig struct {
	Listener ListenerStatus
	Watchdog WatchdogStatus
	Sender   PacketSender
	Archive  Archive
	Stats    StatsSource
	Metrics  *monitoring.Metrics
	Hub      *Hub
}

type Server struct {
	listener ListenerStatus
	watchdog WatchdogStatus
	sender   PacketSender
	archive  Archive
	stats    StatsSource
	metrics  *monitoring.Metrics
	hub      *Hub
	started  time.Time
}

func NewServer(config ServerConfig) *Server {
	return &Server{
		listener: config.Listener,
		watchdog: config.Watchdog,
		sender:   config.Sender,
		archive:  config.Archive,
		stats:    config.Stats,
		metrics:  config.Metrics,
		hub:      config.Hub,
		started:  time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack is required by the websocket upgrade on /api/stream.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/send", s.sendPacket)
	mux.HandleFunc("/api/packets", s.listPackets)
	mux.HandleFunc("/api/comm-loss", s.listCommLoss)
	mux.HandleFunc("/debug/charts", s.showCharts)
	if s.hub != nil {
		mux.Handle("/api/stream", s.hub)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// ListenerJSON describes the listener in a status response.
type ListenerJSON struct {
	State          string `json:"state"`
	LocalAddr      string `json:"local_addr,omitempty"`
	MulticastGroup string `json:"multicast_group,omitempty"`
}

// WatchdogJSON describes the watchdog in a status response.
type WatchdogJSON struct {
	CommLoss    bool      `json:"comm_loss"`
	LastArrival time.Time `json:"last_arrival"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Listener      ListenerJSON         `json:"listener"`
	Watchdog      WatchdogJSON         `json:"watchdog"`
	Stats         *network.StatsWindow `json:"stats,omitempty"`
	StreamClients int                  `json:"stream_clients"`
	UptimeSeconds float64              `json:"uptime_s"`
	Version       version.Info         `json:"version"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	resp := StatusResponse{
		Listener: ListenerJSON{State: s.listener.State().String()},
		Watchdog: WatchdogJSON{
			CommLoss:    s.watchdog.CommLoss(),
			LastArrival: s.watchdog.LastArrival().UTC(),
		},
		UptimeSeconds: time.Since(s.started).Seconds(),
		Version:       version.Get(),
	}
	if addr := s.listener.LocalAddr(); addr != nil {
		resp.Listener.LocalAddr = addr.String()
	}
	if group := s.listener.MulticastGroup(); group != nil {
		resp.Listener.MulticastGroup = group.String()
	}
	if s.stats != nil {
		totals := s.stats.Totals()
		resp.Stats = &totals
	}
	if s.hub != nil {
		resp.StreamClients = s.hub.Clients()
	}
	httputil.WriteJSONOK(w, resp)
}

// SendRequest is the body of POST /api/send.
type SendRequest struct {
	Host   string     `json:"host"`
	Port   int        `json:"port"`
	Packet PacketJSON `json:"packet"`
}

func (s *Server) sendPacket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.sender == nil {
		httputil.ServiceUnavailable(w, "sending is disabled")
		return
	}

	var req SendRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Host == "" {
		httputil.BadRequest(w, "host is required")
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		httputil.BadRequest(w, fmt.Sprintf("port must be between 1 and 65535, got %d", req.Port))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()

	err := s.sender.Send(ctx, req.Host, req.Port, req.Packet.Packet())
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, map[string]string{"status": "sent"})
	case errors.Is(err, network.ErrUnresolvableAddress):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.BadGateway(w, err.Error())
	}
}

// PacketRecordJSON is an archived packet in API responses.
type PacketRecordJSON struct {
	ID         int64      `json:"id"`
	ReceivedAt time.Time  `json:"received_at"`
	Packet     PacketJSON `json:"packet"`
}

func (s *Server) listPackets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.archive == nil {
		httputil.ServiceUnavailable(w, "archive is disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultQueryLimit, 1, maxQueryLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	records, err := s.archive.RecentPackets(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query packets: %v", err))
		return
	}
	out := make([]PacketRecordJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, PacketRecordJSON{
			ID:         rec.ID,
			ReceivedAt: rec.ReceivedAt,
			Packet:     NewPacketJSON(rec.Packet),
		})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listCommLoss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.archive == nil {
		httputil.ServiceUnavailable(w, "archive is disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultQueryLimit, 1, maxQueryLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	events, err := s.archive.CommLossEvents(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to query comm-loss events: %v", err))
		return
	}
	if events == nil {
		events = []db.CommLossEvent{}
	}
	httputil.WriteJSONOK(w, events)
}
