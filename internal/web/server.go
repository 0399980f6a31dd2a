package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tinyloop/internal/batch"
	"tinyloop/internal/compressor"
	"tinyloop/internal/config"
	"tinyloop/internal/logger"
	"tinyloop/internal/statistics"
	"tinyloop/internal/transport"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// EngineFactory builds the compressor used for one batch.
type EngineFactory func(cfg *config.Config, hook compressor.ProgressHook) compressor.Compressor

// DefaultEngineFactory wires the HTTP transport and the recompression engine.
func DefaultEngineFactory(log *logrus.Logger) EngineFactory {
	return func(cfg *config.Config, hook compressor.ProgressHook) compressor.Compressor {
		client := transport.NewHTTPClient(transport.Options{
			Endpoint:  cfg.Remote.Endpoint,
			UserAgent: cfg.Remote.UserAgent,
			Timeout:   cfg.Remote.Timeout,
			Identity:  transport.IdentityFor(cfg.Remote.APIKey),
		})
		engine := compressor.NewEngineFromConfig(cfg, client, log)
		engine.SetProgressHook(hook)
		return engine
	}
}

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	newEngine  EngineFactory
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.RWMutex

	// Current operation state
	operationMutex sync.RWMutex
	isRunning      bool
	cancel         context.CancelFunc
	currentStats   *statistics.Statistics
	done           chan struct{}
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type RunRequest struct {
	SourceDirectory string `json:"source_directory"`
	OutputDirectory string `json:"output_directory,omitempty"`
	MaxRounds       int    `json:"max_rounds,omitempty"`
}

type ScanRequest struct {
	Directory string `json:"directory"`
}

type FileEntry struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, newEngine EngineFactory) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		newEngine: newEngine,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/scan", s.handleScan).Methods("POST")
	api.HandleFunc("/run", s.handleRun).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

// Stop cancels a running batch and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancelRun()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	running := s.isRunning
	stats := s.currentStats
	s.operationMutex.RUnlock()

	var statsData interface{}
	if stats != nil {
		statsData = stats.Snapshot()
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":    running,
			"statistics": statsData,
		},
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Directory == "" {
		req.Directory = s.cfg.SourceDirectory
	}
	if !validPath(req.Directory) {
		s.writeError(w, "Invalid path", http.StatusBadRequest)
		return
	}

	files, err := batch.Discover(req.Directory, s.cfg.IsSupportedExtension)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries := make([]FileEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, FileEntry{Path: f.Path, Name: filepath.Base(f.Path), Size: f.Size})
	}
	s.writeJSON(w, APIResponse{Success: true, Data: entries})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg := *s.cfg
	if req.SourceDirectory != "" {
		cfg.SourceDirectory = req.SourceDirectory
	}
	if req.OutputDirectory != "" {
		cfg.OutputDirectory = req.OutputDirectory
	}
	if req.MaxRounds > 0 {
		cfg.Processing.MaxRounds = req.MaxRounds
	}
	if !validPath(cfg.SourceDirectory) || !validPath(cfg.OutputDirectory) {
		s.writeError(w, "Invalid path", http.StatusBadRequest)
		return
	}
	if info, err := os.Stat(cfg.SourceDirectory); err != nil || !info.IsDir() {
		s.writeError(w, "Source directory does not exist", http.StatusBadRequest)
		return
	}

	s.operationMutex.Lock()
	if s.isRunning {
		s.operationMutex.Unlock()
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	stats := batch.NewRunStatistics()
	s.isRunning = true
	s.cancel = cancel
	s.currentStats = stats
	s.done = make(chan struct{})
	done := s.done
	s.operationMutex.Unlock()

	go s.runBatchAsync(ctx, &cfg, stats, done)

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Recompression started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.cancelRun() {
		s.writeError(w, "No operation in progress", http.StatusConflict)
		return
	}

	s.broadcastWSMessage("operation_stopped", map[string]interface{}{
		"message": "Operation stopped by user",
	})

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Operation stopped",
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	stats := s.currentStats
	s.operationMutex.RUnlock()

	if stats == nil {
		s.writeJSON(w, APIResponse{Success: true, Data: nil})
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary":  stats.GetSummary(),
			"counters": stats.Snapshot(),
			"errors":   stats.GetErrorSummary(),
		},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// cancelRun cancels the running batch, reporting whether one was running.
func (s *Server) cancelRun() bool {
	s.operationMutex.RLock()
	defer s.operationMutex.RUnlock()
	if !s.isRunning || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Wait blocks until the current batch, if any, has finished.
func (s *Server) Wait() {
	s.operationMutex.RLock()
	done := s.done
	s.operationMutex.RUnlock()
	if done != nil {
		<-done
	}
}

func (s *Server) runBatchAsync(ctx context.Context, cfg *config.Config, stats *statistics.Statistics, done chan struct{}) {
	defer close(done)

	s.broadcastWSMessage("run_started", map[string]interface{}{
		"run_id":           stats.RunID,
		"source_directory": cfg.SourceDirectory,
		"output_directory": cfg.OutputDirectory,
		"max_rounds":       cfg.Processing.MaxRounds,
	})

	engine := s.newEngine(cfg, func(ev compressor.ProgressEvent) {
		s.broadcastWSMessage("progress", ev)
	})
	driver := batch.NewDriver(cfg, s.log, engine)

	err := driver.RunWith(ctx, cfg.SourceDirectory, stats)

	s.operationMutex.Lock()
	s.isRunning = false
	s.cancel = nil
	s.operationMutex.Unlock()

	if err != nil {
		logger.WithOperation(s.log, "run").WithField("run_id", stats.RunID).Warnf("Batch ended early: %v", err)
		s.broadcastWSMessage("run_error", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	s.broadcastWSMessage("run_completed", map[string]interface{}{
		"statistics": stats.Snapshot(),
	})
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// gorilla connections allow a single concurrent writer
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		err := conn.WriteMessage(websocket.TextMessage, msgBytes)
		if err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			go func(c *websocket.Conn) {
				s.wsMutex.Lock()
				delete(s.wsClients, c)
				s.wsMutex.Unlock()
				c.Close()
			}(conn)
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

// validPath rejects directory traversal.
func validPath(path string) bool {
	return path != "" && !strings.Contains(filepath.Clean(path), "..")
}
