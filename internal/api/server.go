package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"cap-harness/internal/events"
	"cap-harness/internal/logger"
	"cap-harness/internal/metrics"
	"cap-harness/internal/report"
	"cap-harness/internal/scenario"
)

// Config はServerの依存
// RunnerはBusとCollectorを設定済みで渡す
type Config struct {
	Addr      string
	Runner    *scenario.Runner
	Bus       *events.Bus
	Collector *metrics.Collector
}

// Server はAPIサーバー
type Server struct {
	addr      string
	runner    *scenario.Runner
	bus       *events.Bus
	collector *metrics.Collector
	results   *report.Aggregator

	mu        sync.RWMutex
	running   bool
	current   string
	runID     string
	cancel    context.CancelFunc
	wsClients map[*websocket.Conn]bool

	runs      sync.WaitGroup
	events    <-chan events.Event
	done      chan struct{}
	closeOnce sync.Once
	server    *http.Server
}

// NewServer は新しいAPIサーバーを作成し、イベントの転送を開始する
func NewServer(config Config) *Server {
	s := &Server{
		addr:      config.Addr,
		runner:    config.Runner,
		bus:       config.Bus,
		collector: config.Collector,
		results:   report.NewAggregator(),
		wsClients: make(map[*websocket.Conn]bool),
		done:      make(chan struct{}),
	}
	if s.bus != nil {
		s.events = s.bus.Subscribe()
		go s.forward(s.events)
	} else {
		close(s.done)
	}
	return s
}

// Handler はルーティング済みのhttp.Handlerを返す
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/presets", s.handlePresets)
	mux.HandleFunc("/api/scenario/start", s.handleScenarioStart)
	mux.HandleFunc("/api/scenario/stop", s.handleScenarioStop)
	mux.HandleFunc("/api/results", s.handleResults)
	mux.HandleFunc("/api/summary", s.handleSummary)
	if s.collector != nil {
		mux.Handle("/metrics", s.collector.Handler())
	}
	mux.Handle("/ws", websocket.Handler(s.handleWebSocket))
	return mux
}

// Start はサーバーを開始し、ctxが終わるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("api", "API server starting on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		s.stopRun()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.Close()
	return nil
}

// Wait は実行中のシナリオの終了を待つ
func (s *Server) Wait() {
	s.runs.Wait()
}

// Close は実行中のシナリオを止め、イベント転送を終了する
func (s *Server) Close() {
	s.stopRun()
	s.runs.Wait()
	s.closeOnce.Do(func() {
		if s.bus != nil {
			s.bus.Unsubscribe(s.events)
		}
	})
	<-s.done
}

func (s *Server) stopRun() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// StatusResponse はステータスレスポンス
type StatusResponse struct {
	Running   bool   `json:"running"`
	Scenario  string `json:"scenario,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Completed int    `json:"completed"`
	Clients   int    `json:"ws_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusResponse{
		Running:   s.running,
		Scenario:  s.current,
		RunID:     s.runID,
		Completed: s.results.Len(),
		Clients:   len(s.wsClients),
	}
}

// PresetInfo はプリセット情報
type PresetInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Workers     int    `json:"workers"`
	Iterations  int    `json:"iterations"`
	Fault       bool   `json:"fault"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := scenario.ListPresets()
	presets := make([]PresetInfo, 0, len(names))
	for _, name := range names {
		c, _ := scenario.GetPreset(name)
		presets = append(presets, PresetInfo{
			Name:        c.Name,
			Description: c.Description,
			Kind:        string(c.Kind),
			Workers:     c.Workers,
			Iterations:  c.Iterations,
			Fault:       c.Fault != nil,
		})
	}
	s.writeJSON(w, http.StatusOK, presets)
}

// ScenarioRequest はシナリオ開始リクエスト
type ScenarioRequest struct {
	Preset      string `json:"preset"`
	Workers     int    `json:"workers,omitempty"`
	Iterations  int    `json:"iterations,omitempty"`
	MaxDuration string `json:"max_duration,omitempty"`
}

func (r ScenarioRequest) config() (scenario.Config, error) {
	config := scenario.QuickScenario()
	if r.Preset != "" {
		preset, ok := scenario.GetPreset(r.Preset)
		if !ok {
			return config, errors.New("unknown preset: " + r.Preset)
		}
		config = preset
	}
	if r.Workers > 0 {
		config.Workers = r.Workers
	}
	if r.Iterations > 0 {
		config.Iterations = r.Iterations
	}
	if r.MaxDuration != "" {
		d, err := time.ParseDuration(r.MaxDuration)
		if err != nil {
			return config, err
		}
		config.Breaker.MaxDuration = d
	}
	return config, config.Validate()
}

func (s *Server) handleScenarioStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	config, err := req.config()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		http.Error(w, "Scenario already running", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.current = config.Name
	s.runID = ""
	s.cancel = cancel
	s.runs.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.runs.Done()
		defer cancel()

		result := s.runner.Run(ctx, config)
		s.results.Add(result)

		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()

		logger.Info("api", "scenario %s completed: attempted=%d reason=%q",
			result.Name, result.Attempted, result.TerminationReason)
		s.broadcast(message{Type: "scenario_complete", Result: &result})
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "scenario": config.Name})
}

func (s *Server) handleScenarioStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.stopRun() {
		http.Error(w, "No scenario running", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	results := s.results.Results()
	if results == nil {
		results = []scenario.Result{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.results.Summary())
}

// message はWebSocketで配信する形
type message struct {
	Type   string           `json:"type"`
	Event  *events.Event    `json:"event,omitempty"`
	Result *scenario.Result `json:"result,omitempty"`
}

func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// クライアントが切断するまで保持
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

// forward はバスのイベントをWebSocketクライアントへ転送する
func (s *Server) forward(ch <-chan events.Event) {
	defer close(s.done)
	for e := range ch {
		if e.Type == events.EventScenarioStart {
			s.mu.Lock()
			if s.running && s.current == e.Scenario {
				s.runID = e.RunID
			}
			s.mu.Unlock()
		}
		s.broadcast(message{Type: "event", Event: &e})
	}
}

func (s *Server) broadcast(data message) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		logger.Error("api", "failed to encode message: %v", err)
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("api", "failed to encode JSON: %v", err)
	}
}
