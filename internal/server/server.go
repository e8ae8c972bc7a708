package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/streamplot/internal/command"
	"github.com/shaunagostinho/streamplot/internal/decoder"
	"github.com/shaunagostinho/streamplot/internal/metrics"
	"github.com/shaunagostinho/streamplot/internal/session"
	"github.com/shaunagostinho/streamplot/internal/transport"
)

// Server runs the consumer pipeline and broadcasts its events to WebSocket
// clients.
type Server struct {
	cfg      *Config
	webFS    fs.FS
	metrics  *metrics.Metrics
	pipeline *Pipeline

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a new Server. webFS may be nil when no UI is served.
func New(cfg *Config, webFS fs.FS, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		webFS:   webFS,
		metrics: m,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.pipeline = NewPipeline(cfg, m, s.broadcast)
	return s
}

// Pipeline returns the consumer pipeline.
func (s *Server) Pipeline() *Pipeline { return s.pipeline }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", s.metrics.Handler())

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/session/open", s.handleOpen)
	mux.HandleFunc("/api/session/close", s.handleClose)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/parameter", s.handleParameter)
	mux.HandleFunc("/api/plot/clear", s.handleClear)
	mux.HandleFunc("/api/plot/xy", s.handleXY)
	mux.HandleFunc("/api/plot/pause", s.handlePause)
	return mux
}

// Run starts the HTTP server and the poll loop. If the config asks for it,
// a session is opened with the configured settings first.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Snapshot().AutoOpen {
		if _, err := s.pipeline.Open(ctx, DefaultOpenRequest(s.cfg)); err != nil {
			log.Printf("[server] auto-open failed: %v", err)
		}
	}

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		s.pipeline.Run(ctx)
	}()

	addr := s.cfg.Snapshot().Server.ListenAddr
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-pipelineDone
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial state goes out before the client joins the broadcast set
	info := s.pipeline.Info()
	snap := s.pipeline.Snapshot()
	for _, ev := range []Event{
		{Session: &info, Stamp: time.Now().UnixMilli()},
		{Plot: &snap, Stamp: time.Now().UnixMilli()},
	} {
		if data, err := json.Marshal(ev); err == nil {
			client.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; clients talk to the REST API)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[ws] marshal event: %v", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var (
		cerr    *decoder.CompileError
		connErr *transport.ConnectionError
	)
	switch {
	case errors.As(err, &cerr):
		return http.StatusBadRequest
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAlreadyOpen):
		return http.StatusConflict
	case errors.Is(err, ErrNoSession), errors.Is(err, session.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, command.ErrEmptyLine):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// decodeBody unmarshals a JSON body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.pipeline.ApplyConfig()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Info())
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	req := DefaultOpenRequest(s.cfg)
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The session outlives the request.
	info, err := s.pipeline.Open(context.Background(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	err := s.pipeline.Close()
	if errors.Is(err, ErrNoSession) {
		writeError(w, http.StatusConflict, err)
		return
	}
	// A session that ended with an error is still closed.
	resp := map[string]string{"status": "closed"}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type commandRequest struct {
	Line   string `json:"line"`
	Ending string `json:"ending"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	req := commandRequest{Ending: string(s.cfg.Snapshot().Console.LineEnding)}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ending, err := command.ParseLineEnding(req.Ending)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pipeline.Send(req.Line, ending); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type parameterRequest struct {
	Name     string  `json:"name"` // configured parameter; overrides template
	Template string  `json:"template"`
	Value    float64 `json:"value"`
}

func (s *Server) handleParameter(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req parameterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	template, value := req.Template, req.Value
	if req.Name != "" {
		p, ok := s.cfg.Parameter(req.Name)
		if !ok {
			http.Error(w, "unknown parameter", http.StatusNotFound)
			return
		}
		if !p.Enabled {
			writeError(w, http.StatusConflict, errors.New("parameter is disabled"))
			return
		}
		template, value = p.Template, p.Clamp(req.Value)
	}
	if template == "" {
		writeError(w, http.StatusBadRequest, errors.New("empty parameter template"))
		return
	}

	line, err := s.pipeline.SendParameter(template, value)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "line": line})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	s.pipeline.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleXY(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.pipeline.SetXYMode(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"xyMode": req.Enabled})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.pipeline.TogglePause()})
}
