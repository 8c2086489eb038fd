package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/tworld/pkg/events"
	"github.com/crystal-mush/tworld/pkg/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// readLimit caps a frame before it is decoded; the dispatcher applies
	// the real message limit and answers with an error.
	readLimit = 64 * 1024
)

// WebServer provides the HTTP/WebSocket transport for a Hub.
type WebServer struct {
	hub      *Hub
	cfg      Config
	log      *zap.Logger
	httpSrv  *http.Server
	mux      *http.ServeMux
	rl       *rateLimiter
	upgrader websocket.Upgrader
}

// NewWebServer creates a web server bound to the hub.
func NewWebServer(hub *Hub, cfg Config, log *zap.Logger) *WebServer {
	if log == nil {
		log = zap.NewNop()
	}
	ws := &WebServer{
		hub: hub,
		cfg: cfg,
		log: log,
		mux: http.NewServeMux(),
		rl:  newRateLimiter(cfg.RateLimit),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(cfg.CORSOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range cfg.CORSOrigins {
					if strings.EqualFold(o, origin) {
						return true
					}
				}
				return false
			},
		},
	}
	ws.registerRoutes()
	ws.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Handler returns the root handler with CORS applied.
func (ws *WebServer) Handler() http.Handler {
	return corsMiddleware(ws.cfg.CORSOrigins, ws.mux)
}

// registerRoutes sets up all HTTP routes.
func (ws *WebServer) registerRoutes() {
	ws.mux.HandleFunc("GET /websocket", ws.handleWebSocket)

	ws.mux.Handle("POST /api/v1/auth/login",
		rateLimitMiddleware(ws.rl, ws.log, http.HandlerFunc(ws.handleAuthLogin)))
	ws.mux.HandleFunc("POST /api/v1/auth/refresh", ws.handleAuthRefresh)
	ws.mux.Handle("GET /api/v1/me", authMiddleware(ws.hub.Auth(), http.HandlerFunc(ws.handleMe)))

	ws.mux.HandleFunc("GET /health", ws.handleHealth)
	ws.mux.Handle("GET /metrics", ws.hub.Metrics().Handler())

	if ws.cfg.StaticDir != "" {
		if _, err := os.Stat(ws.cfg.StaticDir); err == nil {
			fsrv := http.FileServer(http.Dir(ws.cfg.StaticDir))
			ws.mux.Handle("GET /", spaHandler(fsrv, ws.cfg.StaticDir))
		} else {
			ws.log.Warn("static dir not found", zap.String("dir", ws.cfg.StaticDir))
		}
	}
}

// Start listens until Stop is called. It uses HTTPS when TLS is configured
// and plain HTTP otherwise.
func (ws *WebServer) Start(ctx context.Context) error {
	go ws.rl.run(ctx)

	if ws.cfg.TLS.Enabled() {
		result, err := SetupTLS(ws.cfg.TLS, ws.log)
		if err != nil {
			return err
		}
		ws.httpSrv.TLSConfig = result.Config

		// Let's Encrypt needs port 80 for HTTP challenges.
		if result.AutocertMgr != nil {
			go func() {
				acme := &http.Server{
					Addr:              ":80",
					Handler:           result.AutocertMgr.HTTPHandler(nil),
					ReadHeaderTimeout: 10 * time.Second,
				}
				ws.log.Info("ACME HTTP challenge listener on :80")
				if err := acme.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					ws.log.Error("ACME HTTP listener failed", zap.Error(err))
				}
			}()
		}

		ws.log.Info("web server listening", zap.String("addr", ws.httpSrv.Addr), zap.Bool("tls", true))
		err = ws.httpSrv.ListenAndServeTLS("", "")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	ws.log.Info("web server listening", zap.String("addr", ws.httpSrv.Addr), zap.Bool("tls", false))
	err := ws.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the web server.
func (ws *WebServer) Stop(ctx context.Context) error {
	return ws.httpSrv.Shutdown(ctx)
}

// --- WebSocket ---

// wsConn is the session.Conn for one websocket. Writes are serialized;
// Close may be called from any goroutine.
type wsConn struct {
	conn      *websocket.Conn
	addr      string
	mu        sync.Mutex
	closeOnce sync.Once
}

func (wc *wsConn) writeJSON(env events.Envelope) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.conn.WriteJSON(env)
}

func (wc *wsConn) ping() error {
	return wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close implements session.Conn.
func (wc *wsConn) Close() error {
	var err error
	wc.closeOnce.Do(func() {
		wc.mu.Lock()
		wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
		wc.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		wc.mu.Unlock()
		err = wc.conn.Close()
	})
	return err
}

// remoteAddr prefers X-Forwarded-For or X-Real-IP when behind a reverse proxy.
func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// handleWebSocket authenticates the request, upgrades it and drives the
// session until the connection ends. A "session" query parameter asks to
// resume a recently dropped session.
func (ws *WebServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFromRequest(r)
	if !ok {
		http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
		return
	}
	claims, err := ws.hub.Auth().ValidateToken(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	wc := &wsConn{conn: c, addr: remoteAddr(r)}
	c.SetReadLimit(readLimit)
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The request context ends when this handler returns; the session
	// outlives neither.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := ws.hub.Connect(ctx, wc, claims, r.URL.Query().Get("session"))
	if err != nil {
		msg := "Unable to enter the world."
		if errors.Is(err, session.ErrAlreadyAttached) {
			msg = "You are already connected elsewhere."
		}
		ws.log.Warn("connect failed",
			zap.String("player", string(claims.Player)),
			zap.String("addr", wc.addr),
			zap.Error(err))
		wc.writeJSON(events.NewError(msg))
		wc.Close()
		return
	}
	log := ws.log.With(zap.String("session", string(s.ID)), zap.String("player", string(s.Player)))
	log.Info("websocket connected", zap.String("addr", wc.addr))

	go ws.writeLoop(ctx, s, wc, log)
	ws.readLoop(ctx, s, wc, log)

	ws.hub.Disconnect(wc)
	wc.Close()
	log.Info("websocket closed")
}

// writeLoop delivers the session outbox and keeps the connection alive.
func (ws *WebServer) writeLoop(ctx context.Context, s *session.Session, wc *wsConn, log *zap.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wc.ping(); err != nil {
					return
				}
			}
		}
	}()

	err := s.Run(ctx, wc.writeJSON)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, session.ErrOutboxClosed) {
		log.Info("websocket write failed", zap.Error(err))
	}
	// Unblocks the reader, which detaches.
	wc.Close()
}

func (ws *WebServer) readLoop(ctx context.Context, s *session.Session, wc *wsConn, log *zap.Logger) {
	for {
		_, msg, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		ws.hub.Dispatch(ctx, s, msg)
	}
}

// --- Auth HTTP Handlers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (ws *WebServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := ws.hub.Auth().Login(r.Context(), req.Name, req.Password)
	if errors.Is(err, ErrBadCredentials) {
		ws.log.Info("login failed", zap.String("name", req.Name), zap.String("addr", remoteAddr(r)))
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	if err != nil {
		ws.log.Error("login error", zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

func (ws *WebServer) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFromRequest(r)
	if !ok {
		http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
		return
	}
	newToken, err := ws.hub.Auth().RefreshToken(token)
	if err != nil {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]string{"token": newToken})
}

func (ws *WebServer) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	_, online := ws.hub.Registry().ForPlayer(claims.Player)
	writeJSON(w, map[string]any{
		"player": claims.Player,
		"name":   claims.Name,
		"online": online,
	})
}

// --- Health Handler ---

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := ws.hub.Stats()
	stats["status"] = "ok"
	stats["version"] = Version
	writeJSON(w, stats)
}

// --- SPA Handler ---

// spaHandler serves static files, falling back to index.html for SPA routing.
func spaHandler(fileServer http.Handler, staticDir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(staticDir, filepath.Clean("/"+r.URL.Path))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}
