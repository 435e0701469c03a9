// Package gateway is a local stand-in for the chatbot's websocket backend. It
// speaks the same wire format: one sendMessage request in, a stream of
// fragments out, optionally split across several frames.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/kbchat/pkg/fragment"
)

const DefaultPath = "/ws"

// Settings controls the mock gateway.
type Settings struct {
	Addr string
	Path string
	// ChunkSize splits every serialized fragment into frames of at most this
	// many bytes. Zero sends one frame per fragment.
	ChunkSize int
	// IdleTimeout stops Run once no client has been connected for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

// statusReply mirrors the gateway's answer to requests it cannot route.
type statusReply struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

type Server struct {
	settings Settings
	producer Producer
	upgrader websocket.Upgrader
	pool     *connectionPool
	mux      *http.ServeMux
	idle     chan struct{}
}

func NewServer(settings Settings, producer Producer) (*Server, error) {
	if producer == nil {
		return nil, errors.New("gateway: producer is nil")
	}
	if settings.Path == "" {
		settings.Path = DefaultPath
	}
	if settings.ChunkSize < 0 {
		return nil, errors.Errorf("gateway: negative chunk size %d", settings.ChunkSize)
	}
	s := &Server{
		settings: settings,
		producer: producer,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		mux:      http.NewServeMux(),
		idle:     make(chan struct{}),
	}
	var once sync.Once
	s.pool = newConnectionPool(settings.IdleTimeout, func() {
		once.Do(func() { close(s.idle) })
	})
	s.mux.HandleFunc(settings.Path, s.handleWS)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	return s.pool.count()
}

// Run serves until ctx is cancelled or the idle timeout elapses.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.settings.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("component", "gateway").Str("addr", s.settings.Addr).Str("path", s.settings.Path).Msg("starting mock gateway")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "gateway: listen")
		}
		return nil
	})

	eg.Go(func() error {
		select {
		case <-egCtx.Done():
		case <-s.idle:
			log.Info().Str("component", "gateway").Dur("idle_timeout", s.settings.IdleTimeout).Msg("no clients, shutting down")
		}
		s.pool.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("component", "gateway").Msg("server shutdown error")
			return err
		}
		log.Info().Str("component", "gateway").Msg("mock gateway stopped")
		return nil
	})

	return eg.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "gateway").Msg("websocket upgrade failed")
		return
	}
	id := uuid.NewString()
	s.pool.add(id, conn)
	defer s.pool.remove(id)
	log.Info().Str("component", "gateway").Str("conn_id", id).Str("remote", r.RemoteAddr).Msg("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("component", "gateway").Str("conn_id", id).Msg("read loop ended")
			}
			log.Info().Str("component", "gateway").Str("conn_id", id).Msg("client disconnected")
			return
		}
		if err := s.handleRequest(ctx, id, data); err != nil {
			log.Warn().Err(err).Str("component", "gateway").Str("conn_id", id).Msg("request failed")
			if errors.Is(err, errUnknownConnection) {
				return
			}
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, connID string, data []byte) error {
	var req fragment.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Action != fragment.ActionSendMessage {
		b, _ := json.Marshal(statusReply{StatusCode: http.StatusBadRequest, Body: "Unsupported route"})
		return s.pool.send(connID, b)
	}
	log.Debug().Str("component", "gateway").Str("conn_id", connID).Str("session_id", req.SessionID).Msg("prompt received")

	return s.producer.Produce(ctx, req, func(f fragment.Fragment) error {
		b, err := f.Marshal()
		if err != nil {
			return err
		}
		for _, chunk := range SplitFrame(b, s.settings.ChunkSize) {
			if err := s.pool.send(connID, chunk); err != nil {
				return err
			}
		}
		return nil
	})
}

// SplitFrame cuts data into pieces of at most size bytes without splitting a
// UTF-8 sequence, so every piece is a valid text frame.
func SplitFrame(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n >= len(data) {
			n = len(data)
		} else {
			for n > 0 && !utf8.RuneStart(data[n]) {
				n--
			}
			if n == 0 {
				_, n = utf8.DecodeRune(data)
			}
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
