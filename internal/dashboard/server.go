// Package dashboard serves a read-only HTTP status surface: active
// positions, governor health and Prometheus metrics. It never mutates
// trading state.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"condorbot/internal/governor"
	"condorbot/internal/models"
)

// StatusSource is the subset of the engine the dashboard reads from.
type StatusSource interface {
	ActivePositions(ctx context.Context) ([]*models.Position, error)
	GovernorStats() governor.Stats
}

// Server is the dashboard HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	source StatusSource
	log    *logrus.Logger
}

// PositionView is the JSON shape returned by /api/positions.
type PositionView struct {
	ID           string   `json:"id"`
	BotID        string   `json:"bot_id"`
	Symbol       string   `json:"symbol"`
	State        string   `json:"state"`
	Legs         int      `json:"legs"`
	FilledLegs   int      `json:"filled_legs"`
	EntryNet     float64  `json:"entry_net"`
	MaxLoss      float64  `json:"max_loss"`
	MaxProfit    float64  `json:"max_profit"`
	CloseRetries int      `json:"close_retries"`
	OpenedAt     string   `json:"opened_at,omitempty"`
	RealizedPnL  *float64 `json:"realized_pnl,omitempty"`
}

// NewServer builds the dashboard on listen addr.
func NewServer(addr string, source StatusSource, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		router: chi.NewRouter(),
		source: source,
		log:    log,
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/governor", s.handleGovernor)
	s.router.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener closes. It returns nil after a clean
// Shutdown.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("dashboard listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.source.ActivePositions(r.Context())
	if err != nil {
		s.log.WithError(err).Error("dashboard: listing positions failed")
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{
			ID:           p.ID,
			BotID:        p.BotID,
			Symbol:       p.Symbol,
			State:        string(p.State),
			Legs:         len(p.Legs),
			FilledLegs:   len(p.FilledLegs()),
			EntryNet:     p.EntryNet,
			MaxLoss:      p.MaxLoss,
			MaxProfit:    p.MaxProfit,
			CloseRetries: p.CloseRetries,
			RealizedPnL:  p.RealizedPnL,
		}
		if !p.OpenedAt.IsZero() {
			v.OpenedAt = p.OpenedAt.Format(time.RFC3339)
		}
		views = append(views, v)
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGovernor(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.source.GovernorStats())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("dashboard: response encode failed")
	}
}
