package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/DoyleJ11/trivia-duel-backend/internal/history"
	"github.com/DoyleJ11/trivia-duel-backend/internal/hub"
	"github.com/DoyleJ11/trivia-duel-backend/internal/lobby"
	"github.com/DoyleJ11/trivia-duel-backend/internal/match"
	"github.com/DoyleJ11/trivia-duel-backend/internal/timer"
	"github.com/DoyleJ11/trivia-duel-backend/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Deps struct {
	Rooms   *lobby.Manager
	Matches *match.Service
	Hub     *hub.Hub
	Clock   timer.Clock
	Logger  *zap.Logger
	Archive *history.Archive // optional

	PublicURL      string
	SecureCookies  bool
	FailoverGrace  time.Duration
	OriginPatterns []string
	RatePerSec     float64
	RateBurst      int
}

// SetupRoutes builds the router. ctx bounds background work such as the
// rate limiter cleanup.
func SetupRoutes(ctx context.Context, d Deps) http.Handler {
	if d.Clock == nil {
		d.Clock = timer.System
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 5
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 10
	}
	s := &Server{
		rooms:     d.Rooms,
		matches:   d.Matches,
		hub:       d.Hub,
		clock:     d.Clock,
		publicURL: d.PublicURL,
		archive:   d.Archive,
		log:       d.Logger,
	}
	limiter := NewRateLimiter(ctx, rate.Limit(d.RatePerSec), d.RateBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(d.Logger))

	// Public routes
	r.Get("/healthz", s.Healthz)

	r.Group(func(r chi.Router) {
		r.Use(Identity(d.SecureCookies))

		r.Get("/ws", ws.Handler(d.Hub, d.Rooms, d.Matches, ws.Config{
			Clock:          d.Clock,
			FailoverGrace:  d.FailoverGrace,
			OriginPatterns: d.OriginPatterns,
			JoinURL:        s.JoinURL,
			Logger:         d.Logger,
		}))

		r.Route("/rooms", func(r chi.Router) {
			r.With(limiter.Middleware).Post("/", s.CreateRoom)
			r.Get("/{code}", s.GetRoom)
			r.Get("/{code}/qr.png", s.RoomQR)
			if d.Archive != nil {
				r.Get("/{code}/history", s.History)
			}
			r.Group(func(r chi.Router) {
				r.Use(limiter.Middleware)
				r.Post("/{code}/join", s.JoinRoom)
				r.Post("/{code}/ai", s.AddAI)
				r.Post("/{code}/start", s.StartMatch)
			})
		})

		r.Route("/matches/{code}", func(r chi.Router) {
			r.Get("/", s.GetMatch)
			r.Get("/standings", s.Standings)
			r.With(limiter.Middleware).Post("/answers", s.SubmitAnswer)
			r.With(limiter.Middleware).Post("/close", s.CloseQuestion)
		})
	})
	return r
}
