package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"collarcore/core"
	"collarcore/gateway/middleware"
)

// Server exposes the protocol node over HTTP. Reads are open; mutating
// routes are gated by bearer auth, per-group rate limits and idempotency
// replay when those are configured.
type Server struct {
	node   *core.Node
	logger *slog.Logger
}

func NewServer(node *core.Node, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{node: node, logger: logger}
}

// RouterDeps carries the middleware stack assembled by the service binary.
type RouterDeps struct {
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Idempotency   middleware.IdempotencyStore
	CORS          middleware.CORSConfig
}

// Router builds the full route tree.
func (s *Server) Router(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(deps.CORS))
	if deps.Observability != nil {
		r.Use(deps.Observability.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Observability != nil {
		r.Handle("/metrics", deps.Observability.MetricsHandler())
	}

	limit := func(group string) func(http.Handler) http.Handler {
		if deps.RateLimiter == nil {
			return passthrough
		}
		return deps.RateLimiter.Middleware(group)
	}
	authed := func(scopes ...string) func(http.Handler) http.Handler {
		if deps.Auth == nil {
			return passthrough
		}
		return deps.Auth.Middleware(scopes...)
	}
	idempotent := passthrough
	if deps.Idempotency != nil {
		idempotent = middleware.Idempotency(deps.Idempotency, s.logger)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/offers", func(sr chi.Router) {
			sr.Use(limit("offers"))
			sr.Get("/{id}", s.getOffer)
			sr.Group(func(mut chi.Router) {
				mut.Use(authed("provide"), idempotent)
				mut.Post("/", s.createOffer)
				mut.Patch("/{id}", s.updateOffer)
			})
		})

		v1.Route("/positions", func(sr chi.Router) {
			sr.Use(limit("positions"))
			sr.Get("/{id}", s.getPosition)
			sr.Get("/{id}/preview", s.previewSettlement)
			sr.Post("/{id}/settle", s.settlePosition)
			sr.Group(func(mut chi.Router) {
				mut.Use(authed("trade"), idempotent)
				mut.Post("/", s.openPosition)
				mut.Post("/{id}/withdraw", s.withdrawPosition)
				mut.Post("/{id}/transfer", s.transferPosition)
			})
		})

		v1.Route("/provider-positions", func(sr chi.Router) {
			sr.Use(limit("positions"))
			sr.Get("/{id}", s.getProviderPosition)
			sr.Group(func(mut chi.Router) {
				mut.Use(authed("provide"), idempotent)
				mut.Post("/{id}/withdraw", s.withdrawProviderPosition)
				mut.Post("/{id}/transfer", s.transferProviderPosition)
			})
		})

		v1.Route("/roll-offers", func(sr chi.Router) {
			sr.Use(limit("rolls"))
			sr.Get("/{id}", s.getRollOffer)
			sr.Get("/{id}/preview", s.previewRoll)
			sr.Group(func(mut chi.Router) {
				mut.Use(authed("trade"), idempotent)
				mut.Post("/", s.createRollOffer)
				mut.Post("/{id}/accept", s.acceptRoll)
				mut.Post("/{id}/cancel", s.cancelRollOffer)
			})
		})

		v1.Route("/escrow-offers", func(sr chi.Router) {
			sr.Use(limit("escrow"))
			sr.Get("/{id}", s.getEscrowOffer)
			sr.Get("/{id}/interest", s.escrowInterest)
			sr.Group(func(mut chi.Router) {
				mut.Use(authed("provide"), idempotent)
				mut.Post("/", s.createEscrowOffer)
				mut.Patch("/{id}", s.updateEscrowOffer)
			})
		})

		v1.Route("/escrows", func(sr chi.Router) {
			sr.Use(limit("escrow"))
			sr.Get("/{id}", s.getEscrow)
			sr.Get("/{id}/owed", s.currentOwed)
			sr.Get("/{id}/switch-preview", s.previewRelease)
			sr.Group(func(mut chi.Router) {
				mut.Use(authed("trade"), idempotent)
				mut.Post("/", s.startEscrow)
				mut.Post("/{id}/end", s.endEscrow)
				mut.Post("/{id}/switch", s.switchEscrow)
				mut.Post("/{id}/roll", s.rollEscrow)
				mut.Post("/{id}/claim-default", s.claimDefaultedEscrow)
				mut.Post("/{id}/withdraw", s.withdrawReleased)
			})
		})

		v1.Route("/loans", func(sr chi.Router) {
			sr.Use(limit("loans"))
			sr.Get("/{id}", s.getLoan)
			sr.Group(func(mut chi.Router) {
				mut.Use(authed("trade"), idempotent)
				mut.Post("/", s.openLoan)
				mut.Post("/{id}/close", s.closeLoan)
				mut.Post("/{id}/roll", s.rollLoan)
			})
		})

		v1.Route("/accounts", func(sr chi.Router) {
			sr.Use(limit("accounts"))
			sr.Get("/{address}", s.getAccount)
			// Deposit bridging is an operator action.
			sr.Group(func(mut chi.Router) {
				mut.Use(authed("admin"), idempotent)
				mut.Post("/{address}/credit", s.creditAccount)
			})
		})
		v1.Get("/price", s.getPrice)
	})

	return r
}

func passthrough(next http.Handler) http.Handler { return next }
