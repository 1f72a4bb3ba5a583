package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the warden collector API.
//
// Route layout:
//
//	GET  /healthz              – liveness probe (no authentication required)
//	POST /api/v1/transitions   – ingest a batch of reported transitions (JWT required)
//	GET  /api/v1/transitions   – paginated transition query (JWT required)
//	GET  /api/v1/hosts         – list all hosts (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Post("/transitions", srv.handlePostTransitions)
		r.Get("/transitions", srv.handleGetTransitions)
		r.Get("/hosts", srv.handleGetHosts)
	})

	return r
}
