package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/enrollware/enroll-core/internal/auth"
)

// buildRouter assembles the route tree. Three trust tiers: the public auth
// surface (IP rate limited), the bearer-authenticated surface (IP + user
// rate limited on admission routes), and the internal surface (shared
// token).
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Public auth surface.
		r.Group(func(r chi.Router) {
			r.Use(s.ipRateLimitMiddleware)

			r.Post("/login/v1", s.handleLoginStage1)
			r.Post("/login/v2", s.handleLoginStage2)
			r.Post("/login/admin", s.handleAdminLogin)
			r.Post("/register/v1", s.handleRegisterStage1)
			r.Post("/register/v2", s.handleRegisterStage2)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleLogout)
			r.Post("/totp/reset", s.handleTOTPReset)
		})

		// Authenticated surface.
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/me", s.handleMe)
			r.Get("/ws", s.handleWebSocket)
			r.Get("/task/{taskID}", s.handleTaskStatus)
			r.Delete("/task/{taskID}", s.handleTaskCancel)

			// Admission funnel.
			r.Group(func(r chi.Router) {
				r.Use(s.userRateLimitMiddleware)

				r.Post("/select", s.handleSelect)
				r.Post("/deselect", s.handleDeselect)
			})

			// Admin surface.
			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(auth.RoleAdmin))

				r.Get("/queue/stats", s.handleQueueStats)
				r.Post("/admin/registration-code", s.handleMintRegistrationCode)
				r.Post("/admin/reset-code", s.handleMintResetCode)
			})
		})

		// Internal surface.
		r.Group(func(r chi.Router) {
			r.Use(s.internalTokenMiddleware)

			r.Post("/internal/course/mutate", s.handleCourseMutate)
		})
	})

	return r
}

// handleHealth reports liveness plus a storage ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.db.HealthCheck(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{
		"status":  status,
		"version": s.version,
	})
}
