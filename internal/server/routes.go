package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Permission negotiation
	r.Route("/permission", func(r chi.Router) {
		r.Get("/", s.listPermissions)
		r.Post("/{requestID}", s.respondPermission)
	})

	// Tool calls
	r.Route("/toolcall", func(r chi.Router) {
		r.Get("/", s.listToolCalls)
		r.Post("/", s.submitToolCall)
		r.Get("/{callID}", s.getToolCall)
	})
	r.Post("/interrupt", s.interrupt)

	// Background jobs
	r.Route("/job", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Delete("/", s.killJob)
			r.Post("/reap", s.reapJob)
		})
	})

	// Policies and services
	r.Get("/policy", s.getPolicy)
	r.Post("/policy/check", s.checkPolicy)
	r.Get("/service", s.listServices)
	r.Get("/tool", s.listTools)

	// Event streaming (SSE)
	r.Get("/event", s.allEvents)
}
