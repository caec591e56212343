package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/recollection-api/internal/api/middleware"
	"github.com/phrazzld/recollection-api/internal/api/shared"
)

// RouterDeps are the handlers and services mounted by NewRouter.
type RouterDeps struct {
	Logger  *slog.Logger
	Auth    *middleware.AuthMiddleware
	Tasks   *TaskHandler
	Streams *TaskStreamHandler

	// ListenerState reports the bus listener state on /health. Optional.
	ListenerState func() string

	// Metrics serves /debug/metrics when set.
	Metrics http.Handler
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Listener string `json:"listener,omitempty"`
}

// NewRouter creates the application router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewTraceMiddleware(deps.Logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Post("/content/load", deps.Tasks.LoadContent)
		r.Post("/courses/generate", deps.Tasks.GenerateCourse)
		r.Post("/tasks", deps.Tasks.SubmitTask)
		r.Get("/tasks", deps.Tasks.ListTasks)
		r.Get("/tasks/{taskID}", deps.Tasks.GetTask)
	})

	r.With(deps.Auth.Optional).Get("/ws/tasks/{taskID}", deps.Streams.Stream)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok"}
		if deps.ListenerState != nil {
			resp.Listener = deps.ListenerState()
		}
		shared.RespondWithJSON(w, r, http.StatusOK, resp)
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/debug/metrics", deps.Metrics)
	}

	return r
}
