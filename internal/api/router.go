package api

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the chat API. metrics and staticDir are optional; an empty
// or missing staticDir disables the frontend.
func NewRouter(apiHandler *APIHandler, metrics http.Handler, staticDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)
		r.Get("/models", apiHandler.ListModelsHandler)
		r.Get("/chats", apiHandler.ListChatsHandler)

		r.Post("/chat/stream", apiHandler.StreamMessageHandler)
		r.Route("/chat/{chatID}", func(r chi.Router) {
			r.Get("/", apiHandler.GetChatHandler)
			r.Delete("/", apiHandler.DeleteChatHandler)
			r.Post("/stream", apiHandler.StreamMessageHandler)
			r.Post("/generate_title", apiHandler.GenerateTitleHandler)
			r.Post("/regenerate", apiHandler.RegenerateHandler)
			r.Post("/edit_and_regenerate", apiHandler.EditAndRegenerateHandler)
			r.Delete("/message/{index}", apiHandler.DeleteMessageHandler)
		})
	})

	r.Get("/attachments/{chatID}/{filename}", apiHandler.AttachmentHandler)

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	if staticDir != "" {
		if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
			r.Handle("/*", http.FileServer(http.Dir(staticDir)))
		}
	}

	return r
}
