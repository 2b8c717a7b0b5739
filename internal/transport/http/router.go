package http

import (
	"net/http"
	"time"

	httpmw "github.com/cwrk-planet/signal-service/internal/transport/http/middleware"
	"github.com/cwrk-planet/signal-service/internal/transport/ws"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *Handler, ah *AdminHandler, auth httpmw.Authenticator, wsServer *ws.Server, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// signaling channel; the relay enforces admission on register
	r.Get("/ws/rooms/{id}", wsServer.HandleWS)

	r.Group(func(pr chi.Router) {
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		pr.Route("/rooms", func(rm chi.Router) {
			rm.Post("/", h.CreateRoom)

			rm.Route("/{id}", func(rr chi.Router) {
				rr.Get("/", h.GetRoomStatus)
				rr.Post("/join", h.JoinRoom)
				rr.Post("/leave", h.LeaveRoom)
				rr.Post("/close", h.CloseRoom)
				rr.Get("/credentials", h.GetCredentials)
			})
		})

		pr.Route("/admin", func(am chi.Router) {
			am.Post("/login", ah.Login)

			am.Group(func(ar chi.Router) {
				ar.Use(httpmw.AdminAuth(auth))
				ar.Get("/status", ah.Status)
				ar.Post("/logout", ah.Logout)
				ar.Post("/password", ah.ChangePassword)
				ar.Post("/2fa/setup", ah.SetupTOTP)
				ar.Post("/2fa/verify", ah.VerifyTOTP)
				ar.Post("/2fa/disable", ah.DisableTOTP)
				ar.Get("/peers", ah.ListPeers)
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
