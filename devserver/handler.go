package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type ctxKey int

const userKey ctxKey = 0

func withUser(ctx context.Context, u *user) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func reqUser(req *http.Request) *user {
	u, _ := req.Context().Value(userKey).(*user)
	return u
}

// NewHandler builds the dev-server router: the REST API under /api and the
// websocket endpoint at /ws.
func NewHandler(hub *Hub) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) { handleWS(w, req, hub) })

	r.Route("/api", func(r chi.Router) {
		r.Post("/users/register", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Name     string `json:"name"`
				Email    string `json:"email"`
				Password string `json:"password"`
			}
			if !readJSON(w, req, &body) {
				return
			}
			sess, err := hub.Register(body.Name, body.Email, body.Password)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, sess)
		})
		r.Post("/users/login", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Email    string `json:"email"`
				Password string `json:"password"`
			}
			if !readJSON(w, req, &body) {
				return
			}
			sess, err := hub.Login(body.Email, body.Password)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, sess)
		})

		// Everything below needs a bearer token.
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(hub))

			r.Get("/users/profile", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, reqUser(req))
			})

			r.Get("/orders", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, hub.Orders(reqUser(req)))
			})
			r.Post("/orders", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					Type     string  `json:"type"`
					Symbol   string  `json:"symbol"`
					Price    float64 `json:"price"`
					Quantity float64 `json:"quantity"`
				}
				if !readJSON(w, req, &body) {
					return
				}
				o := hub.CreateOrder(reqUser(req), body.Type, body.Symbol, body.Price, body.Quantity)
				writeJSON(w, http.StatusCreated, o)
			})
			r.Get("/orders/{id}", func(w http.ResponseWriter, req *http.Request) {
				o, err := hub.Order(reqUser(req), chi.URLParam(req, "id"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, o)
			})
			r.Patch("/orders/{id}/status", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					Status string `json:"status"`
				}
				if !readJSON(w, req, &body) {
					return
				}
				o, err := hub.UpdateOrderStatus(reqUser(req), chi.URLParam(req, "id"), body.Status)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, o)
			})

			r.Get("/chat", func(w http.ResponseWriter, req *http.Request) {
				u := reqUser(req)
				if u.Role != "admin" {
					writeError(w, errForbidden)
					return
				}
				writeJSON(w, http.StatusOK, hub.Rooms(u, true))
			})
			r.Get("/chat/my-chats", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, hub.Rooms(reqUser(req), false))
			})
			r.Post("/chat/rooms", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					OrderID string `json:"orderId"`
				}
				if !readJSON(w, req, &body) {
					return
				}
				room, err := hub.CreateRoom(reqUser(req), body.OrderID)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, room)
			})
			r.Post("/chat/rooms/{id}/close", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					Summary string `json:"summary"`
				}
				if !readJSON(w, req, &body) {
					return
				}
				room, err := hub.CloseRoom(reqUser(req), chi.URLParam(req, "id"), body.Summary)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, room)
			})
			r.Get("/chat/{id}", func(w http.ResponseWriter, req *http.Request) {
				room, err := hub.Room(chi.URLParam(req, "id"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, room)
			})
			r.Get("/chat/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
				msgs, err := hub.Messages(chi.URLParam(req, "id"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, msgs)
			})
		})
	})
	return r
}

func authMiddleware(hub *Hub) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
			u, ok := hub.Authenticate(token)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid or missing token"})
				return
			}
			next.ServeHTTP(w, req.WithContext(withUser(req.Context(), u)))
		})
	}
}

func readJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("[devserver] write response")
	}
}

// writeError maps hub errors to the {"message": ...} envelope the client
// surfaces verbatim.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errForbidden):
		status = http.StatusForbidden
	case errors.Is(err, errEmailTaken):
		status = http.StatusConflict
	case errors.Is(err, errBadLogin):
		status = http.StatusUnauthorized
	case errors.Is(err, errBadStatus), errors.Is(err, errRoomClosed), errors.Is(err, errEmptyContent):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"message": err.Error()})
}

func handleWS(w http.ResponseWriter, req *http.Request, hub *Hub) {
	upgrader := websocket.Upgrader{
		CheckOrigin:      func(*http.Request) bool { return true },
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := newClient(conn, hub)
	go c.writeLoop()
	c.readLoop()
}
