package main

import (
	"encoding/json"
	"errors"
	"net/http"

	chi "github.com/go-chi/chi/v5"

	"feedsync/internal/domain"
	httpinfra "feedsync/internal/infra/http"
	"feedsync/internal/usecase/feed"
)

type createPostRequest struct {
	Content     string              `json:"content"`
	Celebration *domain.Celebration `json:"celebration,omitempty"`
}

type createReplyRequest struct {
	Content string `json:"content"`
}

func registerRoutes(r chi.Router, registry *sessionRegistry, sessionSecret string) {
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httpinfra.SessionAuthMiddleware(sessionSecret))

		api.Get("/feed", withEngine(registry, func(w http.ResponseWriter, r *http.Request, engine *feed.Service) {
			httpinfra.WriteJSON(w, http.StatusOK, engine.State())
		}))

		api.Post("/feed/refresh", withEngine(registry, func(w http.ResponseWriter, r *http.Request, engine *feed.Service) {
			if err := engine.Refresh(r.Context()); err != nil {
				writeEngineError(w, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, engine.State())
		}))

		api.Post("/feed/more", withEngine(registry, func(w http.ResponseWriter, r *http.Request, engine *feed.Service) {
			if err := engine.LoadMore(r.Context()); err != nil {
				writeEngineError(w, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, engine.State())
		}))

		api.Post("/posts", withEngine(registry, func(w http.ResponseWriter, r *http.Request, engine *feed.Service) {
			var req createPostRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
				return
			}
			post, err := engine.CreatePost(r.Context(), req.Content, req.Celebration)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusCreated, post)
		}))

		api.Post("/posts/{id}/replies", withEngine(registry, func(w http.ResponseWriter, r *http.Request, engine *feed.Service) {
			var req createReplyRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpinfra.WriteError(w, http.StatusBadRequest, errors.New("некорректное тело запроса"))
				return
			}
			reply, err := engine.CreateReply(r.Context(), chi.URLParam(r, "id"), req.Content)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusCreated, reply)
		}))

		api.Put("/posts/{id}/like", withEngine(registry, func(w http.ResponseWriter, r *http.Request, engine *feed.Service) {
			if err := engine.SetLike(r.Context(), chi.URLParam(r, "id"), true); err != nil {
				writeEngineError(w, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, engine.State())
		}))

		api.Delete("/posts/{id}/like", withEngine(registry, func(w http.ResponseWriter, r *http.Request, engine *feed.Service) {
			if err := engine.SetLike(r.Context(), chi.URLParam(r, "id"), false); err != nil {
				writeEngineError(w, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, engine.State())
		}))

		api.Post("/posts/{id}/expand", withEngine(registry, func(w http.ResponseWriter, r *http.Request, engine *feed.Service) {
			if err := engine.ExpandThread(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeEngineError(w, err)
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, engine.State())
		}))
	})
}

func withEngine(registry *sessionRegistry, next func(http.ResponseWriter, *http.Request, *feed.Service)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engine, err := registry.engine(r.Context(), httpinfra.ViewerID(r))
		if err != nil {
			httpinfra.WriteError(w, http.StatusBadGateway, err)
			return
		}
		next(w, r, engine)
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, feed.ErrPostNotFound):
		httpinfra.WriteError(w, http.StatusNotFound, err)
	case errors.Is(err, feed.ErrLikeInFlight):
		httpinfra.WriteError(w, http.StatusConflict, err)
	case errors.Is(err, feed.ErrEmptyContent), errors.Is(err, domain.ErrInvalidCursor):
		httpinfra.WriteError(w, http.StatusBadRequest, err)
	case errors.Is(err, feed.ErrEngineClosed):
		httpinfra.WriteError(w, http.StatusServiceUnavailable, err)
	default:
		httpinfra.WriteError(w, http.StatusBadGateway, err)
	}
}
