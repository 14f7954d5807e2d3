package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/katsacademy/kats-core/internal/content"
	"github.com/katsacademy/kats-core/internal/illustration"
	"github.com/katsacademy/kats-core/internal/memory"
	"github.com/katsacademy/kats-core/internal/provider"
)

// Handler serves the learning app's HTTP API. Every endpoint is stateless;
// conversation state lives in the memory store and the voice sessions, not
// in the request path.
type Handler struct {
	chat        provider.Completer
	synth       provider.SpeechSynthesizer
	gen         provider.ImageGenerator
	resolver    *illustration.Resolver
	store       *illustration.Store
	mem         *memory.Store
	books       []content.Book
	sightWords  []content.SightWord
	speechSpeed float64
	logger      *slog.Logger
}

func NewHandler(chat provider.Completer, synth provider.SpeechSynthesizer, gen provider.ImageGenerator, resolver *illustration.Resolver, store *illustration.Store, mem *memory.Store, books []content.Book, sightWords []content.SightWord, speechSpeed float64, logger *slog.Logger) *Handler {
	return &Handler{
		chat:        chat,
		synth:       synth,
		gen:         gen,
		resolver:    resolver,
		store:       store,
		mem:         mem,
		books:       books,
		sightWords:  sightWords,
		speechSpeed: speechSpeed,
		logger:      logger.With(slog.String("component", "api")),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Routes builds the full router: API endpoints, health probes and the static
// illustration cache.
func (h *Handler) Routes(ready func() bool) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORS([]string{"*"}))
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		Error(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.handleChat)
		r.Post("/tts", h.handleTTS)
		r.Post("/illustrations/generate", h.handleGenerate)
		r.Get("/illustrations/cache", h.handleCacheLookup)
		r.Post("/illustrations/cache", h.handleCacheSave)
		r.Post("/memory/clear", h.handleClearMemory)
		r.Get("/content/books", h.handleBooks)
		r.Get("/content/sight-words", h.handleSightWords)
	})

	fileServer := http.StripPrefix("/cached-illustrations", http.FileServer(http.Dir(h.store.Dir())))
	r.Get("/cached-illustrations/*", fileServer.ServeHTTP)

	return r
}

type chatRequest struct {
	Message string `json:"message"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "No message provided")
		return
	}

	reply, err := h.chat.Complete(r.Context(), req.Message)
	if err != nil {
		if errors.Is(err, provider.ErrMissingAPIKey) {
			Error(w, http.StatusInternalServerError, "OpenAI API key not configured")
			return
		}
		h.logger.Warn("chat completion failed", slogError(err))
		Error(w, http.StatusInternalServerError, "Sorry, something went wrong. Please try again.")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type ttsRequest struct {
	Text  string  `json:"text"`
	Speed float64 `json:"speed"`
}

func (h *Handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "No text provided")
		return
	}
	speed := req.Speed
	if speed == 0 {
		speed = h.speechSpeed
	}

	result, err := h.synth.Synthesize(r.Context(), req.Text, speed)
	if err != nil {
		if errors.Is(err, provider.ErrMissingAPIKey) {
			Error(w, http.StatusInternalServerError, "OpenAI API key not configured")
			return
		}
		h.logger.Warn("speech synthesis failed", slogError(err))
		Error(w, http.StatusInternalServerError, "TTS service error")
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(result.Audio)
}

type generateRequest struct {
	Description string `json:"description"`
	BookTitle   string `json:"bookTitle"`
	PageIndex   *int   `json:"pageIndex"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Description) == "" {
		Error(w, http.StatusBadRequest, "No illustration description provided")
		return
	}

	// With a book context the resolver handles caching and fallback and
	// always produces a usable URL.
	if req.BookTitle != "" && req.PageIndex != nil {
		url := h.resolver.Resolve(r.Context(), req.BookTitle, *req.PageIndex, req.Description)
		JSON(w, http.StatusOK, map[string]string{"imageUrl": url})
		return
	}

	url, err := h.gen.GenerateIllustration(r.Context(), req.Description)
	if err != nil {
		if errors.Is(err, provider.ErrMissingAPIKey) {
			Error(w, http.StatusInternalServerError, "OpenAI API key not configured")
			return
		}
		h.logger.Warn("illustration generation failed", slogError(err))
		Error(w, http.StatusInternalServerError, "Failed to generate illustration. Please try again.")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"imageUrl": url})
}

func (h *Handler) handleCacheLookup(w http.ResponseWriter, r *http.Request) {
	bookTitle := r.URL.Query().Get("bookTitle")
	pageIndex := r.URL.Query().Get("pageIndex")
	if bookTitle == "" || pageIndex == "" {
		Error(w, http.StatusBadRequest, "Missing required parameters")
		return
	}
	idx, err := parsePageIndex(pageIndex)
	if err != nil {
		Error(w, http.StatusBadRequest, "Missing required parameters")
		return
	}

	if url, ok := h.store.Lookup(bookTitle, idx); ok {
		JSON(w, http.StatusOK, map[string]interface{}{
			"exists":   true,
			"localUrl": url,
			"message":  "Cached illustration found",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"exists":  false,
		"message": "No cached illustration found",
	})
}

type cacheSaveRequest struct {
	BookTitle string `json:"bookTitle"`
	PageIndex *int   `json:"pageIndex"`
	ImageURL  string `json:"imageUrl"`
}

func (h *Handler) handleCacheSave(w http.ResponseWriter, r *http.Request) {
	var req cacheSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.BookTitle == "" || req.PageIndex == nil || req.ImageURL == "" {
		Error(w, http.StatusBadRequest, "Missing required parameters")
		return
	}

	localURL, err := h.store.SaveFromURL(r.Context(), req.BookTitle, *req.PageIndex, req.ImageURL)
	if err != nil {
		h.logger.Warn("illustration cache save failed", slogError(err))
		Error(w, http.StatusInternalServerError, "Failed to cache illustration")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"localUrl": localURL,
		"message":  "Illustration cached successfully",
	})
}

func (h *Handler) handleBooks(w http.ResponseWriter, r *http.Request) {
	books := h.books
	if books == nil {
		books = []content.Book{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"books": books})
}

// handleSightWords returns the sight word list in a fresh order each time so
// practice rounds never repeat the same sequence.
func (h *Handler) handleSightWords(w http.ResponseWriter, r *http.Request) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	words := content.Shuffle(h.sightWords, rng)
	JSON(w, http.StatusOK, map[string]interface{}{"sightWords": words})
}

func (h *Handler) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.mem.Clear(r.Context()); err != nil {
		h.logger.Warn("memory clear failed", slogError(err))
		Error(w, http.StatusInternalServerError, "Could not clear chat history")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

func parsePageIndex(raw string) (int, error) {
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if idx < 0 {
		return 0, errors.New("negative page index")
	}
	return idx, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
