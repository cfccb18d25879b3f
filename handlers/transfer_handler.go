package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ferreirogomes/splpay/storage"
)

// TransferHandler expõe o journal de tentativas em modo somente leitura.
type TransferHandler struct {
	Journal storage.Journal
	log     *zap.Logger
}

func NewTransferHandler(j storage.Journal, log *zap.Logger) *TransferHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TransferHandler{Journal: j, log: log.Named("http")}
}

// Routes monta o roteador com as rotas do journal.
func (h *TransferHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.URLFormat)

	r.Get("/health", h.Health)
	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.ListTransfers)
		r.Get("/{id}", h.GetTransferByID)
	})
	return r
}

// ListTransfers lista as tentativas mais recentes.
// GET /transfers?limit=N
func (h *TransferHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit inválido", http.StatusBadRequest)
			return
		}
		limit = n
	}

	attempts, err := h.Journal.ListAttempts(r.Context(), limit)
	if err != nil {
		h.log.Error("falha ao listar tentativas", zap.Error(err))
		http.Error(w, "falha ao listar tentativas", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

// GetTransferByID busca uma tentativa pelo ID.
// GET /transfers/{id}
func (h *TransferHandler) GetTransferByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempt, found, err := h.Journal.GetAttempt(r.Context(), id)
	if err != nil {
		h.log.Error("falha ao buscar tentativa", zap.String("id", id), zap.Error(err))
		http.Error(w, "falha ao buscar tentativa", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Tentativa não encontrada", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// Health responde enquanto o processo estiver de pé.
func (h *TransferHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *TransferHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Info("requisição",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
