package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shaiso/Conveyor/internal/callback"
	"github.com/shaiso/Conveyor/internal/repo"
)

// defaultMaxArchiveSize — максимальный размер загружаемого архива проекта.
const defaultMaxArchiveSize = 64 << 20

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	service        *callback.Service
	store          repo.Store
	clock          clockwork.Clock
	maxArchiveSize int64
	logger         *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Service        *callback.Service
	Store          repo.Store
	Clock          clockwork.Clock
	MaxArchiveSize int64 // байт (default: 64MB)
	Logger         *slog.Logger
}

// NewHandler создаёт Handler.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		service:        cfg.Service,
		store:          cfg.Store,
		clock:          cfg.Clock,
		maxArchiveSize: cfg.MaxArchiveSize,
		logger:         cfg.Logger,
	}
	if h.clock == nil {
		h.clock = clockwork.NewRealClock()
	}
	if h.maxArchiveSize <= 0 {
		h.maxArchiveSize = defaultMaxArchiveSize
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// siteID читает {site} из пути. При ошибке пишет 400 и возвращает false.
func siteID(w http.ResponseWriter, r *http.Request) (int, bool) {
	site, err := strconv.Atoi(r.PathValue("site"))
	if err != nil || site <= 0 {
		BadRequest(w, "invalid site id")
		return 0, false
	}
	return site, true
}

// pathID читает {id} из пути. what используется в сообщении об ошибке.
func pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}
