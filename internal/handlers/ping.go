package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/utils"
)

// Pinger проверяет доступность зависимости (Postgres, Redis).
type Pinger func(ctx context.Context) error

// NewPingHandler возвращает обработчик GET /api/ping. Ответ "ok" только если
// все зависимости отвечают; иначе 503 с именем первой недоступной.
func NewPingHandler(timeout time.Duration, checks map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			utils.SendErrorResponse(w, http.StatusBadRequest, "invalid method, only GET is allowed")
			return
		}

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				log.Println(err)
				utils.SendErrorResponse(w, http.StatusServiceUnavailable, name+" is unavailable")
				return
			}
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := fmt.Fprint(w, "ok"); err != nil {
			log.Println(err)
		}
	}
}
