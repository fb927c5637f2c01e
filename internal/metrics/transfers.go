// =============================================================================
// 文件: internal/metrics/transfers.go
// 描述: /transfers 端点 - 以 JSON 返回最近的传输记录
// =============================================================================
package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mrcgq/rdtp/internal/storage"
)

// TransferLog 传输日志 (storage.Journal 实现)
type TransferLog interface {
	Recent(limit int) ([]storage.Entry, error)
	Count() (int, error)
}

const maxTransfersLimit = 1000

type transfersResponse struct {
	Total   int             `json:"total"`
	Entries []storage.Entry `json:"entries"`
}

// TransfersHandler 最近传输记录，?limit=N 控制条数
func TransfersHandler(tl TransferLog, defaultLimit int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := defaultLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		if limit <= 0 || limit > maxTransfersLimit {
			limit = maxTransfersLimit
		}

		entries, err := tl.Recent(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		total, err := tl.Count()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []storage.Entry{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transfersResponse{Total: total, Entries: entries})
	})
}
