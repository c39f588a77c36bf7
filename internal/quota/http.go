package quota

import (
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sugawarayuuta/sonnet"
)

const maxRequestBody = 1 << 16

type decideRequest struct {
	User             string  `json:"user"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	TxValueUSD       float64 `json:"tx_value_usd"`
	Operation        string  `json:"operation"`
}

type usageRequest struct {
	User          string  `json:"user"`
	ActualCostUSD float64 `json:"actual_cost_usd"`
	Sponsored     bool    `json:"sponsored"`
	Token         string  `json:"token"`
}

// Handler exposes the engine over HTTP:
//
//	POST /quota/decide  {user, estimated_cost_usd, tx_value_usd, operation} -> Decision
//	POST /quota/usage   {user, actual_cost_usd, sponsored, token}           -> 204
//	GET  /quota/usage?user=0x...                                            -> Usage
func Handler(e *Engine) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /quota/decide", func(w http.ResponseWriter, r *http.Request) {
		var req decideRequest
		if !decode(w, r, &req) {
			return
		}
		user, ok := address(w, req.User)
		if !ok {
			return
		}
		d, err := e.Decide(r.Context(), user, req.EstimatedCostUSD, req.TxValueUSD, req.Operation)
		if errors.Is(err, ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			e.logger.Error("decide", "user", user.Hex(), "err", err)
			writeError(w, http.StatusInternalServerError, "quota store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, d)
	})
	mux.HandleFunc("POST /quota/usage", func(w http.ResponseWriter, r *http.Request) {
		var req usageRequest
		if !decode(w, r, &req) {
			return
		}
		user, ok := address(w, req.User)
		if !ok {
			return
		}
		err := e.RecordUsage(r.Context(), user, req.ActualCostUSD, req.Sponsored, req.Token)
		if errors.Is(err, ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			e.logger.Error("record usage", "user", user.Hex(), "err", err)
			writeError(w, http.StatusInternalServerError, "quota store unavailable")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /quota/usage", func(w http.ResponseWriter, r *http.Request) {
		user, ok := address(w, r.URL.Query().Get("user"))
		if !ok {
			return
		}
		u, err := e.Usage(r.Context(), user)
		if err != nil {
			e.logger.Error("usage", "user", user.Hex(), "err", err)
			writeError(w, http.StatusInternalServerError, "quota store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, u)
	})
	return mux
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return false
	}
	if err := sonnet.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func address(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		writeError(w, http.StatusBadRequest, "invalid user address")
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
