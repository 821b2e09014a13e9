package settlementd

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/crossvault/middleware/pkg/app/errors"
	storedb "github.com/crossvault/middleware/pkg/db"
	"github.com/crossvault/middleware/pkg/settlement"
)

const defaultListLimit = 100

type depositResponse struct {
	ID               string    `json:"id"`
	User             string    `json:"user"`
	SourceChain      uint32    `json:"source_chain"`
	DestinationChain uint32    `json:"destination_chain"`
	Vault            string    `json:"vault"`
	Amount           string    `json:"amount"`
	MinShares        string    `json:"min_shares"`
	State            string    `json:"state"`
	Deadline         time.Time `json:"deadline"`
	CreatedAt        time.Time `json:"created_at"`
}

type withdrawalResponse struct {
	ID               string    `json:"id"`
	User             string    `json:"user"`
	SourceChain      uint32    `json:"source_chain"`
	DestinationChain uint32    `json:"destination_chain"`
	Vault            string    `json:"vault"`
	Shares           string    `json:"shares"`
	MinAssets        string    `json:"min_assets"`
	Deadline         time.Time `json:"deadline"`
	CreatedAt        time.Time `json:"created_at"`
}

type vaultResponse struct {
	Chain       uint32    `json:"chain"`
	Address     string    `json:"address"`
	Asset       string    `json:"asset"`
	TotalShares string    `json:"total_shares"`
	Active      bool      `json:"active"`
	LastUpdate  time.Time `json:"last_update"`
}

func newDepositResponse(d *settlement.PendingDeposit) depositResponse {
	return depositResponse{
		ID:               d.ID.Hex(),
		User:             d.User.Hex(),
		SourceChain:      d.SourceChain,
		DestinationChain: d.DestinationChain,
		Vault:            d.Vault.Hex(),
		Amount:           d.Amount.String(),
		MinShares:        d.MinShares.String(),
		State:            d.State().String(),
		Deadline:         d.Deadline,
		CreatedAt:        d.CreatedAt,
	}
}

func newWithdrawalResponse(w *settlement.PendingWithdrawal) withdrawalResponse {
	return withdrawalResponse{
		ID:               w.ID.Hex(),
		User:             w.User.Hex(),
		SourceChain:      w.SourceChain,
		DestinationChain: w.DestinationChain,
		Vault:            w.Vault.Hex(),
		Shares:           w.Shares.String(),
		MinAssets:        w.MinAssets.String(),
		Deadline:         w.Deadline,
		CreatedAt:        w.CreatedAt,
	}
}

func handleListDeposits(store *storedb.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deposits, err := store.ListDeposits(r.Context(), defaultListLimit)
		if err != nil {
			writeError(w, logger, apperrors.GeneralError(err))
			return
		}
		out := make([]depositResponse, 0, len(deposits))
		for _, d := range deposits {
			out = append(out, newDepositResponse(d))
		}
		writeJSON(w, logger, http.StatusOK, map[string]any{"deposits": out})
	}
}

func handleGetDeposit(store *storedb.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		dep, err := store.GetDeposit(r.Context(), id)
		if err != nil {
			writeError(w, logger, apperrors.GeneralError(err))
			return
		}
		if dep == nil {
			writeError(w, logger, apperrors.ResourceNotFoundError(nil, "deposit not found"))
			return
		}
		writeJSON(w, logger, http.StatusOK, newDepositResponse(dep))
	}
}

func handleRecoverDeposit(proc *settlement.Processor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if err := proc.RecoverStaleDeposit(r.Context(), id); err != nil {
			writeError(w, logger, categorize(err))
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "recovered", "id": id.Hex()})
	}
}

func handleGetWithdrawal(store *storedb.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		wd, err := store.GetWithdrawal(r.Context(), id)
		if err != nil {
			writeError(w, logger, apperrors.GeneralError(err))
			return
		}
		if wd == nil {
			writeError(w, logger, apperrors.ResourceNotFoundError(nil, "withdrawal not found"))
			return
		}
		writeJSON(w, logger, http.StatusOK, newWithdrawalResponse(wd))
	}
}

func handleCleanupWithdrawal(proc *settlement.Processor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		if err := proc.CleanupTimedOutWithdrawal(r.Context(), id); err != nil {
			writeError(w, logger, categorize(err))
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "cleaned", "id": id.Hex()})
	}
}

func handleListVaults(proc *settlement.Processor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		infos := proc.Registry().List()
		out := make([]vaultResponse, 0, len(infos))
		for _, info := range infos {
			out = append(out, vaultResponse{
				Chain:       info.Key.Chain,
				Address:     info.Key.Address.Hex(),
				Asset:       info.Asset.Hex(),
				TotalShares: info.TotalShares.String(),
				Active:      info.Active,
				LastUpdate:  info.LastUpdate,
			})
		}
		writeJSON(w, logger, http.StatusOK, map[string]any{"vaults": out})
	}
}

func handleGetStatus(proc *settlement.Processor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]any{
			"status":           "running",
			"domain":           proc.LocalChain(),
			"timeout_seconds":  proc.Timeout().Seconds(),
			"active_positions": proc.Ledger().ActiveCount(),
		})
	}
}

func parseID(raw string) (common.Hash, error) {
	if len(raw) != 66 || raw[:2] != "0x" {
		return common.Hash{}, apperrors.BadRequestError(nil, "id must be a 0x-prefixed 32-byte hex string")
	}
	return common.HexToHash(raw), nil
}

// categorize maps settlement sentinel errors onto the service error taxonomy
// so the HTTP layer derives status codes uniformly.
func categorize(err error) error {
	switch {
	case errors.Is(err, settlement.ErrDepositNotFound),
		errors.Is(err, settlement.ErrWithdrawalNotFound):
		return apperrors.ResourceNotFoundError(err, err.Error())
	case errors.Is(err, settlement.ErrNotStale),
		errors.Is(err, settlement.ErrSharesAlreadyIssued),
		errors.Is(err, settlement.ErrBridgeAlreadyCompleted),
		errors.Is(err, settlement.ErrDuplicateMessage):
		return apperrors.ConflictError(err, err.Error())
	case errors.Is(err, settlement.ErrUnauthorizedCaller):
		return apperrors.UnAuthorizedError(err, err.Error())
	case errors.Is(err, settlement.ErrDeadlineExceeded),
		errors.Is(err, settlement.ErrSlippageExceeded):
		return apperrors.BadRequestError(err, err.Error())
	default:
		return apperrors.GeneralError(err)
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var svcErr *apperrors.ServiceError
	if !errors.As(err, &svcErr) {
		svcErr = &apperrors.ServiceError{
			Category: apperrors.CategoryGeneralError,
			Message:  "Internal Server Error",
			Err:      err,
		}
	}
	if apperrors.IsInternalError(svcErr) {
		logger.Error("Request failed", zap.Error(svcErr))
	}
	writeJSON(w, logger, svcErr.StatusCode(), map[string]string{"error": svcErr.Message})
}
