package handlers

import (
	"encoding/csv"
	"net/http"
	"time"

	"freedomtag/internal/models"
	"freedomtag/internal/money"
	"freedomtag/internal/store"
)

var exportHeader = []string{"id", "created_at", "kind", "status", "from_wallet_id", "to_wallet_id", "amount", "currency", "reference", "rate_source", "rate"}

// ExportTransactions streams matching transactions as CSV for bookkeeping.
// Rows are written as they are read, so a failure after the first row can
// only be logged.
func (h *Handler) ExportTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.TransactionFilter{WalletID: query.Get("wallet_id")}
	if kind := models.TransactionKind(query.Get("kind")); kind != "" {
		if !kind.Valid() {
			respondError(w, http.StatusBadRequest, "unknown kind")
			return
		}
		filter.Kinds = []models.TransactionKind{kind}
	}
	if status := query.Get("status"); status != "" {
		filter.Status = models.TransactionStatus(status)
	}
	for param, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := query.Get(param)
		if raw == "" {
			continue
		}
		parsed, err := parseTimeParam(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid "+param)
			return
		}
		*dst = &parsed
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)
	out := csv.NewWriter(w)
	_ = out.Write(exportHeader)
	count := 0
	for txn, err := range h.transactions.Scan(r.Context(), filter) {
		if err != nil {
			h.logger.WithError(err).WithField("rows", count).Error("transaction export aborted")
			break
		}
		if err := out.Write(exportRow(txn)); err != nil {
			h.logger.WithError(err).Warn("transaction export client went away")
			return
		}
		count++
	}
	out.Flush()
}

func exportRow(txn models.Transaction) []string {
	return []string{
		txn.ID,
		txn.CreatedAt.UTC().Format(time.RFC3339),
		string(txn.Kind),
		string(txn.Status),
		deref(txn.FromWalletID),
		deref(txn.ToWalletID),
		money.FormatMinor(txn.AmountMinor),
		txn.Currency,
		txn.Reference,
		txn.Metadata.RateSource,
		txn.Metadata.Rate,
	}
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates.
func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
