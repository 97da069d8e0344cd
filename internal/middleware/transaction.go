package middleware

import (
	"context"
	"net/http"

	"github.com/reanahub/reana-job-controller/internal/config"
	"github.com/reanahub/reana-job-controller/internal/store"
	"github.com/reanahub/reana-job-controller/internal/store/postgres_store"
	"gorm.io/gorm"
)

// TransactionMiddleware starts a transaction for each request and commits
// it for successful responses or rolls it back for errors. Each request is
// one logical transaction; handlers never hold one across responses.
func TransactionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check if there's already a transaction in the context (for tests)
		existingTx, existingTxFound := r.Context().Value(postgres_store.GetTxContextKey()).(*gorm.DB)

		var tx *gorm.DB
		var shouldManageTx bool

		if existingTxFound && existingTx != nil {
			// Let the test manage commit/rollback
			tx = existingTx
			shouldManageTx = false
		} else {
			db := store.GetDB()
			if db == nil {
				// In-memory store implementations run without transactions
				next.ServeHTTP(w, r)
				return
			}

			tx = db.Begin()
			if tx.Error != nil {
				http.Error(w, "Failed to begin transaction", http.StatusInternalServerError)
				return
			}
			shouldManageTx = true
		}

		tw := &transactionResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		ctx := context.WithValue(r.Context(), postgres_store.GetTxContextKey(), tx)
		r = r.WithContext(ctx)

		next.ServeHTTP(tw, r)

		if shouldManageTx {
			if config.CommitOnSuccess && tw.statusCode >= 200 && tw.statusCode < 300 {
				if err := tx.Commit().Error; err != nil {
					tx.Rollback()
					http.Error(w, "Failed to commit transaction", http.StatusInternalServerError)
					return
				}
			} else {
				tx.Rollback()
			}
		}
	})
}

// transactionResponseWriter wraps http.ResponseWriter to track status code
type transactionResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader overrides the http.ResponseWriter.WriteHeader method to track status code
func (w *transactionResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
