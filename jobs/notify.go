package jobs

import (
	"context"
	"log/slog"

	"github.com/quipu-pos/quipu/internal/fiscal/invoice"
)

// InvoiceReader loads a document for notification.
type InvoiceReader interface {
	Get(ctx context.Context, accessKey string) (*invoice.Invoice, error)
}

// LogNotifier logs the notification instead of sending mail. SMTP delivery
// slots in behind the Notifier port without touching task plumbing.
type LogNotifier struct {
	store  InvoiceReader
	logger *slog.Logger
}

// NewLogNotifier constructs LogNotifier.
func NewLogNotifier(store InvoiceReader, logger *slog.Logger) *LogNotifier {
	return &LogNotifier{store: store, logger: logger}
}

// NotifyAuthorized reports an authorized document to the operator log.
func (n *LogNotifier) NotifyAuthorized(ctx context.Context, accessKey string) error {
	inv, err := n.store.Get(ctx, accessKey)
	if err != nil {
		return err
	}
	n.logger.Info("invoice authorized, customer notification due",
		"access_key", inv.AccessKey,
		"customer", inv.CustomerName,
		"authorization", inv.AuthorizationNumber,
		"total", inv.Total,
	)
	return nil
}
