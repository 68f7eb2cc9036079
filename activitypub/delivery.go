package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fedivent/fedivent/db"
	"github.com/fedivent/fedivent/domain"
	"github.com/fedivent/fedivent/logging"
)

const (
	deliveryInterval = 10 * time.Second
	deliveryBatch    = 50
	maxAttempts      = 10

	sweepInterval = time.Hour
)

// backoffMinutes is the retry schedule; deliveries past its end repeat the
// last interval until maxAttempts.
var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

// DeliveryWorker drains the outbound delivery queue in the background.
type DeliveryWorker struct {
	DB     *db.DB
	Outbox *Outbox
}

// Start launches the queue processor. It stops when ctx is cancelled.
func (w *DeliveryWorker) Start(ctx context.Context) {
	logging.Info().Msg("starting delivery worker")

	ticker := time.NewTicker(deliveryInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.processQueue(ctx)
			case <-ctx.Done():
				logging.Info().Msg("delivery worker stopped")
				return
			}
		}
	}()
}

func (w *DeliveryWorker) processQueue(ctx context.Context) {
	err, items := w.DB.ReadPendingDeliveries(deliveryBatch)
	if err != nil {
		logging.Error().Err(err).Msg("failed to read delivery queue")
		return
	}
	if items == nil || len(*items) == 0 {
		return
	}

	logging.Debug().Int("pending", len(*items)).Msg("processing delivery queue")

	for _, item := range *items {
		if ctx.Err() != nil {
			return
		}
		if err := w.deliver(ctx, &item); err != nil {
			w.recordFailure(&item, err)
		} else {
			w.DB.DeleteDelivery(item.Id)
		}
	}
}

func (w *DeliveryWorker) recordFailure(item *domain.DeliveryQueueItem, cause error) {
	item.Attempts++
	if item.Attempts >= maxAttempts {
		logging.Warn().Str("inbox", item.InboxURI).Int("attempts", item.Attempts).Msg("giving up on delivery")
		w.DB.DeleteDelivery(item.Id)
		return
	}

	idx := item.Attempts - 1
	if idx >= len(backoffMinutes) {
		idx = len(backoffMinutes) - 1
	}
	delay := time.Duration(backoffMinutes[idx]) * time.Minute
	item.NextRetryAt = time.Now().Add(delay)

	logging.Debug().
		Str("inbox", item.InboxURI).
		Int("attempt", item.Attempts).
		Dur("retryIn", delay).
		Err(cause).
		Msg("delivery failed, scheduling retry")
	w.DB.UpdateDeliveryAttempt(item.Id, item.Attempts, item.NextRetryAt)
}

// deliver signs and posts one queued activity. The signing identity is the
// local account named in the activity's actor field.
func (w *DeliveryWorker) deliver(ctx context.Context, item *domain.DeliveryQueueItem) error {
	var activity struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal([]byte(item.ActivityJSON), &activity); err != nil {
		return fmt.Errorf("failed to parse queued activity: %w", err)
	}
	if activity.Actor == "" {
		return fmt.Errorf("queued activity missing actor field")
	}

	parts := strings.Split(strings.TrimSuffix(activity.Actor, "/"), "/")
	username := parts[len(parts)-1]

	err, localAccount := w.DB.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("failed to get local account %s: %w", username, err)
	}

	return w.Outbox.deliverSigned(ctx, []byte(item.ActivityJSON), item.InboxURI, localAccount.Username, localAccount.WebPrivateKey)
}

// StartDedupSweeper periodically removes expired processed-activity records.
// It stops when ctx is cancelled.
func StartDedupSweeper(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := database.CleanupProcessedActivities()
				if err != nil {
					logging.Error().Err(err).Msg("dedup sweep failed")
					continue
				}
				if removed > 0 {
					logging.Info().Int64("removed", removed).Msg("swept expired activity records")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
