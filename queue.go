/*
Copyright 2025 Coilworks Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/coilworks/relay/config"
	redis_db "github.com/coilworks/relay/internal/redis-db"
	"github.com/coilworks/relay/model"
)

const (
	// TransferExpiryQueue carries the auto-void of pending reservations whose
	// timeout elapsed without a post or void.
	TransferExpiryQueue = "relay:transfer_expiry"
	// PaymentReadyQueue carries triggers that feed the scheduler's in-memory
	// ready queue.
	PaymentReadyQueue = "relay:payment_ready"
)

// Queue wraps the asynq client used for deferred work: reservation expiry
// tasks and payment-ready triggers.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// ScheduleVoid enqueues the auto-void of a pending transfer at its expiry.
// The task id is the transfer id, so rescheduling the same reservation is
// idempotent.
func (q *Queue) ScheduleVoid(ctx context.Context, transferID string, at time.Time) error {
	payload, err := json.Marshal(transferID)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{
		asynq.TaskID(transferID),
		asynq.Queue(TransferExpiryQueue),
		asynq.ProcessIn(time.Until(at)),
	}
	task := asynq.NewTask(TransferExpiryQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued transfer expiry: %+v", transferID)
	return nil
}

// CancelVoid drops the scheduled expiry task for a transfer that was posted
// or voided explicitly, so the task never fires against a settled transfer.
// A task that already ran, or was never scheduled, is not an error.
func (q *Queue) CancelVoid(ctx context.Context, transferID string) error {
	err := q.Inspector.DeleteTask(TransferExpiryQueue, transferID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil
		}
		return err
	}
	log.Printf(" [*] Cancelled scheduled expiry for transfer %s", transferID)
	return nil
}

// EnqueuePaymentReady publishes a payment-ready trigger for the scheduler
// fleet.
func (q *Queue) EnqueuePaymentReady(ctx context.Context, payment *model.OutgoingPayment) error {
	payload, err := json.Marshal(payment)
	if err != nil {
		return err
	}
	task := asynq.NewTask(PaymentReadyQueue, payload, asynq.Queue(PaymentReadyQueue), asynq.MaxRetry(5))
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued payment ready: %+v", payment.PaymentID)
	return nil
}
