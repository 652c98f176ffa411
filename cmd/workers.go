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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hibiken/asynq"

	relay "github.com/coilworks/relay"
	"github.com/coilworks/relay/config"
	"github.com/coilworks/relay/internal/apierror"
	redis_db "github.com/coilworks/relay/internal/redis-db"
	"github.com/coilworks/relay/model"
)

// processTransferExpiry voids a pending ledger transfer whose reservation
// timed out. A transfer already posted or voided resolves the task without
// retry; the expiry lost the race and the outcome stands.
func (r *relayInstance) processTransferExpiry(ctx context.Context, t *asynq.Task) error {
	var transferID string
	if err := json.Unmarshal(t.Payload(), &transferID); err != nil {
		logrus.Error(err)
		return err
	}

	err := r.relay.Ledger().Void(ctx, transferID)
	if err != nil {
		if apierror.IsConflict(err) || apierror.IsNotFound(err) {
			log.Printf(" [*] Transfer %s already resolved, expiry dropped", transferID)
			return nil
		}
		return err
	}

	log.Printf(" [*] Transfer expired and voided %s", transferID)
	return nil
}

// processPaymentReady feeds a payment into the scheduler's ready queue so the
// next tick can pick it up without a database scan.
func (r *relayInstance) processPaymentReady(ctx context.Context, t *asynq.Task) error {
	var payment model.OutgoingPayment
	if err := json.Unmarshal(t.Payload(), &payment); err != nil {
		logrus.Error(err)
		return err
	}

	r.processor.NotifyReady(ctx, &payment)
	log.Printf(" [*] Payment ready %s", payment.PaymentID)
	return nil
}

func initializeQueues() map[string]int {
	return map[string]int{
		relay.TransferExpiryQueue: 3,
		relay.PaymentReadyQueue:   2,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(r *relayInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(relay.TransferExpiryQueue, r.processTransferExpiry)
	mux.HandleFunc(relay.PaymentReadyQueue, r.processPaymentReady)
}

// runScheduler drives the payment processor tick loop. A hard tick failure
// means storage is unreachable, so the loop backs off exponentially instead
// of hammering a database that is already struggling.
func runScheduler(ctx context.Context, processor *relay.OutgoingPaymentProcessor, cnf config.SchedulerConfig) {
	pollInterval := time.Duration(cnf.PollIntervalMs) * time.Millisecond

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = pollInterval
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Scheduler loop stopped")
			return
		case <-ticker.C:
			if _, err := processor.ProcessOneTick(ctx); err != nil {
				wait := policy.NextBackOff()
				logrus.Errorf("scheduler tick failed, backing off %s: %v", wait, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			policy.Reset()
		}
	}
}

// buildPaymentProcessor wires the payment sender onto the connector's own
// packet pipeline and returns the processor ready to run.
func buildPaymentProcessor(r *relayInstance, conf *config.Configuration) (*relay.OutgoingPaymentProcessor, error) {
	rates, err := relay.NewFixedRateProviderFromTable(conf.Pipeline.Rates)
	if err != nil {
		return nil, fmt.Errorf("error building rate table: %v", err)
	}

	pipeline, err := r.relay.NewPacketPipeline(rates, relay.LocalDeliveryForwarder())
	if err != nil {
		return nil, fmt.Errorf("error building packet pipeline: %v", err)
	}

	sender := relay.NewPipelinePaymentSender(pipeline, r.relay.Datasource(), r.relay.AccountDirectory())
	return relay.NewOutgoingPaymentProcessor(r.relay.Datasource(), sender, r.relay.Snapshots(), conf.Scheduler), nil
}

// workerCommands defines the "workers" command: the asynq consumer for
// transfer expiry and payment-ready tasks, plus the payment scheduler loop.
func workerCommands(r *relayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start relay workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			processor, err := buildPaymentProcessor(r, conf)
			if err != nil {
				log.Fatal(err)
			}
			r.processor = processor

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(r, mux)

			go runScheduler(ctx, processor, conf.Scheduler)

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
