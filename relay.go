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
	"time"

	"github.com/coilworks/relay/cache"
	"github.com/coilworks/relay/config"
	"github.com/coilworks/relay/database"
	"github.com/coilworks/relay/internal/apierror"
	"github.com/coilworks/relay/ledger"
	"github.com/coilworks/relay/model"
)

// Relay wires the connector: datasource, snapshot cache, queue and the
// ledger transfer adapter.
type Relay struct {
	queue      *Queue
	datasource database.IDataSource
	snapshots  cache.Cache
	ledger     *ledger.Adapter
}

// NewRelay initializes the connector from the loaded configuration.
func NewRelay(db database.IDataSource) (*Relay, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	snapshots, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)
	adapter := ledger.NewAdapter(db, newQueue)

	return &Relay{
		datasource: db,
		queue:      newQueue,
		snapshots:  snapshots,
		ledger:     adapter,
	}, nil
}

// Ledger exposes the transfer adapter.
func (r *Relay) Ledger() *ledger.Adapter {
	return r.ledger
}

// Queue exposes the task queue.
func (r *Relay) Queue() *Queue {
	return r.queue
}

// Snapshots exposes the payment snapshot cache.
func (r *Relay) Snapshots() cache.Cache {
	return r.snapshots
}

// Datasource exposes the storage layer.
func (r *Relay) Datasource() database.IDataSource {
	return r.datasource
}

// NewPacketPipeline builds the middleware chain in execution order: stream
// tag decoding, account resolution, throughput (incoming then outgoing),
// balance reservation, and the expiry check wrapping the terminal forward.
func (r *Relay) NewPacketPipeline(rates RateProvider, forwarder Forwarder) (*Pipeline, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	cnf := configuration.Pipeline
	refill := time.Duration(cnf.ThroughputRefillPeriodMs) * time.Millisecond

	return NewPipeline(forwarder,
		NewStreamTagHandler(cnf.StreamSecret),
		NewAccountHandler(r.AccountDirectory(), cnf.ILPAddress),
		NewThroughputHandler(ThroughputIncoming, cnf.IncomingThroughputLimit, refill),
		NewThroughputHandler(ThroughputOutgoing, cnf.OutgoingThroughputLimit, refill),
		NewBalanceHandler(r.ledger, rates, cnf.ReservationTimeoutSeconds),
		NewExpiryHandler(),
	), nil
}

// AccountDirectory adapts the datasource to the pipeline's directory
// interface, translating coded not-found errors to ErrAccountNotFound.
func (r *Relay) AccountDirectory() AccountDirectory {
	return &datasourceDirectory{datasource: r.datasource}
}

type datasourceDirectory struct {
	datasource database.IDataSource
}

func mapNotFound(account *model.Account, err error) (*model.Account, error) {
	if err != nil {
		if apierror.IsNotFound(err) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (d *datasourceDirectory) Lookup(ctx context.Context, destination string) (*model.Account, error) {
	return mapNotFound(d.datasource.GetAccountByAddress(ctx, destination))
}

func (d *datasourceDirectory) LookupByID(ctx context.Context, accountID string) (*model.Account, error) {
	return mapNotFound(d.datasource.GetAccountByID(ctx, accountID))
}

func (d *datasourceDirectory) DefaultAccount(ctx context.Context) (*model.Account, error) {
	return mapNotFound(d.datasource.GetDefaultAccount(ctx))
}
