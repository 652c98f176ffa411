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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"RELAY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"RELAY_REDIS_DNS"`
}

// PipelineConfig tunes the packet middleware chain. A nil throughput limit
// disables the token bucket for that direction entirely.
type PipelineConfig struct {
	ILPAddress                string  `json:"ilp_address" envconfig:"RELAY_ILP_ADDRESS"`
	StreamSecret              string  `json:"stream_secret" envconfig:"RELAY_STREAM_SECRET"`
	IncomingThroughputLimit   *uint64 `json:"incoming_throughput_limit" envconfig:"RELAY_INCOMING_THROUGHPUT_LIMIT"`
	OutgoingThroughputLimit   *uint64 `json:"outgoing_throughput_limit" envconfig:"RELAY_OUTGOING_THROUGHPUT_LIMIT"`
	ThroughputRefillPeriodMs  int     `json:"throughput_refill_period_ms" envconfig:"RELAY_THROUGHPUT_REFILL_PERIOD_MS"`
	ReservationTimeoutSeconds uint32  `json:"reservation_timeout_seconds" envconfig:"RELAY_RESERVATION_TIMEOUT_SECONDS"`
	// Rates maps "SRC/DST" asset-code pairs to decimal exchange rates at
	// equal scale, e.g. {"USD/EUR": "0.92"}.
	Rates map[string]string `json:"rates" envconfig:"RELAY_RATES"`
}

// SchedulerConfig tunes the outgoing payment lifecycle worker.
type SchedulerConfig struct {
	PollIntervalMs     int `json:"poll_interval_ms" envconfig:"RELAY_SCHEDULER_POLL_INTERVAL_MS"`
	MaxAttempts        int `json:"max_attempts" envconfig:"RELAY_SCHEDULER_MAX_ATTEMPTS"`
	BackoffSeconds     int `json:"backoff_seconds" envconfig:"RELAY_SCHEDULER_BACKOFF_SECONDS"`
	BackoffCap         int `json:"backoff_cap" envconfig:"RELAY_SCHEDULER_BACKOFF_CAP"`
	StatementTimeoutMs int `json:"statement_timeout_ms" envconfig:"RELAY_SCHEDULER_STATEMENT_TIMEOUT_MS"`
	// QueueBypassEvery forces every Nth tick down the database path even when
	// the ready queue is non-empty, so the non-cache path stays exercised.
	QueueBypassEvery int `json:"queue_bypass_every" envconfig:"RELAY_SCHEDULER_QUEUE_BYPASS_EVERY"`
	// CacheOnlyWindow reproduces the legacy behavior of consulting only the
	// ready queue for the first N ticks. Off (0) unless legacy behavior is
	// explicitly wanted; it can starve payments that never entered the cache.
	CacheOnlyWindow      int `json:"cache_only_window" envconfig:"RELAY_SCHEDULER_CACHE_ONLY_WINDOW"`
	FlushIntervalSeconds int `json:"flush_interval_seconds" envconfig:"RELAY_SCHEDULER_FLUSH_INTERVAL_SECONDS"`
	FlushMaxBatch        int `json:"flush_max_batch" envconfig:"RELAY_SCHEDULER_FLUSH_MAX_BATCH"`
}

type Configuration struct {
	ProjectName string           `json:"project_name" envconfig:"RELAY_PROJECT_NAME"`
	DataSource  DataSourceConfig `json:"data_source"`
	Redis       RedisConfig      `json:"redis"`
	Pipeline    PipelineConfig   `json:"pipeline"`
	Scheduler   SchedulerConfig  `json:"scheduler"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("relay", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called relay.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Relay Connector"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Pipeline.ILPAddress = strings.TrimSpace(cnf.Pipeline.ILPAddress)

	if cnf.Pipeline.ILPAddress == "" {
		log.Println("Error: Pipeline ILP address is empty. It's a required field.")
		return errors.New("pipeline ILP address is required")
	}

	if cnf.Pipeline.ThroughputRefillPeriodMs <= 0 {
		cnf.Pipeline.ThroughputRefillPeriodMs = 1000
	}
	if cnf.Pipeline.ReservationTimeoutSeconds == 0 {
		cnf.Pipeline.ReservationTimeoutSeconds = 5
	}

	if cnf.Scheduler.PollIntervalMs <= 0 {
		cnf.Scheduler.PollIntervalMs = 500
	}
	if cnf.Scheduler.MaxAttempts <= 0 {
		cnf.Scheduler.MaxAttempts = 5
	}
	if cnf.Scheduler.BackoffSeconds <= 0 {
		cnf.Scheduler.BackoffSeconds = 10
	}
	if cnf.Scheduler.BackoffCap <= 0 {
		cnf.Scheduler.BackoffCap = 6
	}
	if cnf.Scheduler.StatementTimeoutMs <= 0 {
		cnf.Scheduler.StatementTimeoutMs = 1000
	}
	if cnf.Scheduler.QueueBypassEvery <= 0 {
		cnf.Scheduler.QueueBypassEvery = 10
	}
	if cnf.Scheduler.FlushIntervalSeconds <= 0 {
		cnf.Scheduler.FlushIntervalSeconds = 5
	}
	if cnf.Scheduler.FlushMaxBatch <= 0 {
		cnf.Scheduler.FlushMaxBatch = 200
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	_ = mockConfig.validateAndAddDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
