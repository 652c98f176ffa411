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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	relay "github.com/coilworks/relay"
	"github.com/coilworks/relay/config"
	"github.com/coilworks/relay/database"
)

// Relay represents the CLI application, encapsulating the root Cobra command.
type Relay struct {
	cmd *cobra.Command
}

// relayInstance holds the runtime instance and its configuration.
type relayInstance struct {
	relay     *relay.Relay
	cnf       *config.Configuration
	processor *relay.OutgoingPaymentProcessor
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the connector before
// running any command.
func preRun(app *relayInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("relay.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newRelay, err := setupRelay(cnf)
		if err != nil {
			log.Fatal(err)
		}

		app.relay = newRelay
		app.cnf = cnf

		return nil
	}
}

// setupRelay creates a connector instance backed by the configured datasource.
func setupRelay(cfg *config.Configuration) (*relay.Relay, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newRelay, err := relay.NewRelay(db)
	if err != nil {
		return nil, fmt.Errorf("error creating relay: %v", err)
	}
	return newRelay, nil
}

// NewCLI creates the command-line interface for the connector.
func NewCLI() *Relay {
	var configFile string
	r := &relayInstance{}

	var rootCmd = &cobra.Command{
		Use:   "relay",
		Short: "ILP connector core",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./relay.json", "Configuration file for the connector")
	rootCmd.PersistentPreRunE = preRun(r)

	rootCmd.AddCommand(workerCommands(r))

	return &Relay{cmd: rootCmd}
}

// Execute runs the CLI root command.
func (r *Relay) Execute() {
	defer recoverPanic()
	if err := r.cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func main() {
	cli := NewCLI()
	cli.Execute()
}
