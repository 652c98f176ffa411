package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/coilworks/relay/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	err = createAccountTable(db)
	if err != nil {
		return nil, err
	}
	err = createLedgerAccountTable(db)
	if err != nil {
		return nil, err
	}
	err = createLedgerTransferTable(db)
	if err != nil {
		return nil, err
	}
	err = createQuoteTable(db)
	if err != nil {
		return nil, err
	}
	err = createOutgoingPaymentTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createQuoteTable creates a PostgreSQL table for the Quote struct
func createQuoteTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS quotes (
			id SERIAL PRIMARY KEY,
			quote_id TEXT NOT NULL UNIQUE,
			destination TEXT NOT NULL,
			amount BIGINT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createAccountTable creates a PostgreSQL table for the Account struct
func createAccountTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id SERIAL PRIMARY KEY,
			account_id TEXT NOT NULL UNIQUE,
			address TEXT NOT NULL UNIQUE,
			asset_code TEXT NOT NULL,
			asset_scale SMALLINT NOT NULL,
			liquidity_threshold BIGINT,
			max_packet_amount BIGINT,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			process_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createLedgerAccountTable creates a PostgreSQL table for the ledger engine's
// account aggregates, keyed by the 128-bit id rendered as NUMERIC.
func createLedgerAccountTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_accounts (
			id SERIAL PRIMARY KEY,
			account_id NUMERIC(39) NOT NULL UNIQUE,
			ledger INT NOT NULL DEFAULT 1,
			debits_pending BIGINT NOT NULL DEFAULT 0,
			debits_posted BIGINT NOT NULL DEFAULT 0,
			credits_pending BIGINT NOT NULL DEFAULT 0,
			credits_posted BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createLedgerTransferTable creates a PostgreSQL table for two-phase transfers
func createLedgerTransferTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_transfers (
			id SERIAL PRIMARY KEY,
			transfer_id NUMERIC(39) NOT NULL UNIQUE,
			debit_account_id NUMERIC(39) NOT NULL REFERENCES ledger_accounts(account_id),
			credit_account_id NUMERIC(39) NOT NULL REFERENCES ledger_accounts(account_id),
			amount BIGINT NOT NULL,
			transfer_type SMALLINT NOT NULL DEFAULT 0,
			ledger INT NOT NULL DEFAULT 1,
			timeout_seconds INT NOT NULL DEFAULT 0,
			expires_at TIMESTAMP,
			state TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createOutgoingPaymentTable creates a PostgreSQL table for the OutgoingPayment struct
func createOutgoingPaymentTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outgoing_payments (
			id SERIAL PRIMARY KEY,
			payment_id TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			state_attempts INT NOT NULL DEFAULT 0,
			quote_id TEXT,
			wallet_address_id TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating outgoing_payments table: %v", err)
	}
	return err
}
