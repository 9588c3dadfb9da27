package common

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// StoreConfig defines the configuration settings for the object store core.
type StoreConfig struct {
	// JournalPath is the path of the journal file.
	JournalPath string `yaml:"journalPath"`

	// ReservedPoolBytes is the size of the shared pool that funds transaction metadata
	// reservations.
	ReservedPoolBytes uint64 `yaml:"reservedPoolBytes"`

	// TransactionMetadataBytes is the amount reserved per transaction from the pool
	// (or held against an allocator reservation).
	TransactionMetadataBytes uint64 `yaml:"transactionMetadataBytes"`

	// LogLevel sets the logrus level ("debug", "info", ...). Empty leaves the
	// level untouched.
	LogLevel string `yaml:"logLevel"`
}

// NewDefaultStoreConfig returns a new default object store configuration.
func NewDefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		JournalPath:              "/var/lib/objstore/journal.db",
		ReservedPoolBytes:        8 * MB,
		TransactionMetadataBytes: 32 * KB,
	}
}

// Validate validates a StoreConfig and returns an error if it's invalid.
func (conf *StoreConfig) Validate() error {
	if conf.JournalPath == "" {
		return fmt.Errorf("invalid journal path provided in config")
	}
	if conf.ReservedPoolBytes == 0 {
		return fmt.Errorf("invalid reserved pool size provided in config")
	}
	if conf.TransactionMetadataBytes == 0 {
		return fmt.Errorf("invalid transaction metadata reservation provided in config")
	}
	if conf.TransactionMetadataBytes > conf.ReservedPoolBytes {
		return fmt.Errorf("transaction metadata reservation exceeds the reserved pool")
	}
	return nil
}

// LoadFromFile loads the config from the file. It assumes that config already has the defaults.
// In the case of an error, it leaves the config untouched.
func (conf *StoreConfig) LoadFromFile(path string) {
	log.Info(fmt.Sprintf("common::config::LoadFromFile; loading config from file %s", path))
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error(fmt.Sprintf("common::config::LoadFromFile; error reading config from file %s, error %s", path, err))
		return
	}
	fconf := StoreConfig{}
	err = yaml.Unmarshal(data, &fconf)
	if err != nil {
		log.Error(fmt.Sprintf("common::config::LoadFromFile; error unmarshalling config from file %s, error %s", path, err))
		return
	}

	log.WithFields(log.Fields{"config": fconf}).Debug("common::config::LoadFromFile; read contents from the file")

	// populate fields
	if fconf.JournalPath != "" {
		conf.JournalPath = fconf.JournalPath
	}
	if fconf.ReservedPoolBytes != 0 {
		conf.ReservedPoolBytes = fconf.ReservedPoolBytes
	}
	if fconf.TransactionMetadataBytes != 0 {
		conf.TransactionMetadataBytes = fconf.TransactionMetadataBytes
	}
	if fconf.LogLevel != "" {
		conf.LogLevel = fconf.LogLevel
	}
}
