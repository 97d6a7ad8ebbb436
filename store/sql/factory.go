package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every bun-backed store over one database handle.
type RepositoryFactory struct {
	db *bun.DB

	integrationStore    *IntegrationStore
	secretStore         *SecretStore
	inboundEventStore   *InboundEventStore
	outboundJobStore    *OutboundJobStore
	jobLedgerStore      *JobLedgerStore
	rateLimitStateStore *RateLimitStateStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// BuildStores accepts a *bun.DB or anything exposing DB() *bun.DB, such as a
// go-persistence-bun client.
func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.integrationStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) IntegrationStore() *IntegrationStore {
	if f == nil {
		return nil
	}
	return f.integrationStore
}

func (f *RepositoryFactory) SecretStore() *SecretStore {
	if f == nil {
		return nil
	}
	return f.secretStore
}

func (f *RepositoryFactory) InboundEventStore() *InboundEventStore {
	if f == nil {
		return nil
	}
	return f.inboundEventStore
}

func (f *RepositoryFactory) OutboundJobStore() *OutboundJobStore {
	if f == nil {
		return nil
	}
	return f.outboundJobStore
}

func (f *RepositoryFactory) JobLedgerStore() *JobLedgerStore {
	if f == nil {
		return nil
	}
	return f.jobLedgerStore
}

func (f *RepositoryFactory) RateLimitStateStore() *RateLimitStateStore {
	if f == nil {
		return nil
	}
	return f.rateLimitStateStore
}

func (f *RepositoryFactory) initStores() error {
	var err error
	if f.integrationStore, err = NewIntegrationStore(f.db); err != nil {
		return err
	}
	if f.secretStore, err = NewSecretStore(f.db); err != nil {
		return err
	}
	if f.inboundEventStore, err = NewInboundEventStore(f.db); err != nil {
		return err
	}
	if f.outboundJobStore, err = NewOutboundJobStore(f.db); err != nil {
		return err
	}
	if f.jobLedgerStore, err = NewJobLedgerStore(f.db); err != nil {
		return err
	}
	if f.rateLimitStateStore, err = NewRateLimitStateStore(f.db); err != nil {
		return err
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
