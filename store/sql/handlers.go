package sqlstore

import (
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// stringIDHandlers wires a record keyed by a uuid string column named "id".
func stringIDHandlers[T any](newRecord func() T, getID func(T) string, setID func(T, string)) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			return parseUUID(getID(record))
		},
		SetID: func(record T, id uuid.UUID) {
			setID(record, id.String())
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			return strings.TrimSpace(getID(record))
		},
	}
}

func integrationHandlers() repository.ModelHandlers[*integrationRecord] {
	return stringIDHandlers(
		func() *integrationRecord { return &integrationRecord{} },
		func(r *integrationRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *integrationRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func secretHandlers() repository.ModelHandlers[*secretRecord] {
	return stringIDHandlers(
		func() *secretRecord { return &secretRecord{} },
		func(r *secretRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *secretRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func inboundEventHandlers() repository.ModelHandlers[*inboundEventRecord] {
	return stringIDHandlers(
		func() *inboundEventRecord { return &inboundEventRecord{} },
		func(r *inboundEventRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *inboundEventRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func outboundJobHandlers() repository.ModelHandlers[*outboundJobRecord] {
	return stringIDHandlers(
		func() *outboundJobRecord { return &outboundJobRecord{} },
		func(r *outboundJobRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *outboundJobRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func jobRunHandlers() repository.ModelHandlers[*jobRunRecord] {
	return stringIDHandlers(
		func() *jobRunRecord { return &jobRunRecord{} },
		func(r *jobRunRecord) string {
			if r == nil {
				return ""
			}
			return r.ID
		},
		func(r *jobRunRecord, id string) {
			if r != nil {
				r.ID = id
			}
		},
	)
}

func newRepository[T any](db *bun.DB, handlers repository.ModelHandlers[T], name string) (repository.Repository[T], error) {
	repo := repository.NewRepository[T](db, handlers)
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid %s repository wiring: %w", name, err)
		}
	}
	return repo, nil
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
