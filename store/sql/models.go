package sqlstore

import (
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/ratelimit"
	"github.com/uptrace/bun"
)

type integrationRecord struct {
	bun.BaseModel `bun:"table:ingress_integrations,alias:ii"`

	ID          string         `bun:"id,pk"`
	TenantID    string         `bun:"tenant_id,notnull"`
	Type        string         `bun:"type,notnull"`
	Provider    string         `bun:"provider,notnull"`
	Name        string         `bun:"name,notnull"`
	ExternalRef string         `bun:"external_ref,notnull"`
	Status      string         `bun:"status,notnull"`
	Config      map[string]any `bun:"config,type:jsonb,notnull"`
	CreatedBy   string         `bun:"created_by,notnull"`
	UpdatedBy   string         `bun:"updated_by,notnull"`
	CreatedAt   time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type secretRecord struct {
	bun.BaseModel `bun:"table:ingress_tenant_secrets,alias:its"`

	ID            string    `bun:"id,pk"`
	TenantID      string    `bun:"tenant_id,notnull"`
	IntegrationID string    `bun:"integration_id,notnull"`
	Key           string    `bun:"secret_key,notnull"`
	Ciphertext    []byte    `bun:"ciphertext,notnull"`
	KeyVersion    int       `bun:"key_version,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type inboundEventRecord struct {
	bun.BaseModel `bun:"table:ingress_inbound_events,alias:iie"`

	ID            string         `bun:"id,pk"`
	TenantID      string         `bun:"tenant_id,notnull"`
	SourceType    string         `bun:"source_type,notnull"`
	Provider      string         `bun:"provider,notnull"`
	IntegrationID string         `bun:"integration_id,notnull"`
	ExternalID    string         `bun:"external_id,notnull"`
	DedupeKey     string         `bun:"dedupe_key,notnull"`
	Payload       map[string]any `bun:"payload,type:jsonb,notnull"`
	Meta          map[string]any `bun:"meta,type:jsonb,notnull"`
	Status        string         `bun:"status,notnull"`
	AttemptCount  int            `bun:"attempt_count,notnull"`
	NextAttemptAt *time.Time     `bun:"next_attempt_at,nullzero"`
	LockedBy      string         `bun:"locked_by,notnull"`
	LockedAt      *time.Time     `bun:"locked_at,nullzero"`
	LastErrorCode string         `bun:"last_error_code,notnull"`
	LastErrorMsg  string         `bun:"last_error_msg,notnull"`
	ProcessedAt   *time.Time     `bun:"processed_at,nullzero"`
	RowVersion    int            `bun:"row_version,notnull"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type outboundJobRecord struct {
	bun.BaseModel `bun:"table:ingress_outbound_jobs,alias:ioj"`

	ID                string         `bun:"id,pk"`
	TenantID          string         `bun:"tenant_id,notnull"`
	Type              string         `bun:"type,notnull"`
	Provider          string         `bun:"provider,notnull"`
	IntegrationID     string         `bun:"integration_id,notnull"`
	DedupeKey         string         `bun:"dedupe_key,notnull"`
	Payload           map[string]any `bun:"payload,type:jsonb,notnull"`
	Status            string         `bun:"status,notnull"`
	AttemptCount      int            `bun:"attempt_count,notnull"`
	MaxAttempts       int            `bun:"max_attempts,notnull"`
	ProviderMessageID string         `bun:"provider_message_id,notnull"`
	RateLimitedUntil  *time.Time     `bun:"rate_limited_until,nullzero"`
	NextAttemptAt     *time.Time     `bun:"next_attempt_at,nullzero"`
	LockedBy          string         `bun:"locked_by,notnull"`
	LockedAt          *time.Time     `bun:"locked_at,nullzero"`
	LastErrorCode     string         `bun:"last_error_code,notnull"`
	LastErrorMsg      string         `bun:"last_error_msg,notnull"`
	SentAt            *time.Time     `bun:"sent_at,nullzero"`
	CanceledAt        *time.Time     `bun:"canceled_at,nullzero"`
	RowVersion        int            `bun:"row_version,notnull"`
	CreatedAt         time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type jobLockRecord struct {
	bun.BaseModel `bun:"table:ingress_job_locks,alias:ijl"`

	TenantID   string    `bun:"tenant_id,pk"`
	Key        string    `bun:"lock_key,pk"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"`
	RowVersion int       `bun:"row_version,notnull"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type jobRunRecord struct {
	bun.BaseModel `bun:"table:ingress_job_runs,alias:ijr"`

	ID             string         `bun:"id,pk"`
	Type           string         `bun:"type,notnull"`
	TenantID       string         `bun:"tenant_id,notnull"`
	IdempotencyKey string         `bun:"idempotency_key,notnull"`
	Payload        map[string]any `bun:"payload,type:jsonb,notnull"`
	Status         string         `bun:"status,notnull"`
	Attempts       int            `bun:"attempts,notnull"`
	MaxAttempts    int            `bun:"max_attempts,notnull"`
	LastError      string         `bun:"last_error,notnull"`
	RowVersion     int            `bun:"row_version,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:ingress_rate_limit_state,alias:irl"`

	TenantID       string     `bun:"tenant_id,pk"`
	Provider       string     `bun:"provider,pk"`
	ThrottledUntil *time.Time `bun:"throttled_until,nullzero"`
	RetryAfterMS   int64      `bun:"retry_after_ms,notnull"`
	LastStatus     int        `bun:"last_status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newIntegrationRecord(in core.IntegrationConfig) *integrationRecord {
	return &integrationRecord{
		ID:          in.ID,
		TenantID:    in.TenantID,
		Type:        in.Type,
		Provider:    in.Provider,
		Name:        in.Name,
		ExternalRef: in.ExternalRef,
		Status:      string(in.Status),
		Config:      core.CopyAnyMap(in.Config),
		CreatedBy:   in.CreatedBy,
		UpdatedBy:   in.UpdatedBy,
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.UpdatedAt,
	}
}

func (r *integrationRecord) toDomain() core.IntegrationConfig {
	if r == nil {
		return core.IntegrationConfig{}
	}
	return core.IntegrationConfig{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Type:        r.Type,
		Provider:    r.Provider,
		Name:        r.Name,
		ExternalRef: r.ExternalRef,
		Status:      core.IntegrationStatus(r.Status),
		Config:      core.CopyAnyMap(r.Config),
		CreatedBy:   r.CreatedBy,
		UpdatedBy:   r.UpdatedBy,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func (r *secretRecord) toDomain() core.SecretRecord {
	if r == nil {
		return core.SecretRecord{}
	}
	return core.SecretRecord{
		ID:            r.ID,
		TenantID:      r.TenantID,
		IntegrationID: r.IntegrationID,
		Key:           r.Key,
		Ciphertext:    append([]byte(nil), r.Ciphertext...),
		KeyVersion:    r.KeyVersion,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func newInboundEventRecord(in core.InboundEvent, version int) *inboundEventRecord {
	return &inboundEventRecord{
		ID:            in.ID,
		TenantID:      in.TenantID,
		SourceType:    in.SourceType,
		Provider:      in.Provider,
		IntegrationID: in.IntegrationID,
		ExternalID:    in.ExternalID,
		DedupeKey:     in.DedupeKey,
		Payload:       core.CopyAnyMap(in.Payload),
		Meta:          core.CopyAnyMap(in.Meta),
		Status:        string(in.Status),
		AttemptCount:  in.AttemptCount,
		NextAttemptAt: core.CloneTime(in.NextAttemptAt),
		LockedBy:      in.LockedBy,
		LockedAt:      core.CloneTime(in.LockedAt),
		LastErrorCode: in.LastErrorCode,
		LastErrorMsg:  in.LastErrorMsg,
		ProcessedAt:   core.CloneTime(in.ProcessedAt),
		RowVersion:    version,
		CreatedAt:     in.CreatedAt,
		UpdatedAt:     in.UpdatedAt,
	}
}

func (r *inboundEventRecord) toDomain() core.InboundEvent {
	if r == nil {
		return core.InboundEvent{}
	}
	return core.InboundEvent{
		ID:            r.ID,
		TenantID:      r.TenantID,
		SourceType:    r.SourceType,
		Provider:      r.Provider,
		IntegrationID: r.IntegrationID,
		ExternalID:    r.ExternalID,
		DedupeKey:     r.DedupeKey,
		Payload:       core.CopyAnyMap(r.Payload),
		Meta:          core.CopyAnyMap(r.Meta),
		Status:        core.InboundStatus(r.Status),
		AttemptCount:  r.AttemptCount,
		NextAttemptAt: core.CloneTime(r.NextAttemptAt),
		LockedBy:      r.LockedBy,
		LockedAt:      core.CloneTime(r.LockedAt),
		LastErrorCode: r.LastErrorCode,
		LastErrorMsg:  r.LastErrorMsg,
		ProcessedAt:   core.CloneTime(r.ProcessedAt),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func newOutboundJobRecord(in core.OutboundJob, version int) *outboundJobRecord {
	return &outboundJobRecord{
		ID:                in.ID,
		TenantID:          in.TenantID,
		Type:              in.Type,
		Provider:          in.Provider,
		IntegrationID:     in.IntegrationID,
		DedupeKey:         in.DedupeKey,
		Payload:           core.CopyAnyMap(in.Payload),
		Status:            string(in.Status),
		AttemptCount:      in.AttemptCount,
		MaxAttempts:       in.MaxAttempts,
		ProviderMessageID: in.ProviderMessageID,
		RateLimitedUntil:  core.CloneTime(in.RateLimitedUntil),
		NextAttemptAt:     core.CloneTime(in.NextAttemptAt),
		LockedBy:          in.LockedBy,
		LockedAt:          core.CloneTime(in.LockedAt),
		LastErrorCode:     in.LastErrorCode,
		LastErrorMsg:      in.LastErrorMsg,
		SentAt:            core.CloneTime(in.SentAt),
		CanceledAt:        core.CloneTime(in.CanceledAt),
		RowVersion:        version,
		CreatedAt:         in.CreatedAt,
		UpdatedAt:         in.UpdatedAt,
	}
}

func (r *outboundJobRecord) toDomain() core.OutboundJob {
	if r == nil {
		return core.OutboundJob{}
	}
	return core.OutboundJob{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Type:              r.Type,
		Provider:          r.Provider,
		IntegrationID:     r.IntegrationID,
		DedupeKey:         r.DedupeKey,
		Payload:           core.CopyAnyMap(r.Payload),
		Status:            core.OutboundStatus(r.Status),
		AttemptCount:      r.AttemptCount,
		MaxAttempts:       r.MaxAttempts,
		ProviderMessageID: r.ProviderMessageID,
		RateLimitedUntil:  core.CloneTime(r.RateLimitedUntil),
		NextAttemptAt:     core.CloneTime(r.NextAttemptAt),
		LockedBy:          r.LockedBy,
		LockedAt:          core.CloneTime(r.LockedAt),
		LastErrorCode:     r.LastErrorCode,
		LastErrorMsg:      r.LastErrorMsg,
		SentAt:            core.CloneTime(r.SentAt),
		CanceledAt:        core.CloneTime(r.CanceledAt),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

func newJobRunRecord(in core.JobRun, version int) *jobRunRecord {
	return &jobRunRecord{
		ID:             in.ID,
		Type:           in.Type,
		TenantID:       in.TenantID,
		IdempotencyKey: in.IdempotencyKey,
		Payload:        core.CopyAnyMap(in.Payload),
		Status:         string(in.Status),
		Attempts:       in.Attempts,
		MaxAttempts:    in.MaxAttempts,
		LastError:      in.LastError,
		RowVersion:     version,
		CreatedAt:      in.CreatedAt,
		UpdatedAt:      in.UpdatedAt,
	}
}

func (r *jobRunRecord) toDomain() core.JobRun {
	if r == nil {
		return core.JobRun{}
	}
	return core.JobRun{
		ID:             r.ID,
		Type:           r.Type,
		TenantID:       r.TenantID,
		IdempotencyKey: r.IdempotencyKey,
		Payload:        core.CopyAnyMap(r.Payload),
		Status:         core.JobRunStatus(r.Status),
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func (r *rateLimitStateRecord) toDomain() ratelimit.State {
	if r == nil {
		return ratelimit.State{}
	}
	return ratelimit.State{
		Key:            ratelimit.Key{TenantID: r.TenantID, Provider: r.Provider},
		ThrottledUntil: core.CloneTime(r.ThrottledUntil),
		RetryAfter:     time.Duration(r.RetryAfterMS) * time.Millisecond,
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}
