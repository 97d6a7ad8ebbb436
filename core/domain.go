package core

import "time"

type IntegrationStatus string

const (
	IntegrationStatusActive   IntegrationStatus = "ACTIVE"
	IntegrationStatusDisabled IntegrationStatus = "DISABLED"
)

type IntegrationConfig struct {
	ID          string
	TenantID    string
	Type        string
	Provider    string
	Name        string
	ExternalRef string
	Status      IntegrationStatus
	Config      map[string]any
	CreatedBy   string
	UpdatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (c IntegrationConfig) Active() bool {
	return c.Status == IntegrationStatusActive
}

type SecretRecord struct {
	ID            string
	TenantID      string
	IntegrationID string
	Key           string
	Ciphertext    []byte
	KeyVersion    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SecretKeyInfo describes a stored secret without its value.
type SecretKeyInfo struct {
	Key        string
	KeyVersion int
	UpdatedAt  time.Time
}

type InboundStatus string

const (
	InboundStatusReceived   InboundStatus = "RECEIVED"
	InboundStatusProcessing InboundStatus = "PROCESSING"
	InboundStatusDone       InboundStatus = "DONE"
	InboundStatusError      InboundStatus = "ERROR"
)

type InboundEvent struct {
	ID            string
	TenantID      string
	SourceType    string
	Provider      string
	IntegrationID string
	ExternalID    string
	DedupeKey     string
	Payload       map[string]any
	Meta          map[string]any
	Status        InboundStatus
	AttemptCount  int
	NextAttemptAt *time.Time
	LockedBy      string
	LockedAt      *time.Time
	LastErrorCode string
	LastErrorMsg  string
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OutboundStatus string

const (
	OutboundStatusQueued   OutboundStatus = "QUEUED"
	OutboundStatusSending  OutboundStatus = "SENDING"
	OutboundStatusSent     OutboundStatus = "SENT"
	OutboundStatusFailed   OutboundStatus = "FAILED"
	OutboundStatusCanceled OutboundStatus = "CANCELED"
)

type OutboundJob struct {
	ID                string
	TenantID          string
	Type              string
	Provider          string
	IntegrationID     string
	DedupeKey         string
	Payload           map[string]any
	Status            OutboundStatus
	AttemptCount      int
	MaxAttempts       int
	ProviderMessageID string
	RateLimitedUntil  *time.Time
	NextAttemptAt     *time.Time
	LockedBy          string
	LockedAt          *time.Time
	LastErrorCode     string
	LastErrorMsg      string
	SentAt            *time.Time
	CanceledAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type JobRunStatus string

const (
	JobRunStatusQueued  JobRunStatus = "QUEUED"
	JobRunStatusRunning JobRunStatus = "RUNNING"
	JobRunStatusSuccess JobRunStatus = "SUCCESS"
	JobRunStatusFailed  JobRunStatus = "FAILED"
)

// LiveJobRunStatuses are the run states that suppress a new idempotent enqueue.
func LiveJobRunStatuses() []JobRunStatus {
	return []JobRunStatus{JobRunStatusQueued, JobRunStatusRunning, JobRunStatusSuccess}
}

type JobLock struct {
	TenantID  string
	Key       string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type JobRun struct {
	ID             string
	Type           string
	TenantID       string
	IdempotencyKey string
	Payload        map[string]any
	Status         JobRunStatus
	Attempts       int
	MaxAttempts    int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InboundTransition is a conditional update on an inbound event. The update
// applies only when the row is in one of From (and, when set, still locked by
// LockedBy). A non-zero LeaseExpiredBefore also admits a PROCESSING row
// locked at or before that time.
type InboundTransition struct {
	ID                 string
	From               []InboundStatus
	LockedBy           string
	LeaseExpiredBefore time.Time
	To                 InboundStatus
	AttemptCount       *int
	NextAttemptAt      *time.Time
	ClearNext          bool
	ClearLock          bool
	ErrorCode          *string
	ErrorMsg           *string
	ResultMeta         map[string]any
	ProcessedAt        *time.Time
	Now                time.Time
}

// InboundClaim moves a claimable event into PROCESSING for one worker.
type InboundClaim struct {
	ID         string
	WorkerID   string
	Now        time.Time
	StaleAfter time.Duration
}

// OutboundTransition is the outbound counterpart of InboundTransition.
// LeaseExpiredBefore admits a SENDING row whose lock is older than it.
type OutboundTransition struct {
	ID                 string
	From               []OutboundStatus
	LockedBy           string
	LeaseExpiredBefore time.Time
	To                 OutboundStatus
	AttemptCount       *int
	NextAttemptAt      *time.Time
	ClearNext          bool
	RateLimitedUntil   *time.Time
	ClearLock          bool
	ErrorCode          *string
	ErrorMsg           *string
	ProviderMessageID  *string
	SentAt             *time.Time
	CanceledAt         *time.Time
	Now                time.Time
}

type OutboundClaim struct {
	ID         string
	WorkerID   string
	Now        time.Time
	StaleAfter time.Duration
}

// JobRunTransition is a conditional update on a run. A non-zero
// StaleBefore also admits a RUNNING run last touched at or before it.
type JobRunTransition struct {
	ID          string
	From        []JobRunStatus
	StaleBefore time.Time
	To          JobRunStatus
	Attempts    *int
	LastError   *string
	Now         time.Time
}

// DueQuery selects rows a sweep should hand back to the ledger: retries whose
// time has come, plus rows idle or locked for longer than StaleAfter.
type DueQuery struct {
	Now        time.Time
	StaleAfter time.Duration
	Limit      int
}

// StaleBefore is the cutoff for idle and locked rows. Zero disables them.
func (q DueQuery) StaleBefore() time.Time {
	if q.StaleAfter <= 0 {
		return time.Time{}
	}
	return q.Now.Add(-q.StaleAfter)
}

type InboundFilter struct {
	TenantID   string
	SourceType string
	Status     InboundStatus
	Limit      int
	Offset     int
}

type OutboundFilter struct {
	TenantID string
	Type     string
	Status   OutboundStatus
	Limit    int
	Offset   int
}

type IntegrationFilter struct {
	TenantID    string
	Provider    string
	Type        string
	ExternalRef string
	Status      IntegrationStatus
}

func CopyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func CloneTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	value := in.UTC()
	return &value
}

func TimePtr(value time.Time) *time.Time {
	return &value
}

func StringPtr(value string) *string {
	return &value
}

func IntPtr(value int) *int {
	return &value
}

func ContainsInboundStatus(list []InboundStatus, status InboundStatus) bool {
	for _, item := range list {
		if item == status {
			return true
		}
	}
	return false
}

func ContainsOutboundStatus(list []OutboundStatus, status OutboundStatus) bool {
	for _, item := range list {
		if item == status {
			return true
		}
	}
	return false
}

func ContainsJobRunStatus(list []JobRunStatus, status JobRunStatus) bool {
	for _, item := range list {
		if item == status {
			return true
		}
	}
	return false
}
