package core

import "time"

// InboundClaimable reports whether a worker may move ev into PROCESSING.
func InboundClaimable(ev InboundEvent, now time.Time, staleAfter time.Duration) bool {
	switch ev.Status {
	case InboundStatusReceived:
		return true
	case InboundStatusError:
		return ev.NextAttemptAt != nil && !ev.NextAttemptAt.After(now)
	case InboundStatusProcessing:
		return leaseExpired(ev.LockedAt, now, staleAfter)
	default:
		return false
	}
}

// OutboundClaimable reports whether a worker may move job into SENDING.
func OutboundClaimable(job OutboundJob, now time.Time, staleAfter time.Duration) bool {
	switch job.Status {
	case OutboundStatusQueued:
		return job.NextAttemptAt == nil || !job.NextAttemptAt.After(now)
	case OutboundStatusSending:
		return leaseExpired(job.LockedAt, now, staleAfter)
	default:
		return false
	}
}

// InboundDue reports whether a sweep should schedule ev again: an ERROR row
// whose retry time has passed, a RECEIVED row nobody picked up within
// staleAfter, or a PROCESSING row whose lease lapsed.
func InboundDue(ev InboundEvent, now time.Time, staleAfter time.Duration) bool {
	switch ev.Status {
	case InboundStatusError:
		return ev.NextAttemptAt != nil && !ev.NextAttemptAt.After(now)
	case InboundStatusReceived:
		return idleSince(ev.UpdatedAt, now, staleAfter)
	case InboundStatusProcessing:
		return leaseExpired(ev.LockedAt, now, staleAfter)
	default:
		return false
	}
}

// OutboundDue is the outbound counterpart of InboundDue. QUEUED rows with a
// retry or rate-limit time are due once it passes; unscheduled QUEUED rows
// after staleAfter of inactivity.
func OutboundDue(job OutboundJob, now time.Time, staleAfter time.Duration) bool {
	switch job.Status {
	case OutboundStatusQueued:
		if job.NextAttemptAt != nil {
			return !job.NextAttemptAt.After(now)
		}
		return idleSince(job.UpdatedAt, now, staleAfter)
	case OutboundStatusSending:
		return leaseExpired(job.LockedAt, now, staleAfter)
	default:
		return false
	}
}

func idleSince(updatedAt time.Time, now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 || updatedAt.IsZero() {
		return false
	}
	return !updatedAt.Add(staleAfter).After(now)
}

func lockedBefore(lockedAt *time.Time, cutoff time.Time) bool {
	return !cutoff.IsZero() && lockedAt != nil && !lockedAt.After(cutoff)
}

func leaseExpired(lockedAt *time.Time, now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 || lockedAt == nil {
		return false
	}
	return !lockedAt.Add(staleAfter).After(now)
}

// ApplyInbound applies t to ev when its guard holds and returns the updated
// event.
func ApplyInbound(ev InboundEvent, t InboundTransition) (InboundEvent, bool) {
	reclaim := ev.Status == InboundStatusProcessing && lockedBefore(ev.LockedAt, t.LeaseExpiredBefore)
	if len(t.From) > 0 && !ContainsInboundStatus(t.From, ev.Status) && !reclaim {
		return ev, false
	}
	if t.LockedBy != "" && ev.LockedBy != t.LockedBy {
		return ev, false
	}
	if t.To != "" {
		ev.Status = t.To
	}
	if t.AttemptCount != nil {
		ev.AttemptCount = *t.AttemptCount
	}
	if t.ClearNext {
		ev.NextAttemptAt = nil
	} else if t.NextAttemptAt != nil {
		ev.NextAttemptAt = CloneTime(t.NextAttemptAt)
	}
	if t.ClearLock {
		ev.LockedBy = ""
		ev.LockedAt = nil
	}
	if t.ErrorCode != nil {
		ev.LastErrorCode = *t.ErrorCode
	}
	if t.ErrorMsg != nil {
		ev.LastErrorMsg = *t.ErrorMsg
	}
	if t.ResultMeta != nil {
		meta := CopyAnyMap(ev.Meta)
		meta["result"] = CopyAnyMap(t.ResultMeta)
		ev.Meta = meta
	}
	if t.ProcessedAt != nil {
		ev.ProcessedAt = CloneTime(t.ProcessedAt)
	}
	ev.UpdatedAt = t.Now
	return ev, true
}

func ApplyOutbound(job OutboundJob, t OutboundTransition) (OutboundJob, bool) {
	reclaim := job.Status == OutboundStatusSending && lockedBefore(job.LockedAt, t.LeaseExpiredBefore)
	if len(t.From) > 0 && !ContainsOutboundStatus(t.From, job.Status) && !reclaim {
		return job, false
	}
	if t.LockedBy != "" && job.LockedBy != t.LockedBy {
		return job, false
	}
	if t.To != "" {
		job.Status = t.To
	}
	if t.AttemptCount != nil {
		job.AttemptCount = *t.AttemptCount
	}
	if t.ClearNext {
		job.NextAttemptAt = nil
	} else if t.NextAttemptAt != nil {
		job.NextAttemptAt = CloneTime(t.NextAttemptAt)
	}
	if t.RateLimitedUntil != nil {
		job.RateLimitedUntil = CloneTime(t.RateLimitedUntil)
	}
	if t.ClearLock {
		job.LockedBy = ""
		job.LockedAt = nil
	}
	if t.ErrorCode != nil {
		job.LastErrorCode = *t.ErrorCode
	}
	if t.ErrorMsg != nil {
		job.LastErrorMsg = *t.ErrorMsg
	}
	if t.ProviderMessageID != nil {
		job.ProviderMessageID = *t.ProviderMessageID
	}
	if t.SentAt != nil {
		job.SentAt = CloneTime(t.SentAt)
	}
	if t.CanceledAt != nil {
		job.CanceledAt = CloneTime(t.CanceledAt)
	}
	job.UpdatedAt = t.Now
	return job, true
}

func ApplyJobRun(run JobRun, t JobRunTransition) (JobRun, bool) {
	stale := run.Status == JobRunStatusRunning && !t.StaleBefore.IsZero() && !run.UpdatedAt.After(t.StaleBefore)
	guarded := len(t.From) > 0 || !t.StaleBefore.IsZero()
	if guarded && !ContainsJobRunStatus(t.From, run.Status) && !stale {
		return run, false
	}
	if t.To != "" {
		run.Status = t.To
	}
	if t.Attempts != nil {
		run.Attempts = *t.Attempts
	}
	if t.LastError != nil {
		run.LastError = *t.LastError
	}
	run.UpdatedAt = t.Now
	return run, true
}
