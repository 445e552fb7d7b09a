// Package guard holds the pure lifecycle checks the scheduler applies before
// acting on a batch. They mirror the database-side status guards so decisions
// are testable without a row in hand.
package guard

import (
	"errors"
	"time"

	auditdomain "github.com/wasteworks/binsight/internal/audit/domain"
)

var (
	ErrBatchNotClaimable = errors.New("batch_not_claimable")
	ErrBatchNotAccepting = errors.New("batch_not_accepting_members")
	ErrBatchNotStale     = errors.New("batch_not_stale")
	ErrBatchNotResumable = errors.New("batch_not_resumable")
)

// EnsureBatchClaimable reports whether a worker may claim the batch for a
// processing run. Only queued batches are claimable; in_progress batches
// already belong to a worker.
func EnsureBatchClaimable(status auditdomain.BatchStatus) error {
	if status != auditdomain.BatchStatusQueued {
		return ErrBatchNotClaimable
	}
	return nil
}

// EnsureBatchAcceptsMembers reports whether the sweep may attach more
// transactions to the batch. Attaching to a running batch would race the
// worker reading its member set.
func EnsureBatchAcceptsMembers(status auditdomain.BatchStatus) error {
	if status != auditdomain.BatchStatusQueued {
		return ErrBatchNotAccepting
	}
	return nil
}

// EnsureBatchResumable reports whether a worker may re-claim an in_progress
// batch whose original run has gone quiet. A batch is resumable once its
// start time is older than the cutoff; a fresher start means the claiming
// worker may still be alive. An in_progress batch without a start time is
// resumable outright.
func EnsureBatchResumable(status auditdomain.BatchStatus, startedAt *time.Time, cutoff time.Time) error {
	if status != auditdomain.BatchStatusInProgress {
		return ErrBatchNotResumable
	}
	if startedAt != nil && !startedAt.Before(cutoff) {
		return ErrBatchNotResumable
	}
	return nil
}

// EnsureBatchStale classifies an in_progress batch as stale once its run
// started before the cutoff. Batches without a start time are never stale;
// they have not been claimed yet.
func EnsureBatchStale(status auditdomain.BatchStatus, startedAt *time.Time, cutoff time.Time) error {
	if status != auditdomain.BatchStatusInProgress {
		return ErrBatchNotStale
	}
	if startedAt == nil || !startedAt.Before(cutoff) {
		return ErrBatchNotStale
	}
	return nil
}
