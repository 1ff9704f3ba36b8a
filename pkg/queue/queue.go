// Package queue provides the claim-based job queue the worker pool drains.
// Jobs carry a lease while claimed; a worker that stops heartbeating lets
// the lease lapse and the job becomes claimable again.
package queue

import (
	"context"
	"time"

	"github.com/crewhq/crewd/pkg/models"
)

// Queue is the job transport between the ingress paths and the workers.
type Queue interface {
	// Enqueue makes the job claimable after the delay (zero for now).
	Enqueue(ctx context.Context, job *models.Job, delay time.Duration) error

	// Claim atomically takes one due job and leases it to the worker for
	// leaseTTL. It returns nil when nothing is claimable; expired leases
	// from crashed workers are recovered first.
	Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*models.Job, error)

	// ExtendLease pushes the claimed job's lease out by leaseTTL from now.
	ExtendLease(ctx context.Context, jobID string, leaseTTL time.Duration) error

	// Ack removes a claimed job permanently.
	Ack(ctx context.Context, jobID string) error

	// Nack returns a claimed job to the queue, claimable after the delay,
	// with its attempt counter incremented.
	Nack(ctx context.Context, jobID string, delay time.Duration) error

	// Depth reports the number of jobs waiting or leased.
	Depth(ctx context.Context) (int, error)

	// Close releases backend connections.
	Close() error
}
