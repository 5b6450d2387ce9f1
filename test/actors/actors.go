package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"chainlance/ledger"
	"chainlance/outbox"
	"chainlance/settlement"
)

// benign reports whether an error is an expected loser-side outcome of a race
// rather than a harness failure.
func benign(err error) bool {
	return errors.Is(err, settlement.ErrInvalidState) ||
		errors.Is(err, settlement.ErrAlreadyFinalized) ||
		errors.Is(err, settlement.ErrNotFound) ||
		errors.Is(err, settlement.ErrUnauthorized) ||
		errors.Is(err, settlement.ErrSelfBid) ||
		errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrAlreadyTransferred)
}

// Submitter plays the freelancer: it keeps trying to submit every milestone of
// the contract. Out-of-order attempts and resubmits lose benignly.
func Submitter(ctx context.Context, svc *settlement.Service, contractID int64, milestones int, freelancer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		idx := rand.Intn(milestones)
		if _, err := svc.SubmitMilestone(ctx, contractID, idx, fmt.Sprintf("ipfs://drop-%d", idx), freelancer); err != nil && !benign(err) {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("submitter: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Approver plays the client, approving random milestones. Races against
// AutoReleaser over the same rows; exactly one of them may pay each milestone.
func Approver(ctx context.Context, svc *settlement.Service, contractID int64, milestones int, client string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		idx := rand.Intn(milestones)
		if err := svc.ApproveMilestone(ctx, contractID, idx, client); err != nil && !benign(err) {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("approver: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// AutoReleaser plays the permissionless keeper firing auto-releases as soon as
// deadlines lapse.
func AutoReleaser(ctx context.Context, svc *settlement.Service, contractID int64, milestones int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		idx := rand.Intn(milestones)
		if err := svc.AutoReleaseMilestone(ctx, contractID, idx, "keeper"); err != nil && !benign(err) {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("auto releaser: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(25)) * time.Millisecond)
	}
}

// Bidder floods an open job with bids and withdraws some of them. Once the job
// assigns, every further bid loses benignly.
func Bidder(ctx context.Context, svc *settlement.Service, jobID int64, wallet string, stop <-chan struct{}) error {
	splits := [][]settlement.SplitItem{
		{{Percentage: 100}},
		{{Percentage: 50}, {Percentage: 50}},
		{{Percentage: 40}, {Percentage: 30}, {Percentage: 30}},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		bid, err := svc.PlaceBid(ctx, settlement.PlaceBidParams{
			JobID:          jobID,
			Freelancer:     wallet,
			ProposedAmount: int64(10_000 + rand.Intn(40_000)),
			Split:          splits[rand.Intn(len(splits))],
		})
		if err != nil && !benign(err) {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("bidder: %w", err)
		}
		if err == nil && rand.Intn(3) == 0 {
			if _, err := svc.WithdrawBid(ctx, bid.ID, wallet); err != nil && !benign(err) {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("bidder withdraw: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Acceptor plays the client racing to accept a pending bid. Only one accept
// can ever win per job.
func Acceptor(ctx context.Context, svc *settlement.Service, jobID int64, client string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		bids, err := svc.ListBids(ctx, jobID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("acceptor list: %w", err)
		}
		pending := bids[:0]
		for _, b := range bids {
			if b.Status == settlement.BidPending {
				pending = append(pending, b)
			}
		}
		if len(pending) > 0 {
			target := pending[rand.Intn(len(pending))]
			if _, err := svc.AcceptBid(ctx, jobID, target.ID, client); err != nil && !benign(err) {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("acceptor: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// OutboxWorker drains pending messages, randomly failing a delivery in ten to
// exercise the retry and dead-letter path.
func OutboxWorker(ctx context.Context, worker *outbox.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		err := worker.Drain(ctx, 10, func(outbox.Message) error {
			if rand.Intn(10) == 0 {
				return errors.New("simulated delivery failure")
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			// connection kills from the chaos actor surface here; retry
			time.Sleep(100 * time.Millisecond)
			continue
		}
		time.Sleep(100 * time.Millisecond)
	}
}
