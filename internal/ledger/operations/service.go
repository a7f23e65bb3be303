package operations

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/crewbase/crewbase/internal/ledger/accounts"
	"github.com/crewbase/crewbase/internal/ledger/shared"
)

// Invalidator receives account ids whose cached turnover became stale.
// Bumps are staged during the transaction and applied only after commit.
type Invalidator interface {
	Bump(ctx context.Context, accountIDs ...int64)
}

var validate = validator.New()

// Service validates and persists double-entry postings and keeps the
// turnover cache coherent with every write.
type Service struct {
	repo   Repository
	bumper Invalidator
	logger *slog.Logger
	now    func() time.Time
}

func NewService(repo Repository, bumper Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, bumper: bumper, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Get loads a single operation.
func (s *Service) Get(ctx context.Context, id int64) (Operation, error) {
	return s.repo.Get(ctx, id)
}

// Post validates and persists one posting, then invalidates cached turnover
// for both legs and all their ancestors.
func (s *Service) Post(ctx context.Context, in PostingInput) (Operation, error) {
	var op Operation
	var bumps []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		op, bumps, err = PostWithTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return Operation{}, err
	}
	s.applyBumps(ctx, bumps)
	s.logger.Info("operation posted",
		slog.Int64("operation_id", op.ID),
		slog.Int64("debit_id", op.DebitID),
		slog.Int64("credit_id", op.CreditID),
		slog.String("amount", op.Amount.StringFixed(2)))
	return op, nil
}

// PostWithTx runs the posting pipeline inside a caller-owned transaction and
// returns the staged cache bumps for the caller to apply after commit. The
// period closure engine composes its closing batch through this path.
func PostWithTx(ctx context.Context, tx TxRepository, in PostingInput) (Operation, []int64, error) {
	if err := validate.Struct(in); err != nil {
		return Operation{}, nil, err
	}
	if (in.PayFirstDay == nil) != (in.PayLastDay == nil) {
		return Operation{}, nil, errors.New("operations: interval payment needs both first and last day")
	}
	if in.PayFirstDay != nil && in.PayLastDay.Before(*in.PayFirstDay) {
		return Operation{}, nil, errors.New("operations: interval payment range inverted")
	}

	debitID, creditID, amount := normalizeSign(in.DebitID, in.CreditID, in.Amount)
	debit, credit, err := loadLeaves(ctx, tx, debitID, creditID)
	if err != nil {
		return Operation{}, nil, err
	}
	if !in.Closed {
		if err := checkPeriodOpen(ctx, tx, in.Timepoint, debit.FullName, credit.FullName); err != nil {
			return Operation{}, nil, err
		}
	}

	op, err := tx.InsertOperation(ctx, Operation{
		DebitID:   debitID,
		CreditID:  creditID,
		Amount:    amount.Round(2),
		Timepoint: in.Timepoint,
		Author:    in.Author,
		Comment:   in.Comment,
		Closed:    in.Closed,
	})
	if err != nil {
		return Operation{}, nil, err
	}
	if in.PayFirstDay != nil {
		if err := tx.UpsertIntervalPayment(ctx, op.ID, *in.PayFirstDay, *in.PayLastDay); err != nil {
			return Operation{}, nil, err
		}
	}
	if in.SourceModule != "" {
		if err := tx.LinkSource(ctx, in.SourceModule, in.SourceRef, op.ID); err != nil {
			return Operation{}, nil, err
		}
	}
	bumps, err := bumpSet(ctx, tx, debitID, creditID)
	if err != nil {
		return Operation{}, nil, err
	}
	return op, bumps, nil
}

// Update mutates an open operation, re-running sign normalization and the
// control-account and period-lock checks against the new values. Caches for
// both the old and the new legs are invalidated.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (Operation, error) {
	var op Operation
	var bumps []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetOperationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Closed {
			return shared.ErrOperationClosed
		}
		oldBumps, err := bumpSet(ctx, tx, current.DebitID, current.CreditID)
		if err != nil {
			return err
		}

		next := current
		if in.DebitID != nil {
			next.DebitID = *in.DebitID
		}
		if in.CreditID != nil {
			next.CreditID = *in.CreditID
		}
		if in.Amount != nil {
			next.Amount = *in.Amount
		}
		if in.Timepoint != nil {
			next.Timepoint = *in.Timepoint
		}
		if in.Comment != nil {
			next.Comment = *in.Comment
		}
		next.DebitID, next.CreditID, next.Amount = normalizeSign(next.DebitID, next.CreditID, next.Amount)
		next.Amount = next.Amount.Round(2)

		debit, credit, err := loadLeaves(ctx, tx, next.DebitID, next.CreditID)
		if err != nil {
			return err
		}
		if err := checkPeriodOpen(ctx, tx, next.Timepoint, debit.FullName, credit.FullName); err != nil {
			return err
		}
		if err := tx.UpdateOperation(ctx, next); err != nil {
			return err
		}
		newBumps, err := bumpSet(ctx, tx, next.DebitID, next.CreditID)
		if err != nil {
			return err
		}
		op = next
		bumps = append(oldBumps, newBumps...)
		return nil
	})
	if err != nil {
		return Operation{}, err
	}
	s.applyBumps(ctx, bumps)
	return op, nil
}

// Delete removes an open operation (reversing an import, typically) and
// invalidates the caches it contributed to. Validation is skipped.
func (s *Service) Delete(ctx context.Context, id int64) error {
	var bumps []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetOperationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Closed {
			return shared.ErrOperationClosed
		}
		bumps, err = bumpSet(ctx, tx, current.DebitID, current.CreditID)
		if err != nil {
			return err
		}
		if err := tx.DeleteIntervalPayment(ctx, id); err != nil {
			return err
		}
		return tx.DeleteOperation(ctx, id)
	})
	if err != nil {
		return err
	}
	s.applyBumps(ctx, bumps)
	return nil
}

func (s *Service) applyBumps(ctx context.Context, ids []int64) {
	if s.bumper == nil || len(ids) == 0 {
		return
	}
	s.bumper.Bump(ctx, ids...)
}

// normalizeSign swaps the legs when the amount is negative so stored
// amounts are always >= 0.
func normalizeSign(debitID, creditID int64, amount decimal.Decimal) (int64, int64, decimal.Decimal) {
	if amount.IsNegative() {
		return creditID, debitID, amount.Neg()
	}
	return debitID, creditID, amount
}

func loadLeaves(ctx context.Context, tx TxRepository, debitID, creditID int64) (debit, credit accounts.Account, err error) {
	if debitID == creditID {
		return accounts.Account{}, accounts.Account{}, errors.New("operations: debit and credit accounts must differ")
	}
	if debit, err = loadLeaf(ctx, tx, debitID); err != nil {
		return accounts.Account{}, accounts.Account{}, err
	}
	if credit, err = loadLeaf(ctx, tx, creditID); err != nil {
		return accounts.Account{}, accounts.Account{}, err
	}
	return debit, credit, nil
}

func loadLeaf(ctx context.Context, tx TxRepository, id int64) (accounts.Account, error) {
	account, err := tx.GetAccount(ctx, id)
	if err != nil {
		return accounts.Account{}, err
	}
	hasChildren, err := tx.HasChildren(ctx, id)
	if err != nil {
		return accounts.Account{}, err
	}
	if hasChildren {
		return accounts.Account{}, shared.ErrControlAccount
	}
	return account, nil
}

func checkPeriodOpen(ctx context.Context, tx TxRepository, at time.Time, fullNames ...string) error {
	lockable := false
	for _, name := range fullNames {
		if shared.RootClosable(name) {
			lockable = true
			break
		}
	}
	if !lockable {
		return nil
	}
	closed, err := tx.InClosedPeriod(ctx, at)
	if err != nil {
		return err
	}
	if closed {
		return shared.ErrPeriodLocked
	}
	return nil
}

func bumpSet(ctx context.Context, tx TxRepository, accountIDs ...int64) ([]int64, error) {
	seen := make(map[int64]struct{})
	var out []int64
	add := func(id int64) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range accountIDs {
		add(id)
		ancestors, err := tx.AncestorIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestors {
			add(a)
		}
	}
	return out, nil
}
