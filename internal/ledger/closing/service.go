package closing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crewbase/crewbase/internal/ledger/accounts"
	"github.com/crewbase/crewbase/internal/ledger/interval"
	"github.com/crewbase/crewbase/internal/ledger/operations"
	"github.com/crewbase/crewbase/internal/ledger/shared"
	"github.com/crewbase/crewbase/internal/observability"
)

// Invalidator receives account ids whose cached turnover became stale.
type Invalidator interface {
	Bump(ctx context.Context, accountIDs ...int64)
}

// Service orchestrates the end-of-period zeroing transaction. One closure
// reads period balances for every sub-ledger, writes the closing batch
// through the posting pipeline, links each closing operation to the close
// document, and freezes the covered range — all inside a single
// transaction guarded by a fail-fast lock on the global profit/loss root.
type Service struct {
	repo    Repository
	bumper  Invalidator
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(repo Repository, bumper Invalidator, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, bumper: bumper, metrics: metrics, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ListDocuments returns all close documents ordered by range.
func (s *Service) ListDocuments(ctx context.Context) ([]PeriodCloseDocument, error) {
	return s.repo.ListDocuments(ctx)
}

// run tracks one closure transaction's accumulated side effects.
type run struct {
	doc      PeriodCloseDocument
	author   string
	at       time.Time
	firstDay time.Time
	lastDay  time.Time
	bumps    map[int64]struct{}
	posted   int
}

// Close zeroes every sub-ledger into the global profit/loss root over
// [firstDay, lastDay] and freezes the range. Either every step commits or
// none does.
func (s *Service) Close(ctx context.Context, firstDay, lastDay time.Time, author string) (PeriodCloseDocument, error) {
	in := CloseInput{FirstDay: shared.Day(firstDay), LastDay: shared.Day(lastDay), Author: author}
	if err := in.Validate(); err != nil {
		return PeriodCloseDocument{}, err
	}
	started := s.now()
	var cr run
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		root, err := tx.LockGlobalRoot(ctx)
		if err != nil {
			return err
		}
		if err := s.validateRange(ctx, tx, in); err != nil {
			return err
		}
		unreconciled, err := tx.HasUnreconciled(ctx, in.FirstDay, in.LastDay)
		if err != nil {
			return err
		}
		if unreconciled {
			return shared.ErrUnreconciledPeriod
		}

		doc, err := tx.InsertDocument(ctx, in.FirstDay, in.LastDay, in.Author)
		if err != nil {
			return err
		}
		cr = run{
			doc:      doc,
			author:   in.Author,
			at:       shared.EndOfDay(in.LastDay),
			firstDay: in.FirstDay,
			lastDay:  in.LastDay,
			bumps:    make(map[int64]struct{}),
		}

		if err := s.closeCustomers(ctx, tx, &cr, root); err != nil {
			return err
		}
		if err := s.closeAdminCosts(ctx, tx, &cr, root); err != nil {
			return err
		}
		if err := s.closeEntities(ctx, tx, &cr, root); err != nil {
			return err
		}
		if err := s.closeBanks(ctx, tx, &cr, root); err != nil {
			return err
		}

		if err := tx.MarkDocumentCreated(ctx, doc.ID); err != nil {
			return err
		}
		cr.doc.Created = true
		// Freeze every account's history up to the boundary, not just the
		// closable roots the posting-time lock watches.
		if _, err := tx.BulkCloseOperations(ctx, cr.at); err != nil {
			return err
		}
		return nil
	})
	elapsed := s.now().Sub(started)
	if err != nil {
		s.metrics.ClosureRun("error", elapsed)
		return PeriodCloseDocument{}, err
	}
	s.applyBumps(ctx, cr.bumps)
	s.metrics.ClosureRun("closed", elapsed)
	s.logger.Info("period closed",
		slog.Int64("document_id", cr.doc.ID),
		slog.Time("first_day", cr.firstDay),
		slog.Time("last_day", cr.lastDay),
		slog.Int("closing_operations", cr.posted))
	return cr.doc, nil
}

// Reopen deletes a close document: every closing operation recorded in the
// sheet is removed and every operation in the range is reopened. Only the
// latest document can go, or the contiguity invariant would break.
func (s *Service) Reopen(ctx context.Context, documentID int64) error {
	started := s.now()
	bumps := make(map[int64]struct{})
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockGlobalRoot(ctx); err != nil {
			return err
		}
		doc, err := tx.GetDocumentForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		latest, err := tx.LatestDocument(ctx)
		if err != nil {
			return err
		}
		if latest != nil && latest.ID != doc.ID {
			return shared.ErrContiguity
		}

		opIDs, err := tx.SheetOperationIDs(ctx, doc.ID)
		if err != nil {
			return err
		}
		accountIDs, err := tx.AccountIDsForOperations(ctx, opIDs)
		if err != nil {
			return err
		}
		for _, id := range accountIDs {
			if err := addWithAncestors(ctx, tx, bumps, id); err != nil {
				return err
			}
		}
		if err := tx.DeleteSheetRows(ctx, doc.ID); err != nil {
			return err
		}
		if err := tx.DeleteOperations(ctx, opIDs); err != nil {
			return err
		}
		// Reopen the whole range, mirroring the breadth of the close-time
		// bulk flag rather than the narrow posting-time root check.
		if _, err := tx.BulkReopenOperations(ctx, doc.FirstDay, doc.LastDay); err != nil {
			return err
		}
		return tx.DeleteDocument(ctx, doc.ID)
	})
	if err != nil {
		s.metrics.ClosureRun("reopen_error", s.now().Sub(started))
		return err
	}
	s.applyBumps(ctx, bumps)
	s.metrics.ClosureRun("reopened", s.now().Sub(started))
	s.logger.Info("period reopened", slog.Int64("document_id", documentID))
	return nil
}

// validateRange enforces the contiguity and non-overlap invariants of the
// close document sequence.
func (s *Service) validateRange(ctx context.Context, tx TxRepository, in CloseInput) error {
	overlap, err := tx.OverlapExists(ctx, in.FirstDay, in.LastDay)
	if err != nil {
		return err
	}
	if overlap {
		return shared.ErrAlreadyClosed
	}
	latest, err := tx.LatestDocument(ctx)
	if err != nil {
		return err
	}
	if latest != nil && !in.FirstDay.Equal(latest.LastDay.AddDate(0, 0, 1)) {
		return shared.ErrContiguity
	}
	return nil
}

// closeCustomers runs the customer chain: measure each operational leaf
// over the period, zero the 90.x chain, settle the customer result on the
// global root.
func (s *Service) closeCustomers(ctx context.Context, tx TxRepository, cr *run, root accounts.Account) error {
	ledgers, err := tx.CustomerLedgers(ctx)
	if err != nil {
		return err
	}
	for _, l := range ledgers {
		for _, leaf := range l.CostLeaves {
			totals, err := s.rangeTotals(ctx, tx, cr, leaf.ID)
			if err != nil {
				return err
			}
			if err := s.closeInto(ctx, tx, cr, l.CostOfSales.ID, root.ID, totals.Saldo(),
				fmt.Sprintf("cost of sales %s: %s", l.Customer, leaf.FullName)); err != nil {
				return err
			}
		}
		cosSaldo, err := tx.SaldoInTx(ctx, l.CostOfSales.ID)
		if err != nil {
			return err
		}
		if err := s.closeInto(ctx, tx, cr, l.ProfitLoss.ID, l.CostOfSales.ID, cosSaldo,
			fmt.Sprintf("cost of sales close: %s", l.Customer)); err != nil {
			return err
		}
		for _, leaf := range l.InventoryLeaves {
			totals, err := s.rangeTotals(ctx, tx, cr, leaf.ID)
			if err != nil {
				return err
			}
			if err := s.closeInto(ctx, tx, cr, l.ProfitLoss.ID, root.ID, totals.Saldo(),
				fmt.Sprintf("inventory close %s: %s", l.Customer, leaf.FullName)); err != nil {
				return err
			}
		}
		for _, leaf := range l.RevenueLeaves {
			totals, err := s.rangeTotals(ctx, tx, cr, leaf.ID)
			if err != nil {
				return err
			}
			if err := s.closeInto(ctx, tx, cr, leaf.ID, l.ProfitLoss.ID, totals.Credit.Round(2),
				fmt.Sprintf("revenue close %s: %s", l.Customer, leaf.FullName)); err != nil {
				return err
			}
		}
		if l.VAT != nil {
			totals, err := s.rangeTotals(ctx, tx, cr, l.VAT.ID)
			if err != nil {
				return err
			}
			if err := s.closeInto(ctx, tx, cr, l.ProfitLoss.ID, l.VAT.ID, totals.Debit.Round(2),
				fmt.Sprintf("vat close: %s", l.Customer)); err != nil {
				return err
			}
		}
		plSaldo, err := tx.SaldoInTx(ctx, l.ProfitLoss.ID)
		if err != nil {
			return err
		}
		if err := s.closeInto(ctx, tx, cr, root.ID, l.ProfitLoss.ID, plSaldo,
			fmt.Sprintf("profit and loss close: %s", l.Customer)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) closeAdminCosts(ctx context.Context, tx TxRepository, cr *run, root accounts.Account) error {
	ledgers, err := tx.AdminLedgers(ctx)
	if err != nil {
		return err
	}
	for _, l := range ledgers {
		if err := s.closeExpenseChain(ctx, tx, cr, root, l.ExpenseLeaves, l.CostOfSales, l.ProfitLoss, l.Name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) closeEntities(ctx context.Context, tx TxRepository, cr *run, root accounts.Account) error {
	ledgers, err := tx.EntityLedgers(ctx)
	if err != nil {
		return err
	}
	for _, l := range ledgers {
		if err := s.closeExpenseChain(ctx, tx, cr, root, l.ExpenseLeaves, l.CostOfSales, l.ProfitLoss, l.Name); err != nil {
			return err
		}
	}
	return nil
}

// closeExpenseChain is the shared shape of the administrative and legal
// entity chains: expense debit turnover into cost-of-sales, that into the
// sub-ledger's profit/loss, that saldo onto the global root.
func (s *Service) closeExpenseChain(ctx context.Context, tx TxRepository, cr *run, root accounts.Account,
	leaves []accounts.Account, cos, pl accounts.Account, name string) error {
	for _, leaf := range leaves {
		totals, err := s.rangeTotals(ctx, tx, cr, leaf.ID)
		if err != nil {
			return err
		}
		if err := s.closeInto(ctx, tx, cr, cos.ID, root.ID, totals.Debit.Round(2),
			fmt.Sprintf("expense close %s: %s", name, leaf.FullName)); err != nil {
			return err
		}
	}
	cosSaldo, err := tx.SaldoInTx(ctx, cos.ID)
	if err != nil {
		return err
	}
	if err := s.closeInto(ctx, tx, cr, pl.ID, cos.ID, cosSaldo,
		fmt.Sprintf("cost of sales close: %s", name)); err != nil {
		return err
	}
	plSaldo, err := tx.SaldoInTx(ctx, pl.ID)
	if err != nil {
		return err
	}
	return s.closeInto(ctx, tx, cr, root.ID, pl.ID, plSaldo,
		fmt.Sprintf("profit and loss close: %s", name))
}

func (s *Service) closeBanks(ctx context.Context, tx TxRepository, cr *run, root accounts.Account) error {
	ledgers, err := tx.BankLedgers(ctx)
	if err != nil {
		return err
	}
	for _, l := range ledgers {
		for _, leaf := range l.Leaves {
			saldo, err := tx.SaldoInTx(ctx, leaf.ID)
			if err != nil {
				return err
			}
			if err := s.closeInto(ctx, tx, cr, root.ID, leaf.ID, saldo,
				fmt.Sprintf("bank cost close %s: %s", l.Name, leaf.FullName)); err != nil {
				return err
			}
		}
	}
	return nil
}

// rangeTotals measures an operational leaf's day-prorated activity over
// the closing range, inside the transaction.
func (s *Service) rangeTotals(ctx context.Context, tx TxRepository, cr *run, accountID int64) (interval.Totals, error) {
	legs, err := tx.Legs(ctx, accountID, cr.firstDay, cr.lastDay)
	if err != nil {
		return interval.Totals{}, err
	}
	return interval.Prorate(legs, cr.firstDay, cr.lastDay), nil
}

// closeInto writes one closing posting through the posting pipeline and
// records it on the close document's sheet. Zero amounts post nothing;
// negative amounts rely on sign normalization to swap the legs.
func (s *Service) closeInto(ctx context.Context, tx TxRepository, cr *run, debitID, creditID int64, amount decimal.Decimal, comment string) error {
	amount = amount.Round(2)
	if amount.IsZero() {
		return nil
	}
	op, bumps, err := operations.PostWithTx(ctx, tx, operations.PostingInput{
		DebitID:   debitID,
		CreditID:  creditID,
		Amount:    amount,
		Timepoint: cr.at,
		Author:    cr.author,
		Comment:   comment,
		Closed:    true,
	})
	if err != nil {
		return err
	}
	if err := tx.InsertSheetRow(ctx, cr.doc.ID, op.ID); err != nil {
		return err
	}
	for _, id := range bumps {
		cr.bumps[id] = struct{}{}
	}
	cr.posted++
	return nil
}

func (s *Service) applyBumps(ctx context.Context, bumps map[int64]struct{}) {
	if s.bumper == nil || len(bumps) == 0 {
		return
	}
	ids := make([]int64, 0, len(bumps))
	for id := range bumps {
		ids = append(ids, id)
	}
	s.bumper.Bump(ctx, ids...)
}

func addWithAncestors(ctx context.Context, tx TxRepository, bumps map[int64]struct{}, accountID int64) error {
	bumps[accountID] = struct{}{}
	ancestors, err := tx.AncestorIDs(ctx, accountID)
	if err != nil {
		return err
	}
	for _, id := range ancestors {
		bumps[id] = struct{}{}
	}
	return nil
}
