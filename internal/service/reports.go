package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"medcash/internal/cache"
	"medcash/internal/domain"
	"medcash/internal/ledger"
	"medcash/internal/store"
	"medcash/internal/summary"
)

const (
	reconcileAttempts    = 3
	dashboardConcurrency = 4
)

// StoreSummary totals a store's transactions created within [from, to]. Either
// bound may be nil.
func (s *Service) StoreSummary(ctx context.Context, storeID string, from *time.Time, to *time.Time) (domain.StoreSummary, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.StoreSummary{}, err
	}
	st, err := s.visibleStore(ctx, session, storeID)
	if err != nil {
		return domain.StoreSummary{}, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return domain.StoreSummary{}, fmt.Errorf("range end before start: %w", store.ErrInvalidInput)
	}

	key := "summary:" + rangeKey(from) + ".." + rangeKey(to)
	var cached domain.StoreSummary
	if hit, err := s.summaries.Get(ctx, st.ID, key, &cached); err != nil {
		s.log(ctx).Warn().Err(err).Str("store_id", st.ID).Msg("summary cache read failed")
	} else if hit {
		return cached, nil
	}

	txs, err := s.repo.ListTransactions(ctx, domain.TransactionQuery{StoreIDs: []string{st.ID}, From: from, To: to})
	if err != nil {
		return domain.StoreSummary{}, err
	}
	totals := summary.Summarize(txs)
	result := domain.StoreSummary{
		StoreID:        st.ID,
		From:           from,
		To:             to,
		CurrentBalance: st.CurrentBalance,
		OpeningBalance: st.OpeningBalance,
		Totals:         totals,
		Net:            summary.Net(totals),
	}

	if err := s.summaries.Set(ctx, st.ID, key, result, s.cacheTTL); err != nil {
		s.log(ctx).Warn().Err(err).Str("store_id", st.ID).Msg("summary cache write failed")
	}
	return result, nil
}

// Dashboard reports balances and today / week / month totals across the stores
// visible to the caller.
func (s *Service) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	session, err := require(ctx, func(c domain.Capabilities) bool { return c.ViewDashboard })
	if err != nil {
		return domain.Dashboard{}, err
	}

	now := s.now()
	today, week, month := summary.DashboardWindows(now)

	audience := "all"
	if !session.Capabilities.ViewAllStores {
		audience = "user:" + session.UserID
	}
	key := "dashboard:" + audience + ":" + today.Since.Format("2006-01-02")
	var cached domain.Dashboard
	if hit, err := s.summaries.Get(ctx, cache.AllStores, key, &cached); err != nil {
		s.log(ctx).Warn().Err(err).Msg("dashboard cache read failed")
	} else if hit {
		return cached, nil
	}

	stores, err := s.repo.ListStores(ctx, storeFilterFor(session))
	if err != nil {
		return domain.Dashboard{}, err
	}

	result := domain.Dashboard{
		TotalStores:  len(stores),
		TotalBalance: decimal.Zero,
		GeneratedAt:  now,
	}
	for _, st := range stores {
		result.TotalBalance = result.TotalBalance.Add(st.CurrentBalance)
	}

	// Each store's month window is loaded once; today and week are folded
	// out of it.
	perStore := make([][3]domain.Totals, len(stores))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dashboardConcurrency)
	for i, st := range stores {
		i, st := i, st
		g.Go(func() error {
			since := month.Since
			txs, err := s.repo.ListTransactions(gctx, domain.TransactionQuery{StoreIDs: []string{st.ID}, From: &since})
			if err != nil {
				return fmt.Errorf("store %s totals: %w", st.ID, err)
			}
			perStore[i] = [3]domain.Totals{
				summary.Since(txs, today.Since),
				summary.Since(txs, week.Since),
				summary.Summarize(txs),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Dashboard{}, err
	}
	for _, totals := range perStore {
		result.Today = summary.Merge(result.Today, totals[0])
		result.Week = summary.Merge(result.Week, totals[1])
		result.Month = summary.Merge(result.Month, totals[2])
	}

	if err := s.summaries.Set(ctx, cache.AllStores, key, result, s.cacheTTL); err != nil {
		s.log(ctx).Warn().Err(err).Msg("dashboard cache write failed")
	}
	return result, nil
}

// ReconcileStore replays the store's transaction log from its opening balance
// and compares the result with the stored balance.
func (s *Service) ReconcileStore(ctx context.Context, storeID string) (domain.ReconcileReport, error) {
	session, err := require(ctx, func(c domain.Capabilities) bool { return c.ManageStores })
	if err != nil {
		return domain.ReconcileReport{}, err
	}

	var report domain.ReconcileReport
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		before, err := s.visibleStore(ctx, session, storeID)
		if err != nil {
			return domain.ReconcileReport{}, err
		}
		txs, err := s.repo.ListTransactions(ctx, domain.TransactionQuery{StoreIDs: []string{before.ID}})
		if err != nil {
			return domain.ReconcileReport{}, err
		}
		after, err := s.repo.GetStore(ctx, before.ID)
		if err != nil {
			return domain.ReconcileReport{}, err
		}

		replayed := ledger.Replay(before.OpeningBalance, txs)
		drift := before.CurrentBalance.Sub(replayed)
		report = domain.ReconcileReport{
			StoreID:         before.ID,
			OpeningBalance:  before.OpeningBalance,
			StoredBalance:   before.CurrentBalance,
			ReplayedBalance: replayed,
			Drift:           drift,
			Transactions:    len(txs),
			Consistent:      drift.IsZero(),
			CheckedAt:       s.now(),
		}
		// A write landing between the reads makes the snapshot useless.
		if before.CurrentBalance.Equal(after.CurrentBalance) && before.UpdatedAt.Equal(after.UpdatedAt) {
			break
		}
	}

	if !report.Consistent {
		s.log(ctx).Error().
			Str("store_id", report.StoreID).
			Str("stored", report.StoredBalance.String()).
			Str("replayed", report.ReplayedBalance.String()).
			Msg("store balance drift detected")
	}
	return report, nil
}

func rangeKey(t *time.Time) string {
	if t == nil {
		return "*"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
