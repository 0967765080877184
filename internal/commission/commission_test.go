package commission

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/store"
	"github.com/kiwari-pos/ledger/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var org = uuid.MustParse("22222222-2222-2222-2222-222222222222")

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ uuid.UUID, eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

type fixture struct {
	db  *memstore.DB
	q   *memstore.Queries
	svc *Service
	pub *recordingPublisher
}

func newFixture(t *testing.T, rates RateTable) *fixture {
	t.Helper()
	db := memstore.NewDB()
	pub := &recordingPublisher{}
	newStore := func(db store.DBTX) Store { return memstore.New(db) }
	return &fixture{db: db, q: memstore.New(db), svc: NewService(db, newStore, rates, pub, nil), pub: pub}
}

func (f *fixture) partner(t *testing.T, tier, rate string, path ...uuid.UUID) ledger.Partner {
	t.Helper()
	ctx := context.Background()
	c, err := f.q.CreateContact(ctx, ledger.Contact{OrgID: org, Name: tier})
	require.NoError(t, err)
	p, err := f.q.CreatePartner(ctx, ledger.Partner{
		OrgID: org, ContactID: c.ID, Name: tier, Tier: tier,
		CommissionRate: decimal.RequireFromString(rate), Path: path, Active: true,
	})
	require.NoError(t, err)
	return p
}

func TestAccrueDirectAndOverride(t *testing.T) {
	f := newFixture(t, MustRateTable(DefaultRates))
	senior := f.partner(t, enum.PartnerTierSenior, "0.10")
	seller := f.partner(t, enum.PartnerTierStandard, "0.10", senior.ID)

	res, err := f.svc.Accrue(context.Background(), Sale{
		OrgID: org, SaleID: uuid.New(), SellerID: seller.ID, Amount: money.MustParse("100.00"),
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)

	byType := map[string]ledger.Commission{}
	for _, c := range res.Created {
		byType[c.Type] = c
	}
	direct := byType[enum.CommissionTypeDirect]
	assert.Equal(t, seller.ID, direct.PartnerID)
	assert.Equal(t, "10.00", direct.Amount.String())
	assert.Equal(t, enum.CommissionStatusPending, direct.Status)

	override := byType[enum.CommissionTypeSecondTierOverride]
	assert.Equal(t, senior.ID, override.PartnerID)
	assert.Equal(t, "5.00", override.Amount.String(), "override is a share of the sale, not of the direct commission")
	assert.Equal(t, []string{EventAccrued}, f.pub.events)
}

func TestAccrueIsIdempotent(t *testing.T) {
	f := newFixture(t, MustRateTable(DefaultRates))
	senior := f.partner(t, enum.PartnerTierSenior, "0.10")
	seller := f.partner(t, enum.PartnerTierStandard, "0.10", senior.ID)
	sale := Sale{OrgID: org, SaleID: uuid.New(), SellerID: seller.ID, Amount: money.MustParse("100.00")}

	first, err := f.svc.Accrue(context.Background(), sale)
	require.NoError(t, err)
	second, err := f.svc.Accrue(context.Background(), sale)
	require.NoError(t, err)

	assert.Empty(t, second.Created)
	require.Len(t, second.Existing, len(first.Created))

	all, err := f.q.ListCommissionsBySale(context.Background(), org, sale.SaleID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, f.pub.events, 1, "replays publish nothing")
}

func TestAccrueDeepTiers(t *testing.T) {
	rates := MustRateTable([]RateEntry{
		{Depth: 1, Tier: enum.PartnerTierSenior, Rate: "0.05"},
		{Depth: 2, Tier: enum.PartnerTierExecutive, Rate: "0.02"},
		{Depth: 3, Tier: enum.PartnerTierExecutive, Rate: "0.01"},
	})
	f := newFixture(t, rates)
	root := f.partner(t, enum.PartnerTierExecutive, "0")
	exec := f.partner(t, enum.PartnerTierExecutive, "0", root.ID)
	senior := f.partner(t, enum.PartnerTierSenior, "0", root.ID, exec.ID)
	seller := f.partner(t, enum.PartnerTierAssociate, "0.10", root.ID, exec.ID, senior.ID)

	res, err := f.svc.Accrue(context.Background(), Sale{
		OrgID: org, SaleID: uuid.New(), SellerID: seller.ID, Amount: money.MustParse("200.00"),
	})
	require.NoError(t, err)

	got := map[string]string{}
	for _, c := range res.Created {
		got[c.Type] = c.Amount.String()
	}
	assert.Equal(t, map[string]string{
		"direct":               "20.00",
		"second_tier_override": "10.00",
		"third_tier_override":  "4.00",
		"tier_4_override":      "2.00",
	}, got)
}

func TestAccrueSkipsMissingAndInactiveAncestors(t *testing.T) {
	f := newFixture(t, MustRateTable(DefaultRates))
	ctx := context.Background()
	ghost := uuid.New()
	c, err := f.q.CreateContact(ctx, ledger.Contact{OrgID: org, Name: "retired"})
	require.NoError(t, err)
	inactive, err := f.q.CreatePartner(ctx, ledger.Partner{
		OrgID: org, ContactID: c.ID, Name: "retired", Tier: enum.PartnerTierSenior, Active: false,
	})
	require.NoError(t, err)
	seller := f.partner(t, enum.PartnerTierStandard, "0.10", ghost, inactive.ID)

	res, err := f.svc.Accrue(ctx, Sale{OrgID: org, SaleID: uuid.New(), SellerID: seller.ID, Amount: money.MustParse("50.00")})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, enum.CommissionTypeDirect, res.Created[0].Type)
	assert.ElementsMatch(t, []SkippedAncestor{
		{PartnerID: inactive.ID, Depth: 1, Reason: SkipInactive},
		{PartnerID: ghost, Depth: 2, Reason: SkipMissing},
	}, res.Skipped)
}

func TestAccrueSellerFailures(t *testing.T) {
	f := newFixture(t, MustRateTable(DefaultRates))
	ctx := context.Background()

	_, err := f.svc.Accrue(ctx, Sale{OrgID: org, SaleID: uuid.New(), SellerID: uuid.New(), Amount: money.MustParse("10.00")})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	c, err := f.q.CreateContact(ctx, ledger.Contact{OrgID: org, Name: "idle"})
	require.NoError(t, err)
	idle, err := f.q.CreatePartner(ctx, ledger.Partner{
		OrgID: org, ContactID: c.ID, Tier: enum.PartnerTierStandard, CommissionRate: decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)
	sale := Sale{OrgID: org, SaleID: uuid.New(), SellerID: idle.ID, Amount: money.MustParse("10.00")}
	_, err = f.svc.Accrue(ctx, sale)
	assert.ErrorIs(t, err, ledger.Validation(ledger.CodeSellerInactive, ""))

	rows, err := f.q.ListCommissionsBySale(ctx, org, sale.SaleID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAccrueRollsBackOnInsertFailure(t *testing.T) {
	f := newFixture(t, MustRateTable(DefaultRates))
	senior := f.partner(t, enum.PartnerTierSenior, "0.10")
	seller := f.partner(t, enum.PartnerTierStandard, "0.10", senior.ID)
	boom := errors.New("insert failed")
	f.db.FailOn("InsertCommission", boom)

	sale := Sale{OrgID: org, SaleID: uuid.New(), SellerID: seller.ID, Amount: money.MustParse("100.00")}
	_, err := f.svc.Accrue(context.Background(), sale)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.pub.events)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, MustRateTable(DefaultRates))
	ctx := context.Background()
	seller := f.partner(t, enum.PartnerTierStandard, "0.10")
	res, err := f.svc.Accrue(ctx, Sale{OrgID: org, SaleID: uuid.New(), SellerID: seller.ID, Amount: money.MustParse("80.00")})
	require.NoError(t, err)
	id := res.Created[0].ID

	_, err = f.svc.MarkPaid(ctx, org, id)
	assert.ErrorIs(t, err, ledger.Validation(ledger.CodeCommissionState, ""), "pending cannot be paid")

	batch, err := f.svc.MarkAvailable(ctx, org, []uuid.UUID{id, id, uuid.New()})
	require.NoError(t, err)
	require.Len(t, batch.Items, 3)
	assert.Equal(t, ledger.OutcomeSucceeded, batch.Items[0].Outcome)
	assert.Equal(t, ledger.OutcomeSkipped, batch.Items[1].Outcome)
	assert.Equal(t, ledger.OutcomeFailed, batch.Items[2].Outcome)
	assert.Equal(t, ledger.CodeCommissionNotFound, batch.Items[2].Code)

	_, err = f.svc.Void(ctx, org, id)
	assert.ErrorIs(t, err, ledger.ErrValidation, "available cannot be voided")

	paid, err := f.svc.MarkPaid(ctx, org, id)
	require.NoError(t, err)
	assert.Equal(t, enum.CommissionStatusPaid, paid.Status)

	sum, err := f.svc.Summary(ctx, org, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, "8.00", sum.Paid.String())
	assert.Equal(t, "0.00", sum.Available.String())
	assert.Equal(t, int64(1), sum.Counts[enum.CommissionStatusPaid])
}

func TestMarkAvailableStopsOnCancel(t *testing.T) {
	f := newFixture(t, MustRateTable(DefaultRates))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ids := []uuid.UUID{uuid.New(), uuid.New()}
	res, err := f.svc.MarkAvailable(ctx, org, ids)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Count(ledger.OutcomeNotAttempted))
}

func TestListForPartnerValidatesStatus(t *testing.T) {
	f := newFixture(t, MustRateTable(DefaultRates))
	seller := f.partner(t, enum.PartnerTierStandard, "0.10")
	_, err := f.svc.ListForPartner(context.Background(), org, seller.ID, "bogus")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	cs, err := f.svc.ListForPartner(context.Background(), org, seller.ID, "")
	require.NoError(t, err)
	assert.Empty(t, cs)
}

func TestDownline(t *testing.T) {
	f := newFixture(t, MustRateTable(DefaultRates))
	ctx := context.Background()
	root := f.partner(t, enum.PartnerTierExecutive, "0.12")
	senior := f.partner(t, enum.PartnerTierSenior, "0.10", root.ID)
	standard := f.partner(t, enum.PartnerTierStandard, "0.08", root.ID, senior.ID)
	associate := f.partner(t, enum.PartnerTierAssociate, "0.05", root.ID)
	f.partner(t, enum.PartnerTierStandard, "0.08") // separate tree

	nodes, err := f.svc.Downline(ctx, org, root.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	// depth 1 sorted by name, then depth 2
	assert.Equal(t, associate.ID, nodes[0].ID)
	assert.Equal(t, senior.ID, nodes[1].ID)
	assert.Equal(t, standard.ID, nodes[2].ID)
	assert.Equal(t, []int{1, 1, 2}, []int{nodes[0].Depth, nodes[1].Depth, nodes[2].Depth})
	require.NotNil(t, nodes[2].ParentID)
	assert.Equal(t, senior.ID, *nodes[2].ParentID)

	// depth is relative to the requested partner
	sub, err := f.svc.Downline(ctx, org, senior.ID)
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, standard.ID, sub[0].ID)
	assert.Equal(t, 1, sub[0].Depth)

	leaf, err := f.svc.Downline(ctx, org, standard.ID)
	require.NoError(t, err)
	assert.Empty(t, leaf)

	_, err = f.svc.Downline(ctx, org, uuid.New())
	assert.ErrorIs(t, err, &ledger.Error{Kind: ledger.KindNotFound, Code: ledger.CodePartnerNotFound})

	// another org cannot list this tree
	_, err = f.svc.Downline(ctx, uuid.New(), root.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRateTable(t *testing.T) {
	_, err := NewRateTable([]RateEntry{{Depth: 0, Tier: enum.PartnerTierSenior, Rate: "0.1"}})
	assert.Error(t, err)
	_, err = NewRateTable([]RateEntry{{Depth: 1, Tier: "gold", Rate: "0.1"}})
	assert.Error(t, err)
	_, err = NewRateTable([]RateEntry{{Depth: 1, Tier: enum.PartnerTierSenior, Rate: "1.5"}})
	assert.Error(t, err)
	_, err = NewRateTable([]RateEntry{
		{Depth: 1, Tier: enum.PartnerTierSenior, Rate: "0.1"},
		{Depth: 1, Tier: enum.PartnerTierSenior, Rate: "0.2"},
	})
	assert.Error(t, err)

	tbl := MustRateTable(DefaultRates)
	r, ok := tbl.Rate(2, enum.PartnerTierExecutive)
	require.True(t, ok)
	assert.Equal(t, "0.02", r.String())
	_, ok = tbl.Rate(2, enum.PartnerTierSenior)
	assert.False(t, ok)
	assert.Equal(t, 2, tbl.MaxDepth())
	assert.Len(t, tbl.Entries(), 3)

	assert.Equal(t, "tier_5_override", TypeForDepth(4))
}
