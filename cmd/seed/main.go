package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiwari-pos/ledger/internal/auth"
	"github.com/kiwari-pos/ledger/internal/config"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/logger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	orgFlag := flag.String("org", "", "Organization ID (default: a new one)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config(cfg.Log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	orgID := uuid.New()
	if *orgFlag != "" {
		if orgID, err = uuid.Parse(*orgFlag); err != nil {
			log.Fatal("invalid -org", zap.Error(err))
		}
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal("ping database", zap.Error(err))
	}

	// Seed in a transaction so a failed run leaves nothing behind
	tx, err := pool.Begin(ctx)
	if err != nil {
		log.Fatal("begin transaction", zap.Error(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := seed(ctx, store.New(tx), orgID, log); err != nil {
		log.Fatal("seed", zap.Error(err))
	}
	if err := tx.Commit(ctx); err != nil {
		log.Fatal("commit", zap.Error(err))
	}

	token, err := auth.GenerateToken(cfg.JWTSecret, uuid.New(), orgID, auth.RoleAdmin, nil)
	if err != nil {
		log.Fatal("generate token", zap.Error(err))
	}
	log.Info("seed completed", zap.Stringer("org_id", orgID))
	fmt.Printf("ORG_ID=%s\nADMIN_TOKEN=%s\n", orgID, token)
}

type demoPartner struct {
	name   string
	tier   string
	rate   string
	parent int // index into the partners created so far, -1 for a root
}

var demoPartners = []demoPartner{
	{"Maya Lestari", enum.PartnerTierExecutive, "0.12", -1},
	{"Budi Santoso", enum.PartnerTierSenior, "0.10", 0},
	{"Rina Wijaya", enum.PartnerTierStandard, "0.08", 1},
	{"Dewi Anggraini", enum.PartnerTierAssociate, "0.05", 2},
}

type demoLine struct {
	name  string
	qty   int32
	price string
}

// seed creates a four-level partner tree, one retail customer and a few
// obligations with line items for each.
func seed(ctx context.Context, q *store.Queries, orgID uuid.UUID, log *zap.Logger) error {
	var partners []ledger.Partner
	for _, d := range demoPartners {
		contact, err := q.CreateContact(ctx, ledger.Contact{OrgID: orgID, Name: d.name})
		if err != nil {
			return fmt.Errorf("create contact %s: %w", d.name, err)
		}
		var path []uuid.UUID
		if d.parent >= 0 {
			parent := partners[d.parent]
			path = append(append(path, parent.Path...), parent.ID)
		}
		p, err := q.CreatePartner(ctx, ledger.Partner{
			OrgID: orgID, ContactID: contact.ID, Name: d.name, Tier: d.tier,
			CommissionRate: decimal.RequireFromString(d.rate), Path: path, Active: true,
		})
		if err != nil {
			return fmt.Errorf("create partner %s: %w", d.name, err)
		}
		partners = append(partners, p)
		log.Info("created partner", zap.String("name", d.name), zap.Stringer("partner_id", p.ID), zap.Int("depth", p.Depth()))
	}

	customer, err := q.CreateContact(ctx, ledger.Contact{OrgID: orgID, Name: "Lena Ruiz"})
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}

	start := time.Now().UTC().AddDate(0, -1, 0).Truncate(24 * time.Hour)
	owners := []uuid.UUID{partners[2].ContactID, partners[3].ContactID, customer.ID}
	for i, owner := range owners {
		lines := []demoLine{{"Nasi Bakar Ayam", 2, "4.50"}, {"Es Teh Manis", int32(i + 1), "1.25"}}
		subtotal := money.Zero
		for _, l := range lines {
			subtotal = subtotal.Add(ledger.LineItem{Quantity: l.qty, UnitPrice: money.MustParse(l.price)}.Subtotal())
		}
		o, err := q.CreateObligation(ctx, ledger.Obligation{
			OrgID: orgID, Source: enum.ObligationSourceOrder, OwnerContactID: owner,
			Reference: fmt.Sprintf("ORD-%04d", i+1), Subtotal: subtotal,
			ObligationDate: start.AddDate(0, 0, i*7),
		})
		if err != nil {
			return fmt.Errorf("create obligation: %w", err)
		}
		for _, l := range lines {
			if _, err := q.CreateLineItem(ctx, ledger.LineItem{
				OrgID: orgID, ObligationID: o.ID, Name: l.name, Quantity: l.qty, UnitPrice: money.MustParse(l.price),
			}); err != nil {
				return fmt.Errorf("create line item: %w", err)
			}
		}
		log.Info("created obligation", zap.String("reference", o.Reference), zap.Stringer("subtotal", subtotal))
	}
	return nil
}
