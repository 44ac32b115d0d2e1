// Package sample generates reproducible synthetic sales ledgers for demos
// and load testing.
package sample

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// DefaultStates are generated when Options.States is empty.
var DefaultStates = []string{"CA", "TX", "NY", "FL", "IL", "PA", "OH", "WA"}

// stateFactors scale daily volume per state; unlisted states use 1.0.
var stateFactors = map[string]float64{
	"CA": 2.0, "TX": 1.8, "NY": 1.5, "FL": 1.2,
	"IL": 1.0, "PA": 0.9, "OH": 0.8, "WA": 1.1,
}

// BreachAmount is the single order injected per state by ForceBreach. It
// exceeds every sales threshold in the default rule set.
var BreachAmount = decimal.NewFromInt(750_000)

const (
	activeShare      = 0.7 // share of state-days with any activity
	ordersPerDay     = 5.0
	orderMu          = 3.5 // log-normal order value parameters
	orderSigma       = 1.2
	returnShare      = 0.1
	marketplaceShare = 0.3
	marketplaceRatio = 0.3
)

// Options control generation.
type Options struct {
	Start  time.Time
	End    time.Time
	States []string
	Seed   uint64

	// ForceBreach adds one BreachAmount order per state at the midpoint of
	// the range.
	ForceBreach bool
}

// DefaultOptions covers two calendar years.
func DefaultOptions() Options {
	return Options{
		Start: domain.Date(2022, time.January, 1),
		End:   domain.Date(2023, time.December, 31),
		Seed:  42,
	}
}

// Row is one state-day of the daily summary layout: Sales holds direct
// sales net of returns, MarketplaceSales the facilitator-collected part.
type Row struct {
	Date             time.Time
	State            string
	Sales            decimal.Decimal
	Orders           int64
	MarketplaceSales decimal.Decimal
}

// Generate builds rows ordered by date then by the order of opts.States.
// The same options always yield the same rows.
func Generate(opts Options) ([]Row, error) {
	if opts.End.Before(opts.Start) {
		return nil, fmt.Errorf("end date %s is before start date %s",
			opts.End.Format(domain.DateLayout), opts.Start.Format(domain.DateLayout))
	}
	states := opts.States
	if len(states) == 0 {
		states = DefaultStates
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	start, end := domain.Day(opts.Start), domain.Day(opts.End)
	days := int(end.Sub(start).Hours()/24) + 1
	breachDay := start.AddDate(0, 0, days/2)

	var rows []Row
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		season := seasonalFactor(d.Month())

		for _, state := range states {
			if opts.ForceBreach && d.Equal(breachDay) {
				rows = append(rows, Row{Date: d, State: state, Sales: BreachAmount, Orders: 1})
			}

			if rng.Float64() > activeShare {
				continue
			}
			factor, ok := stateFactors[state]
			if !ok {
				factor = 1.0
			}

			orders := poisson(rng, ordersPerDay*factor)
			gross := 0.0
			for range orders {
				gross += math.Exp(orderMu + orderSigma*rng.NormFloat64())
			}
			gross *= season * factor

			if rng.Float64() < returnShare {
				gross -= 50 + rng.Float64()*150
			}
			if orders == 0 && gross == 0 {
				continue
			}

			// Return-only days have no marketplace share.
			mp := 0.0
			if split := rng.Float64() < marketplaceShare; split && gross > 0 {
				mp = gross * marketplaceRatio
			}

			rows = append(rows, Row{
				Date:             d,
				State:            state,
				Sales:            decimal.NewFromFloat(gross - mp).Round(2),
				Orders:           orders,
				MarketplaceSales: decimal.NewFromFloat(mp).Round(2),
			})
		}
	}
	return rows, nil
}

// Header is the CSV header written by WriteCSV.
var Header = []string{"date", "state", "amount", "transaction_count", "marketplace_sales"}

// WriteCSV writes rows in the daily summary layout accepted by the ledger
// reader.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Date.Format(domain.DateLayout),
			r.State,
			r.Sales.StringFixed(2),
			strconv.FormatInt(r.Orders, 10),
			r.MarketplaceSales.StringFixed(2),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func seasonalFactor(m time.Month) float64 {
	switch m {
	case time.November, time.December:
		return 1.5
	case time.June, time.July, time.August:
		return 1.2
	}
	return 1.0
}

// poisson draws by Knuth's multiplication method, adequate for small means.
func poisson(rng *rand.Rand, mean float64) int64 {
	limit := math.Exp(-mean)
	var k int64
	p := rng.Float64()
	for p > limit {
		k++
		p *= rng.Float64()
	}
	return k
}
