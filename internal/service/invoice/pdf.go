// internal/service/invoice/pdf.go
package invoice

import (
	"fmt"
	"strings"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/row"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/consts/pagesize"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/shopspring/decimal"
)

// Line is one priced row of an invoice.
type Line struct {
	Description string
	Amount      int64
}

// Document is everything rendered on an invoice.
type Document struct {
	Number      string
	IssuedAt    time.Time
	Timezone    string
	TenantName  string
	BillTo      string
	PlanName    string
	Cycle       string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Provider    string
	PaymentRef  string
	Currency    string
	Lines       []Line
	Total       int64
}

var (
	headerColor = &props.Color{Red: 0, Green: 74, Blue: 173}
	mutedColor  = &props.Color{Red: 110, Green: 110, Blue: 110}
)

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true, "UGX": true,
}

// FormatAmount renders minor units as a major-unit string, e.g. 20000 USD -> "200.00 USD".
func FormatAmount(minor int64, currency string) string {
	currency = strings.ToUpper(currency)
	places := int32(2)
	if zeroDecimalCurrencies[currency] {
		places = 0
	}
	return fmt.Sprintf("%s %s", decimal.New(minor, -places).StringFixed(places), currency)
}

// GeneratePDF renders doc as an A4 invoice.
func GeneratePDF(doc Document) ([]byte, error) {
	loc := time.UTC
	if doc.Timezone != "" {
		if l, err := time.LoadLocation(doc.Timezone); err == nil {
			loc = l
		}
	}

	cfg := config.NewBuilder().
		WithPageSize(pagesize.A4).
		WithLeftMargin(15).
		WithTopMargin(15).
		WithRightMargin(15).
		WithDefaultFont(&props.Font{Family: "helvetica", Size: 9}).
		WithTitle("Invoice "+doc.Number, true).
		WithAuthor(doc.TenantName, true).
		Build()

	m := maroto.New(cfg)

	m.AddRows(header(doc, loc)...)
	m.AddRows(line.NewRow(4, props.Line{Color: headerColor, Thickness: 0.4}))
	m.AddRows(billingRows(doc, loc)...)
	m.AddRows(row.New(6))
	m.AddRows(items(doc)...)

	out, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate invoice pdf: %w", err)
	}
	return out.GetBytes(), nil
}

// --- Helper functions ---

func header(doc Document, loc *time.Location) []core.Row {
	return []core.Row{
		row.New(12).Add(
			col.New(7).Add(text.New("INVOICE", props.Text{Style: fontstyle.Bold, Size: 18, Color: headerColor})),
			col.New(5).Add(
				text.New(doc.Number, props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right}),
				text.New("Issued "+doc.IssuedAt.In(loc).Format("02 Jan 2006"), props.Text{Size: 8, Align: align.Right, Top: 5, Color: mutedColor}),
			),
		),
	}
}

func billingRows(doc Document, loc *time.Location) []core.Row {
	period := fmt.Sprintf("%s to %s", doc.PeriodStart.In(loc).Format("02 Jan 2006"), doc.PeriodEnd.In(loc).Format("02 Jan 2006"))
	return []core.Row{
		row.New(6).Add(
			col.New(6).Add(text.New("Bill to", props.Text{Style: fontstyle.Bold})),
			col.New(6).Add(text.New("Subscription", props.Text{Style: fontstyle.Bold, Align: align.Right})),
		),
		row.New(5).Add(
			col.New(6).Add(text.New(doc.TenantName)),
			col.New(6).Add(text.New(fmt.Sprintf("%s (%s)", doc.PlanName, strings.ToLower(doc.Cycle)), props.Text{Align: align.Right})),
		),
		row.New(5).Add(
			col.New(6).Add(text.New(doc.BillTo, props.Text{Color: mutedColor})),
			col.New(6).Add(text.New(period, props.Text{Align: align.Right, Color: mutedColor})),
		),
		row.New(5).Add(
			col.New(12).Add(text.New(fmt.Sprintf("Paid via %s, reference %s", doc.Provider, doc.PaymentRef), props.Text{Size: 8, Color: mutedColor})),
		),
	}
}

func items(doc Document) []core.Row {
	rows := []core.Row{
		row.New(7).Add(
			col.New(8).Add(text.New("Description", props.Text{Style: fontstyle.Bold})),
			col.New(4).Add(text.New("Amount", props.Text{Style: fontstyle.Bold, Align: align.Right})),
		),
		line.NewRow(2, props.Line{Color: mutedColor, Thickness: 0.2}),
	}
	for _, l := range doc.Lines {
		rows = append(rows, row.New(6).Add(
			col.New(8).Add(text.New(l.Description)),
			col.New(4).Add(text.New(FormatAmount(l.Amount, doc.Currency), props.Text{Align: align.Right})),
		))
	}
	rows = append(rows,
		line.NewRow(2, props.Line{Color: mutedColor, Thickness: 0.2}),
		row.New(8).Add(
			col.New(8).Add(text.New("Total paid", props.Text{Style: fontstyle.Bold, Size: 10})),
			col.New(4).Add(text.New(FormatAmount(doc.Total, doc.Currency), props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right})),
		),
	)
	return rows
}
