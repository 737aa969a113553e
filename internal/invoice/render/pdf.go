// Package render turns frozen invoice snapshots into printable documents.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	invoicedomain "github.com/labfoundry/chargeback/internal/invoice/domain"
	"github.com/labfoundry/chargeback/internal/money"
)

type PDFRenderer struct{}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{}
}

// Render lays out the invoice from its snapshot bytes only, so a superseded
// invoice always prints exactly what was issued.
func (r *PDFRenderer) Render(invoice invoicedomain.Invoice) (io.Reader, error) {
	var snapshot invoicedomain.Snapshot
	if err := json.Unmarshal(invoice.Snapshot, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, snapshot.Facility.Name, props.Text{
			Size:  18,
			Style: fontstyle.Bold,
		}),
	)
	m.AddRow(8,
		text.NewCol(12, "Invoice "+invoice.Number, props.Text{Size: 12}),
	)

	period := fmt.Sprintf("%s to %s",
		invoice.PeriodStart.Format("Jan 2, 2006"),
		invoice.PeriodEnd.AddDate(0, 0, -1).Format("Jan 2, 2006"))
	m.AddRow(22,
		col.New(6).Add(
			text.New("Invoice date: "+invoice.InvoiceDate.Format("Jan 2, 2006"), props.Text{Top: 0}),
			text.New("Billing period: "+period, props.Text{Top: 4}),
			text.New(fmt.Sprintf("Revision: %d", invoice.Revision), props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Bill to", props.Text{Style: fontstyle.Bold}),
			text.New(snapshot.Account.Organization, props.Text{Top: 5}),
			text.New(fmt.Sprintf("Expense code %s (%s)", snapshot.Account.Code, snapshot.Account.Name), props.Text{Top: 9}),
		),
	)

	if invoice.Status == invoicedomain.StatusSuperseded {
		m.AddRow(8,
			text.NewCol(12, "SUPERSEDED - replaced by a later revision", props.Text{
				Size:  10,
				Style: fontstyle.Bold,
			}),
		)
	}

	m.AddRow(10,
		text.NewCol(5, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "User", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, line := range snapshot.Lines {
		qty := strconv.FormatFloat(line.Usage.Quantity, 'f', -1, 64) + " " + line.Usage.Units
		m.AddRow(10,
			text.NewCol(5, line.Description, props.Text{Size: 9}),
			text.NewCol(2, line.Usage.Username, props.Text{Size: 9}),
			text.NewCol(2, qty, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, money.Dollars(line.Charge), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(12,
		col.New(7),
		text.NewCol(2, "Total", props.Text{Style: fontstyle.Bold, Size: 10}),
		text.NewCol(3, money.Dollars(snapshot.Total), props.Text{
			Style: fontstyle.Bold,
			Size:  10,
			Align: align.Right,
		}),
	)

	m.AddRow(20,
		text.NewCol(12, invoice.Instructions, props.Text{Size: 9, Top: 4}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(doc.GetBytes()), nil
}
