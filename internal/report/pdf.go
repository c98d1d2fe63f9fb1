package report

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/signintech/gopdf"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/jamesruggles/rlsguard/internal/model"
	"github.com/jamesruggles/rlsguard/internal/scanner"
)

const (
	pageMargin  = 40.0
	lineHeight  = 16.0
	pageBottom  = 800.0
	contentWide = 515.0
)

var pdfSeverityColors = map[model.Severity][3]uint8{
	model.SeverityCritical: {185, 28, 28},
	model.SeverityHigh:     {194, 65, 12},
	model.SeverityMedium:   {161, 98, 7},
	model.SeverityLow:      {29, 78, 216},
}

func (g *Generator) GeneratePDF(ctx context.Context, scanID string, w io.Writer) error {
	doc, err := g.Load(ctx, scanID)
	if err != nil {
		return err
	}
	return PDF(doc, w)
}

type pdfWriter struct {
	pdf *gopdf.GoPdf
	err error
}

func (p *pdfWriter) font(family string, size float64) {
	if p.err == nil {
		p.err = p.pdf.SetFont(family, "", size)
	}
}

func (p *pdfWriter) color(rgb [3]uint8) {
	p.pdf.SetTextColor(rgb[0], rgb[1], rgb[2])
}

// line writes text wrapped to the content width, starting a new page when
// the cursor reaches the bottom margin.
func (p *pdfWriter) line(text string) {
	if p.err != nil {
		return
	}
	lines, err := p.pdf.SplitText(text, contentWide)
	if err != nil {
		lines = []string{text}
	}
	for _, l := range lines {
		if p.pdf.GetY() > pageBottom {
			p.pdf.AddPage()
			p.pdf.SetXY(pageMargin, pageMargin)
		}
		p.pdf.SetX(pageMargin)
		if err := p.pdf.Cell(nil, l); err != nil {
			p.err = err
			return
		}
		p.pdf.Br(lineHeight)
	}
}

func (p *pdfWriter) gap() {
	p.pdf.Br(lineHeight / 2)
}

// PDF renders the same content as Markdown as an A4 document.
func PDF(doc *Document, w io.Writer) error {
	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	if err := pdf.AddTTFFontData("go", goregular.TTF); err != nil {
		return fmt.Errorf("load regular font: %w", err)
	}
	if err := pdf.AddTTFFontData("go-bold", gobold.TTF); err != nil {
		return fmt.Errorf("load bold font: %w", err)
	}
	pdf.AddPage()
	pdf.SetXY(pageMargin, pageMargin)

	p := &pdfWriter{pdf: pdf}
	scan := doc.Scan
	black := [3]uint8{17, 24, 39}

	p.font("go-bold", 18)
	p.color(black)
	p.line("RLS Security Report: " + doc.Project.Name)
	p.font("go", 10)
	p.line(fmt.Sprintf("Generated %s", doc.GeneratedAt.Format("January 2, 2006 15:04:05 MST")))
	p.line(fmt.Sprintf("Scan %s (%s), status %s, %d ms", scan.Type, scan.ID, scan.Status, scan.DurationMs))
	p.gap()

	switch {
	case scan.Status == model.StatusFailed:
		p.font("go-bold", 12)
		p.line("Error")
		p.font("go", 10)
		p.line(scan.ErrorMessage)
	case doc.Result == nil:
		p.line("The scan has not completed yet.")
	default:
		writePDFResult(p, doc.Result)
	}

	if p.err != nil {
		return fmt.Errorf("render pdf: %w", p.err)
	}
	if err := pdf.Write(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func writePDFResult(p *pdfWriter, res scanner.Result) {
	summary := res.Totals()
	p.font("go-bold", 12)
	p.line("Summary")
	p.font("go", 10)
	for _, sev := range model.SeverityOrder {
		p.color(pdfSeverityColors[sev])
		p.line(fmt.Sprintf("%-9s %d", strings.ToUpper(string(sev)), summary.Count(sev)))
	}
	p.color([3]uint8{17, 24, 39})
	p.line(fmt.Sprintf("TOTAL     %d", summary.Total))
	p.gap()

	switch r := res.(type) {
	case *scanner.CoverageResult:
		p.font("go-bold", 12)
		p.line("Coverage")
		p.font("go", 10)
		p.line(fmt.Sprintf("%d of %d table(s) have RLS enabled (%d%%).", r.TablesWithRLS, r.TotalTables, r.CoveragePercent))
		for _, t := range r.Tables {
			state := "RLS off"
			if t.HasRLS {
				state = "RLS on"
			}
			p.line(fmt.Sprintf("  %s.%s: %s, %d polic(ies)", t.Schema, t.Name, state, len(t.Policies)))
		}
		p.gap()
	case *scanner.StorageResult:
		p.font("go-bold", 12)
		p.line("Storage")
		p.font("go", 10)
		if !r.Available {
			p.line("This project has no storage schema.")
		}
		for _, b := range r.Buckets {
			p.line(fmt.Sprintf("  %s (public: %t)", b.Name, b.Public))
		}
		p.gap()
	}

	issues := res.IssueList()
	if len(issues) == 0 {
		return
	}
	p.font("go-bold", 12)
	p.line("Findings")
	for _, is := range issues {
		p.font("go-bold", 10)
		p.color(pdfSeverityColors[is.Severity])
		p.line(fmt.Sprintf("[%s] %s", strings.ToUpper(string(is.Severity)), objectName(is)))
		p.font("go", 10)
		p.color([3]uint8{17, 24, 39})
		p.line(is.Issue)
		if is.Recommendation != "" {
			p.line("Fix: " + is.Recommendation)
		}
		p.gap()
	}
}
