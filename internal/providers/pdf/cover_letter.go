package pdf

import (
	"context"
	"strings"

	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

func (p *PDFProvider) RenderCoverLetter(ctx context.Context, doc CoverLetterDocument) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := newDocument()

	m.AddRow(20,
		col.New(6).Add(
			text.New(doc.CandidateName, props.Text{Style: fontstyle.Bold, Size: 12}),
			text.New(doc.Email, props.Text{Top: 6, Size: 9}),
		),
		col.New(6).Add(
			text.New(doc.Company, props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(doc.Date, props.Text{Top: 6, Size: 9, Align: align.Right}),
		),
	)

	if doc.JobTitle != "" {
		m.AddRow(12,
			text.NewCol(12, "Application: "+doc.JobTitle, props.Text{Style: fontstyle.Bold, Top: 4}),
		)
	}

	m.AddRow(10, text.NewCol(12, doc.Greeting, props.Text{Top: 3}))

	for _, paragraph := range doc.Paragraphs {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		m.AddAutoRow(text.NewCol(12, paragraph, props.Text{Size: 10, Bottom: 4, Align: align.Justify}))
	}

	m.AddRow(10, text.NewCol(12, doc.Closing, props.Text{Top: 4}))
	m.AddRow(8, text.NewCol(12, doc.CandidateName, props.Text{Style: fontstyle.Bold}))

	out, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return out.GetBytes(), nil
}
