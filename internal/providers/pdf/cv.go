package pdf

import (
	"context"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

func newDocument() core.Maroto {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		WithLeftMargin(18).
		WithRightMargin(18).
		WithTopMargin(15).
		Build()
	return maroto.New(cfg)
}

func (p *PDFProvider) RenderCV(ctx context.Context, doc CVDocument) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := newDocument()

	m.AddRow(12,
		text.NewCol(12, doc.CandidateName, props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)
	m.AddRow(8,
		text.NewCol(8, doc.Headline, props.Text{Size: 11, Style: fontstyle.Italic}),
		text.NewCol(4, doc.Email, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(4, line.NewCol(12))

	if summary := strings.TrimSpace(doc.Summary); summary != "" {
		m.AddAutoRow(text.NewCol(12, summary, props.Text{Size: 10, Top: 2}))
	}

	for _, section := range doc.Sections {
		if strings.TrimSpace(section.Heading) == "" {
			continue
		}
		m.AddRow(10,
			text.NewCol(12, strings.ToUpper(section.Heading), props.Text{
				Size:  11,
				Style: fontstyle.Bold,
				Top:   4,
			}),
		)
		for _, item := range section.Items {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			m.AddAutoRow(
				col.New(1),
				text.NewCol(11, "- "+item, props.Text{Size: 10, Bottom: 1}),
			)
		}
	}

	out, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return out.GetBytes(), nil
}
