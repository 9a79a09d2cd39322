package report

import (
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/xuri/excelize/v2"

	"github.com/scenereport/worker/internal/media"
	"github.com/scenereport/worker/internal/scene"
)

// Sheet names.
const (
	analysisSheet   = "Video Analysis"
	statisticsSheet = "Statistics"
)

// Layout constants.
const (
	// imageWidthPx is the embedded screenshot width.
	imageWidthPx = 320
	// pxPerChar approximates column-width characters at the default font.
	pxPerChar = 7
	// pointsPerPx converts pixel heights to row-height points.
	pointsPerPx = 0.75
	// emuPerPx is the OOXML drawing unit ratio used for offset centering.
	emuPerPx = 9525
)

// Placeholder texts rendered in italic when a scene has no extracted text.
const (
	noTextPlaceholder      = "(no text detected)"
	noNarrationPlaceholder = "(no narration)"
)

// Cell fill and border colors.
const (
	headerFill    = "D9D9D9"
	alternateFill = "F2F2F2"
	borderGrey    = "BFBFBF"
	warningFill   = "FFD966"
)

// Data is everything the generator needs to assemble a report.
type Data struct {
	Scenes   []scene.Scene
	Metadata media.Metadata
	Mode     scene.Mode
	// SegmentCount and TranscriptionChars describe the phase-1 output.
	SegmentCount       int
	TranscriptionChars int
	// Warnings are non-fatal issues accumulated during processing.
	Warnings []string
}

// Generator builds xlsx reports.
type Generator struct {
	logger *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{logger: logger}
}

// Generate writes the report to outPath.
func (g *Generator) Generate(data Data, outPath string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", analysisSheet); err != nil {
		return fmt.Errorf("report: rename sheet: %w", err)
	}
	if _, err := f.NewSheet(statisticsSheet); err != nil {
		return fmt.Errorf("report: create statistics sheet: %w", err)
	}

	styles, err := newStyleSet(f)
	if err != nil {
		return err
	}

	if err := g.writeAnalysis(f, styles, data); err != nil {
		return err
	}
	if err := g.writeStatistics(f, styles, data); err != nil {
		return err
	}

	if err := f.SaveAs(outPath); err != nil {
		return fmt.Errorf("report: save: %w", err)
	}

	g.logger.Info("report generated",
		slog.String("path", outPath),
		slog.Int("scene_count", len(data.Scenes)),
		slog.Int("warning_count", len(data.Warnings)),
	)
	return nil
}

// styleSet holds the style IDs used across both sheets.
type styleSet struct {
	header      int
	cell        int
	cellAlt     int
	placeholder int
	altPholder  int
	label       int
	warning     int
}

func newStyleSet(f *excelize.File) (styleSet, error) {
	borders := []excelize.Border{
		{Type: "left", Color: borderGrey, Style: 1},
		{Type: "right", Color: borderGrey, Style: 1},
		{Type: "top", Color: borderGrey, Style: 1},
		{Type: "bottom", Color: borderGrey, Style: 1},
	}
	wrap := &excelize.Alignment{Vertical: "top", WrapText: true}

	var s styleSet
	var err error

	s.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{headerFill}, Pattern: 1},
		Border:    borders,
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return s, fmt.Errorf("report: header style: %w", err)
	}

	s.cell, err = f.NewStyle(&excelize.Style{Border: borders, Alignment: wrap})
	if err != nil {
		return s, fmt.Errorf("report: cell style: %w", err)
	}

	s.cellAlt, err = f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{alternateFill}, Pattern: 1},
		Border:    borders,
		Alignment: wrap,
	})
	if err != nil {
		return s, fmt.Errorf("report: alternate style: %w", err)
	}

	s.placeholder, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Italic: true, Color: "808080"},
		Border:    borders,
		Alignment: wrap,
	})
	if err != nil {
		return s, fmt.Errorf("report: placeholder style: %w", err)
	}

	s.altPholder, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Italic: true, Color: "808080"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{alternateFill}, Pattern: 1},
		Border:    borders,
		Alignment: wrap,
	})
	if err != nil {
		return s, fmt.Errorf("report: alternate placeholder style: %w", err)
	}

	s.label, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return s, fmt.Errorf("report: label style: %w", err)
	}

	s.warning, err = f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{warningFill}, Pattern: 1},
	})
	if err != nil {
		return s, fmt.Errorf("report: warning style: %w", err)
	}

	return s, nil
}

// writeAnalysis fills the per-scene sheet: formula numbering, timecodes,
// embedded screenshots, OCR and narration columns.
func (g *Generator) writeAnalysis(f *excelize.File, styles styleSet, data Data) error {
	headers := []string{"Scene #", "Timecode", "Screenshot", "OCR Text", "NA Text"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(analysisSheet, cell, h); err != nil {
			return fmt.Errorf("report: header %s: %w", h, err)
		}
	}
	if err := f.SetCellStyle(analysisSheet, "A1", "E1", styles.header); err != nil {
		return fmt.Errorf("report: header style: %w", err)
	}

	imgHeightPx := imageHeight(data.Metadata.AspectRatio)
	colWidthChars := math.Ceil(float64(imageWidthPx) / pxPerChar)

	if err := f.SetColWidth(analysisSheet, "C", "C", colWidthChars); err != nil {
		return fmt.Errorf("report: column width: %w", err)
	}
	if err := f.SetColWidth(analysisSheet, "D", "E", 40); err != nil {
		return fmt.Errorf("report: text column width: %w", err)
	}

	for i, sc := range data.Scenes {
		row := i + 2
		if err := g.writeSceneRow(f, styles, sc, row, imgHeightPx, colWidthChars); err != nil {
			return err
		}
	}

	// Freeze the header row.
	if err := f.SetPanes(analysisSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("report: freeze header: %w", err)
	}
	return nil
}

func (g *Generator) writeSceneRow(f *excelize.File, styles styleSet, sc scene.Scene, row, imgHeightPx int, colWidthChars float64) error {
	alt := row%2 != 0
	base, pholder := styles.cell, styles.placeholder
	if alt {
		base, pholder = styles.cellAlt, styles.altPholder
	}

	first, _ := excelize.CoordinatesToCellName(1, row)
	last, _ := excelize.CoordinatesToCellName(5, row)
	if err := f.SetCellStyle(analysisSheet, first, last, base); err != nil {
		return fmt.Errorf("report: row %d style: %w", row, err)
	}

	// Scene numbers are a formula so renumbering survives row deletion.
	if err := f.SetCellFormula(analysisSheet, first, "=ROW()-1"); err != nil {
		return fmt.Errorf("report: scene formula row %d: %w", row, err)
	}

	timecodeCell, _ := excelize.CoordinatesToCellName(2, row)
	if err := f.SetCellValue(analysisSheet, timecodeCell, sc.Timecode()); err != nil {
		return fmt.Errorf("report: timecode row %d: %w", row, err)
	}

	if err := f.SetRowHeight(analysisSheet, row, math.Round(float64(imgHeightPx)*pointsPerPx)); err != nil {
		return fmt.Errorf("report: row %d height: %w", row, err)
	}
	if err := g.embedScreenshot(f, sc, row, imgHeightPx, colWidthChars); err != nil {
		return err
	}

	ocrCell, _ := excelize.CoordinatesToCellName(4, row)
	if err := writeTextOrPlaceholder(f, ocrCell, sc.OCRText, noTextPlaceholder, pholder); err != nil {
		return fmt.Errorf("report: ocr text row %d: %w", row, err)
	}
	naCell, _ := excelize.CoordinatesToCellName(5, row)
	if err := writeTextOrPlaceholder(f, naCell, sc.NarrationText, noNarrationPlaceholder, pholder); err != nil {
		return fmt.Errorf("report: narration row %d: %w", row, err)
	}
	return nil
}

// embedScreenshot places the scene's PNG into column C, scaled to the
// report width and centered inside the cell with pixel offsets (the drawing
// layer stores them as EMUs at 9525 per pixel). A missing screenshot leaves
// the cell empty.
func (g *Generator) embedScreenshot(f *excelize.File, sc scene.Scene, row, imgHeightPx int, colWidthChars float64) error {
	if sc.ScreenshotPath == "" {
		return nil
	}
	img, err := os.ReadFile(sc.ScreenshotPath) // #nosec G304 - path is worker-generated
	if err != nil {
		g.logger.Warn("screenshot missing, leaving cell empty",
			slog.Int("scene_number", sc.Number),
			slog.String("path", sc.ScreenshotPath),
		)
		return nil
	}

	// The row height matches the image exactly, so only the horizontal
	// offset centers anything.
	cellWidthPx := colWidthChars * pxPerChar
	offsetX := int((cellWidthPx - imageWidthPx) / 2)
	if offsetX < 0 {
		offsetX = 0
	}

	cell, _ := excelize.CoordinatesToCellName(3, row)
	if err := f.AddPictureFromBytes(analysisSheet, cell, &excelize.Picture{
		Extension: ".png",
		File:      img,
		Format: &excelize.GraphicOptions{
			ScaleX:  float64(imageWidthPx) / media.FrameWidth,
			ScaleY:  float64(imgHeightPx) / media.FrameHeight,
			OffsetX: offsetX,
		},
	}); err != nil {
		return fmt.Errorf("report: embed screenshot row %d: %w", row, err)
	}
	return nil
}

func writeTextOrPlaceholder(f *excelize.File, cell, text, placeholder string, placeholderStyle int) error {
	if text == "" {
		if err := f.SetCellValue(analysisSheet, cell, placeholder); err != nil {
			return err
		}
		return f.SetCellStyle(analysisSheet, cell, cell, placeholderStyle)
	}
	return f.SetCellValue(analysisSheet, cell, text)
}

// imageHeight derives the embedded image height from the source aspect
// ratio, falling back to 16:9.
func imageHeight(aspectRatio float64) int {
	if aspectRatio <= 0 {
		aspectRatio = 16.0 / 9.0
	}
	return int(math.Round(imageWidthPx / aspectRatio))
}

// writeStatistics fills the summary sheet: totals, rates, video metadata,
// the detection parameters used, and an amber warnings block when non-fatal
// warnings accumulated.
func (g *Generator) writeStatistics(f *excelize.File, styles styleSet, data Data) error {
	scenesWithOCR := 0
	scenesWithNarration := 0
	for _, sc := range data.Scenes {
		if sc.OCRText != "" {
			scenesWithOCR++
		}
		if sc.NarrationText != "" {
			scenesWithNarration++
		}
	}
	total := len(data.Scenes)

	type entry struct {
		label string
		value any
	}
	sections := []struct {
		title   string
		entries []entry
	}{
		{
			title: "Totals",
			entries: []entry{
				{"Total Scenes", total},
				{"Scenes with OCR Text", scenesWithOCR},
				{"Scenes with Narration", scenesWithNarration},
				{"OCR Rate", rate(scenesWithOCR, total)},
				{"Narration Rate", rate(scenesWithNarration, total)},
				{"Transcript Segments", data.SegmentCount},
				{"Transcription Length (chars)", data.TranscriptionChars},
			},
		},
		{
			title: "Video Metadata",
			entries: []entry{
				{"Duration", scene.Timecode(data.Metadata.DurationSec)},
				{"Width", data.Metadata.Width},
				{"Height", data.Metadata.Height},
				{"Aspect Ratio", fmt.Sprintf("%.3f", data.Metadata.AspectRatio)},
			},
		},
		{
			title: "Detection Parameters",
			entries: []entry{
				{"Detection Mode", string(data.Mode)},
				{"Scene Thresholds", fmt.Sprintf("%v", scene.Thresholds)},
				{"Min Scene Interval (s)", scene.MinSceneInterval},
				{"Min Scene Duration (s)", scene.MinSceneDuration},
			},
		},
	}

	if err := f.SetColWidth(statisticsSheet, "A", "A", 32); err != nil {
		return fmt.Errorf("report: statistics column width: %w", err)
	}
	if err := f.SetColWidth(statisticsSheet, "B", "B", 48); err != nil {
		return fmt.Errorf("report: statistics column width: %w", err)
	}

	row := 1
	for _, section := range sections {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetCellValue(statisticsSheet, cell, section.title); err != nil {
			return fmt.Errorf("report: statistics section: %w", err)
		}
		if err := f.SetCellStyle(statisticsSheet, cell, cell, styles.label); err != nil {
			return fmt.Errorf("report: statistics section style: %w", err)
		}
		row++

		for _, e := range section.entries {
			labelCell, _ := excelize.CoordinatesToCellName(1, row)
			valueCell, _ := excelize.CoordinatesToCellName(2, row)
			if err := f.SetCellValue(statisticsSheet, labelCell, e.label); err != nil {
				return fmt.Errorf("report: statistics label: %w", err)
			}
			if err := f.SetCellValue(statisticsSheet, valueCell, e.value); err != nil {
				return fmt.Errorf("report: statistics value: %w", err)
			}
			row++
		}
		row++
	}

	if len(data.Warnings) > 0 {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetCellValue(statisticsSheet, cell, "Processing Warnings"); err != nil {
			return fmt.Errorf("report: warnings title: %w", err)
		}
		endCell, _ := excelize.CoordinatesToCellName(2, row+len(data.Warnings))
		if err := f.SetCellStyle(statisticsSheet, cell, endCell, styles.warning); err != nil {
			return fmt.Errorf("report: warnings style: %w", err)
		}
		row++
		for _, w := range data.Warnings {
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := f.SetCellValue(statisticsSheet, cell, w); err != nil {
				return fmt.Errorf("report: warning row: %w", err)
			}
			row++
		}
	}

	return nil
}

func rate(part, total int) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(part)/float64(total)*100)
}
