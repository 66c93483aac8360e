package excel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/example/image-validity/internal/drive"
)

var (
	// ErrInvalidWorkbook reports bytes that do not parse as an xlsx file.
	ErrInvalidWorkbook = errors.New("invalid spreadsheet file")

	// ErrBadImageColumn reports an unusable image column designation.
	ErrBadImageColumn = errors.New("invalid image column")
)

// DefaultImageColumn is scanned for images when the request names none.
const DefaultImageColumn = "A"

// Appended result column headers.
const (
	scoreHeader   = "Validity Score"
	validHeader   = "Valid"
	messageHeader = "Message"
)

// Result is the per-cell outcome written back into the workbook.
type Result struct {
	Score   float64
	IsValid bool
	Message string
}

// Validator scores one image.
type Validator interface {
	Validate(ctx context.Context, filename string, data []byte) (*Result, error)
}

// Fetcher downloads an image behind a link found in a cell.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*drive.File, error)
}

// Processor regenerates an uploaded workbook with validation result columns
// appended. Rows whose image cannot be resolved or scored are annotated in
// the message column; the remaining rows still process.
type Processor struct {
	validator Validator
	fetcher   Fetcher
	logger    *zap.Logger
}

// NewProcessor builds a workbook processor.
func NewProcessor(validator Validator, fetcher Fetcher, logger *zap.Logger) *Processor {
	return &Processor{
		validator: validator,
		fetcher:   fetcher,
		logger:    logger.Named("excel_processor"),
	}
}

// Process scores the image of every data row of the first sheet and returns
// the regenerated workbook. Images come from pictures embedded in the image
// column or from a link in the cell text. Row 1 is treated as a header row.
func (p *Processor) Process(ctx context.Context, data []byte, imageColumn string) ([]byte, error) {
	if imageColumn == "" {
		imageColumn = DefaultImageColumn
	}
	imageColumn = strings.ToUpper(strings.TrimSpace(imageColumn))
	imageColNum, err := excelize.ColumnNameToNumber(imageColumn)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadImageColumn, imageColumn)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrInvalidWorkbook)
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}

	pictures, err := p.picturesByRow(f, sheet, imageColNum)
	if err != nil {
		return nil, err
	}

	lastRow := len(rows)
	for row := range pictures {
		if row > lastRow {
			lastRow = row
		}
	}

	maxCols := 0
	for _, row := range rows {
		if len(row) > maxCols {
			maxCols = len(row)
		}
	}
	scoreCol, validCol, messageCol := maxCols+1, maxCols+2, maxCols+3

	p.setCell(f, sheet, scoreCol, 1, scoreHeader)
	p.setCell(f, sheet, validCol, 1, validHeader)
	p.setCell(f, sheet, messageCol, 1, messageHeader)

	processed := 0
	for row := 2; row <= lastRow; row++ {
		filename, imageData, err := p.imageForRow(ctx, f, sheet, imageColumn, row, pictures)
		if err != nil {
			p.setCell(f, sheet, messageCol, row, err.Error())
			continue
		}
		if imageData == nil {
			continue
		}

		result, err := p.validator.Validate(ctx, filename, imageData)
		if err != nil {
			p.setCell(f, sheet, messageCol, row, err.Error())
			continue
		}

		p.setCell(f, sheet, scoreCol, row, result.Score)
		p.setCell(f, sheet, validCol, row, result.IsValid)
		p.setCell(f, sheet, messageCol, row, result.Message)
		processed++
	}

	p.logger.Info("workbook processed",
		zap.String("sheet", sheet),
		zap.Int("rows", lastRow),
		zap.Int("scored", processed))

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to regenerate workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// picturesByRow indexes the first embedded picture of each image-column
// cell by row number.
func (p *Processor) picturesByRow(f *excelize.File, sheet string, imageColNum int) (map[int]excelize.Picture, error) {
	cells, err := f.GetPictureCells(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}

	pictures := make(map[int]excelize.Picture)
	for _, cell := range cells {
		col, row, err := excelize.CellNameToCoordinates(cell)
		if err != nil || col != imageColNum {
			continue
		}
		pics, err := f.GetPictures(sheet, cell)
		if err != nil || len(pics) == 0 {
			continue
		}
		pictures[row] = pics[0]
	}
	return pictures, nil
}

// imageForRow resolves a row's image bytes: an embedded picture wins, then
// a link in the cell text. A row with an empty cell yields (nil, nil) and
// is skipped.
func (p *Processor) imageForRow(ctx context.Context, f *excelize.File, sheet, imageColumn string, row int, pictures map[int]excelize.Picture) (string, []byte, error) {
	if pic, ok := pictures[row]; ok {
		return fmt.Sprintf("row_%d%s", row, pic.Extension), pic.File, nil
	}

	cell := fmt.Sprintf("%s%d", imageColumn, row)
	value, err := f.GetCellValue(sheet, cell)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read cell %s: %v", cell, err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil, nil
	}

	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return "", nil, fmt.Errorf("cell %s does not contain an image or link", cell)
	}

	file, err := p.fetcher.Fetch(ctx, value)
	if err != nil {
		return "", nil, err
	}
	return file.Name, file.Data, nil
}

func (p *Processor) setCell(f *excelize.File, sheet string, col, row int, value interface{}) {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return
	}
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		p.logger.Warn("failed to set cell", zap.String("cell", cell), zap.Error(err))
	}
}
