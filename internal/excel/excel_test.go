package excel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/example/image-validity/internal/drive"
)

type stubValidator struct {
	results map[string]*Result
	calls   []string
}

func (s *stubValidator) Validate(ctx context.Context, filename string, data []byte) (*Result, error) {
	s.calls = append(s.calls, filename)
	if r, ok := s.results[string(data)]; ok {
		return r, nil
	}
	if strings.HasPrefix(string(data), "broken") {
		return nil, errors.New("unsupported image format: stub")
	}
	return &Result{Score: 0.9, IsValid: true, Message: "Image is valid"}, nil
}

type stubFetcher struct {
	files map[string]*drive.File
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string) (*drive.File, error) {
	if f, ok := s.files[rawURL]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: stub", drive.ErrRemoteFetch)
}

func buildWorkbook(t *testing.T, setup func(f *excelize.File)) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	setup(f)
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func cellValue(t *testing.T, data []byte, cell string) string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	defer f.Close()
	value, err := f.GetCellValue(f.GetSheetList()[0], cell)
	if err != nil {
		t.Fatalf("read cell %s: %v", cell, err)
	}
	return value
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestProcessLinkCells(t *testing.T) {
	goodURL := "https://drive.google.com/file/d/good/view"
	badURL := "https://drive.google.com/file/d/missing/view"

	data := buildWorkbook(t, func(f *excelize.File) {
		sheet := f.GetSheetList()[0]
		f.SetCellValue(sheet, "A1", "Image")
		f.SetCellValue(sheet, "A2", goodURL)
		f.SetCellValue(sheet, "A3", badURL)
		f.SetCellValue(sheet, "A5", "just some text")
	})

	fetcher := &stubFetcher{files: map[string]*drive.File{
		goodURL: {ID: "good", Name: "good.jpg", Data: []byte("pixels")},
	}}
	p := NewProcessor(&stubValidator{}, fetcher, zap.NewNop())

	out, err := p.Process(context.Background(), data, "")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	if got := cellValue(t, out, "B1"); got != "Validity Score" {
		t.Errorf("B1 = %q, want header", got)
	}
	if got := cellValue(t, out, "C1"); got != "Valid" {
		t.Errorf("C1 = %q, want header", got)
	}
	if got := cellValue(t, out, "D1"); got != "Message" {
		t.Errorf("D1 = %q, want header", got)
	}

	if got := cellValue(t, out, "B2"); got != "0.9" {
		t.Errorf("B2 = %q, want 0.9", got)
	}
	if got := cellValue(t, out, "C2"); got != "TRUE" {
		t.Errorf("C2 = %q, want TRUE", got)
	}
	if got := cellValue(t, out, "D2"); got != "Image is valid" {
		t.Errorf("D2 = %q", got)
	}

	if got := cellValue(t, out, "D3"); !strings.Contains(got, "failed to fetch drive file") {
		t.Errorf("D3 = %q, want fetch annotation", got)
	}
	if got := cellValue(t, out, "B3"); got != "" {
		t.Errorf("B3 = %q, want empty score for failed row", got)
	}

	if got := cellValue(t, out, "D4"); got != "" {
		t.Errorf("D4 = %q, empty rows should stay untouched", got)
	}

	if got := cellValue(t, out, "D5"); !strings.Contains(got, "does not contain an image or link") {
		t.Errorf("D5 = %q, want annotation", got)
	}
}

func TestProcessEmbeddedPicture(t *testing.T) {
	picture := pngBytes(t)

	data := buildWorkbook(t, func(f *excelize.File) {
		sheet := f.GetSheetList()[0]
		f.SetCellValue(sheet, "A1", "Image")
		if err := f.AddPictureFromBytes(sheet, "A2", &excelize.Picture{
			Extension: ".png",
			File:      picture,
			Format:    &excelize.GraphicOptions{},
		}); err != nil {
			t.Fatalf("add picture: %v", err)
		}
	})

	validator := &stubValidator{results: map[string]*Result{
		string(picture): {Score: 0.42, IsValid: false, Message: "Image is not valid"},
	}}
	p := NewProcessor(validator, &stubFetcher{}, zap.NewNop())

	out, err := p.Process(context.Background(), data, "A")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	if got := cellValue(t, out, "B2"); got != "0.42" {
		t.Errorf("B2 = %q, want 0.42", got)
	}
	if got := cellValue(t, out, "C2"); got != "FALSE" {
		t.Errorf("C2 = %q, want FALSE", got)
	}
	if got := cellValue(t, out, "D2"); got != "Image is not valid" {
		t.Errorf("D2 = %q", got)
	}
	if len(validator.calls) != 1 || validator.calls[0] != "row_2.png" {
		t.Errorf("validator calls = %v, want [row_2.png]", validator.calls)
	}
}

func TestProcessCustomImageColumn(t *testing.T) {
	url := "https://drive.google.com/open?id=xyz"
	data := buildWorkbook(t, func(f *excelize.File) {
		sheet := f.GetSheetList()[0]
		f.SetCellValue(sheet, "A1", "Name")
		f.SetCellValue(sheet, "B1", "Image")
		f.SetCellValue(sheet, "A2", "first row")
		f.SetCellValue(sheet, "B2", url)
	})

	fetcher := &stubFetcher{files: map[string]*drive.File{
		url: {ID: "xyz", Name: "x.jpg", Data: []byte("pixels")},
	}}
	p := NewProcessor(&stubValidator{}, fetcher, zap.NewNop())

	out, err := p.Process(context.Background(), data, "b")
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}

	if got := cellValue(t, out, "C1"); got != "Validity Score" {
		t.Errorf("C1 = %q, want header in first free column", got)
	}
	if got := cellValue(t, out, "C2"); got != "0.9" {
		t.Errorf("C2 = %q, want 0.9", got)
	}
	if got := cellValue(t, out, "E2"); got != "Image is valid" {
		t.Errorf("E2 = %q", got)
	}
}

func TestProcessInvalidWorkbook(t *testing.T) {
	p := NewProcessor(&stubValidator{}, &stubFetcher{}, zap.NewNop())
	if _, err := p.Process(context.Background(), []byte("not an xlsx"), ""); !errors.Is(err, ErrInvalidWorkbook) {
		t.Fatalf("expected ErrInvalidWorkbook, got %v", err)
	}
}

func TestProcessBadImageColumn(t *testing.T) {
	data := buildWorkbook(t, func(f *excelize.File) {})
	p := NewProcessor(&stubValidator{}, &stubFetcher{}, zap.NewNop())
	if _, err := p.Process(context.Background(), data, "123"); !errors.Is(err, ErrBadImageColumn) {
		t.Fatalf("expected ErrBadImageColumn, got %v", err)
	}
}
