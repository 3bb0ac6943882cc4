// Package cutsheet reads cut tickets exported from the cutting table as XLSX.
// A ticket lists one row per (part, size) with the number of pieces cut.
package cutsheet

import (
	"errors"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/ledger"
	"pieceflow-backend/internal/models"
)

// Row is one ticket line. Line is the 1-based spreadsheet row.
type Row struct {
	Line     int
	Part     string
	Size     string
	Quantity int
}

// Parse reads the first sheet. Columns are PARÇA, BEDEN, ADET; a header row
// is detected and skipped, empty rows are ignored.
func Parse(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, err, "Excel dosyası okunamadı")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "Excel dosyasında sheet bulunamadı")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, err, "sheet okunamadı")
	}

	start := 0
	if len(rows) > 0 && isHeader(rows[0]) {
		start = 1
	}
	var out []Row
	for i := start; i < len(rows); i++ {
		cells := rows[i]
		if blank(cells) {
			continue
		}
		line := i + 1
		if len(cells) < 3 {
			return nil, apperr.New(apperr.CodeInvalidArgument, "row %d needs part, size and quantity", line).With("row", line)
		}
		part, size := strings.TrimSpace(cells[0]), strings.TrimSpace(cells[1])
		if part == "" || size == "" {
			return nil, apperr.New(apperr.CodeInvalidArgument, "row %d has an empty part or size", line).With("row", line)
		}
		qty, err := quantity(cells[2])
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInvalidQuantity, err, "row %d: quantity %q is not a whole number", line, cells[2]).
				With("row", line)
		}
		out = append(out, Row{Line: line, Part: part, Size: size, Quantity: qty})
	}
	if len(out) == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "cut sheet has no rows")
	}
	return out, nil
}

// Resolve maps part names to the product's parts. Matching ignores case and
// Turkish diacritics.
func Resolve(rows []Row, parts []models.PiecePart) ([]ledger.CutEntry, error) {
	byName := make(map[string]uint, len(parts))
	for _, p := range parts {
		byName[normalize(p.Name)] = p.ID
	}
	out := make([]ledger.CutEntry, 0, len(rows))
	for _, r := range rows {
		id, ok := byName[normalize(r.Part)]
		if !ok {
			return nil, apperr.New(apperr.CodeInvalidArgument, "row %d: unknown part %q", r.Line, r.Part).
				With("row", r.Line).With("part", r.Part)
		}
		out = append(out, ledger.CutEntry{PartID: id, Size: r.Size, Quantity: r.Quantity})
	}
	return out, nil
}

func isHeader(cells []string) bool {
	if len(cells) == 0 {
		return false
	}
	first := normalize(cells[0])
	return strings.Contains(first, "parca") || strings.Contains(first, "part")
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// "12", "12,0" ve "12.00" kabul edilir
func quantity(cell string) (int, error) {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(cell), ",", "."))
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, errNotWhole
	}
	return int(d.IntPart()), nil
}

var errNotWhole = errors.New("fractional quantity")

var turkish = strings.NewReplacer(
	"ç", "c", "Ç", "c",
	"ğ", "g", "Ğ", "g",
	"ı", "i", "İ", "i",
	"ö", "o", "Ö", "o",
	"ş", "s", "Ş", "s",
	"ü", "u", "Ü", "u",
)

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(turkish.Replace(s)), " "))
}
