// Package prescription checks prescribed medications against a condition catalog.
package prescription

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Outcome 核对结果
type Outcome string

const (
	Verified         Outcome = "verified"
	WrongMedication  Outcome = "wrong_medication"
	UnknownCondition Outcome = "unknown_condition"
)

// Catalog maps a condition to its allowed medications. Matching is trimmed and
// case-insensitive. The first row for a condition wins.
type Catalog struct {
	entries map[string]map[string]struct{}
}

// NewCatalog builds a catalog from rows of [condition, medication...].
func NewCatalog(rows [][]string) *Catalog {
	c := &Catalog{entries: make(map[string]map[string]struct{})}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		condition := normalize(row[0])
		if condition == "" {
			continue
		}
		if _, seen := c.entries[condition]; seen {
			continue
		}
		meds := make(map[string]struct{}, len(row)-1)
		for _, item := range row[1:] {
			if med := normalize(item); med != "" {
				meds[med] = struct{}{}
			}
		}
		c.entries[condition] = meds
	}
	return c
}

// Verify 核对处方
func (c *Catalog) Verify(condition, medication string) Outcome {
	meds, ok := c.entries[normalize(condition)]
	if !ok {
		return UnknownCondition
	}
	if _, ok := meds[normalize(medication)]; ok {
		return Verified
	}
	return WrongMedication
}

// Len 目录中的病症数
func (c *Catalog) Len() int { return len(c.entries) }

// Load reads a catalog from a .csv or .xlsx file.
func Load(path string) (*Catalog, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		defer f.Close()
		return ReadCSV(f)
	case ".xlsx":
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("open catalog workbook: %w", err)
		}
		defer f.Close()
		return ReadWorkbook(f)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", filepath.Ext(path))
	}
}

// ReadCSV 读取 csv 目录，各行列数可以不同
func ReadCSV(r io.Reader) (*Catalog, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read catalog csv: %w", err)
	}
	return NewCatalog(rows), nil
}

// ReadWorkbook 读取工作簿第一个工作表
func ReadWorkbook(f *excelize.File) (*Catalog, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("catalog workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read catalog sheet %s: %w", sheets[0], err)
	}
	return NewCatalog(rows), nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
