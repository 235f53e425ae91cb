package parse

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/spkg/bom"

	"transitdepot.dev/depot/model"
)

// Columns outside a file's standard field set are preserved verbatim
// as custom fields. gocsv silently drops unknown columns, so custom
// capture runs as a second pass over the raw records; both passes see
// rows in file order, which keeps the two aligned.

func rawReader(data []byte) *csv.Reader {
	r := csv.NewReader(bom.NewReader(bytes.NewReader(data)))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	return r
}

func fileHeader(data []byte) ([]string, error) {
	header, err := rawReader(data).Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty file")
	}
	if err != nil {
		return nil, err
	}
	return header, nil
}

// extractCustom returns one CustomFields map per data row, holding
// the columns of data not named in standard. Returns nil when every
// column is standard. Empty cell values are not stored.
func extractCustom(data []byte, standard map[string]bool) ([]model.CustomFields, error) {
	r := rawReader(data)

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var customIdx []int
	for i, col := range header {
		if !standard[col] {
			customIdx = append(customIdx, i)
		}
	}
	if len(customIdx) == 0 {
		return nil, nil
	}

	var out []model.CustomFields
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading record: %w", err)
		}

		var cf model.CustomFields
		for _, i := range customIdx {
			if i >= len(record) || record[i] == "" {
				continue
			}
			if cf == nil {
				cf = model.CustomFields{}
			}
			cf[header[i]] = record[i]
		}
		out = append(out, cf)
	}

	return out, nil
}

func customAt(custom []model.CustomFields, row int) model.CustomFields {
	if row < len(custom) {
		return custom[row]
	}
	return nil
}
