package scenario

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bfsim/bfsim/sim"
)

// CSV column headers for environment series. Columns may appear in any
// order; unknown columns are ignored.
var (
	externalColumns = []string{"solar_radiation", "temperature", "electric_price_unit"}
	areaColumns     = []string{"people", "heat_source"}
)

// ReadExternalCSV reads a building-wide environment series, one row per minute.
func ReadExternalCSV(path string) ([]sim.ExternalEnvironment, error) {
	rows, err := readColumns(path, externalColumns)
	if err != nil {
		return nil, err
	}
	out := make([]sim.ExternalEnvironment, len(rows))
	for i, r := range rows {
		out[i] = sim.ExternalEnvironment{SolarRadiation: r[0], Temperature: r[1], ElectricPriceUnit: r[2]}
	}
	return out, nil
}

// ReadAreaCSV reads a per-area environment series, one row per minute.
func ReadAreaCSV(path string) ([]sim.AreaEnvironment, error) {
	rows, err := readColumns(path, areaColumns)
	if err != nil {
		return nil, err
	}
	out := make([]sim.AreaEnvironment, len(rows))
	for i, r := range rows {
		out[i] = sim.AreaEnvironment{People: int(r[0]), HeatSource: r[1]}
	}
	return out, nil
}

// readColumns returns, for every data row, the values of the wanted columns in order.
func readColumns(path string, wanted []string) ([][]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening environment CSV: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header of %s: %w", path, err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	cols := make([]int, len(wanted))
	for i, name := range wanted {
		c, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%s: missing column %q", path, name)
		}
		cols[i] = c
	}

	var rows [][]float64
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		row := make([]float64, len(cols))
		for i, c := range cols {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[c]), 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d column %q: %w", path, line, wanted[i], err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
