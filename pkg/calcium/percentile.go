package calcium

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PercentileRow is one age/gender cohort of a population calcium-score
// study: the Agatston scores at the cohort's 25th, 50th, 75th, and 90th
// percentiles.
type PercentileRow struct {
	Gender string  `yaml:"gender"`
	AgeMin int     `yaml:"ageMin"`
	AgeMax int     `yaml:"ageMax"`
	P25    float64 `yaml:"p25"`
	P50    float64 `yaml:"p50"`
	P75    float64 `yaml:"p75"`
	P90    float64 `yaml:"p90"`
}

// ReferenceTable is a static age/gender percentile reference. The table is
// external clinical data, loaded from YAML rather than compiled in.
type ReferenceTable struct {
	Rows []PercentileRow `yaml:"rows"`
}

// LoadReferenceTable reads a percentile table from a YAML file.
func LoadReferenceTable(path string) (*ReferenceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading reference table: %w", err)
	}
	var t ReferenceTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing reference table: %w", err)
	}
	return &t, nil
}

// Percentile returns the percentile rank of an Agatston score for the given
// age and gender, interpolated linearly between the cohort's breakpoints.
// It returns -1 when no cohort row matches.
func (t *ReferenceTable) Percentile(score float64, age int, gender string) float64 {
	var row *PercentileRow
	for i := range t.Rows {
		r := &t.Rows[i]
		if strings.EqualFold(r.Gender, gender) && age >= r.AgeMin && age <= r.AgeMax {
			row = r
			break
		}
	}
	if row == nil {
		return -1
	}

	breaks := []struct {
		pct   float64
		score float64
	}{
		{25, row.P25},
		{50, row.P50},
		{75, row.P75},
		{90, row.P90},
	}

	if score <= breaks[0].score {
		return breaks[0].pct
	}
	for i := 1; i < len(breaks); i++ {
		lo, hi := breaks[i-1], breaks[i]
		if score <= hi.score {
			if hi.score == lo.score {
				return hi.pct
			}
			frac := (score - lo.score) / (hi.score - lo.score)
			return lo.pct + frac*(hi.pct-lo.pct)
		}
	}
	return breaks[len(breaks)-1].pct
}
