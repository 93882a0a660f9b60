package reader

import (
	"fmt"
	"strings"
	"time"

	"klineflow/models"
)

// newListingWindow is how many months back daily candidates are generated
// for datasets first listed in the current year.
const newListingWindow = 3

// Locator turns dataset identifiers and periods into archive URLs.
type Locator struct {
	baseURL string
}

func NewLocator(baseURL string) *Locator {
	return &Locator{baseURL: strings.TrimRight(baseURL, "/")}
}

// ArchiveURL builds the remote location of one archive. A zero day yields the
// monthly archive name.
func (l *Locator) ArchiveURL(id models.DatasetIdentifier, frequency string, year, month, day int) string {
	name := fmt.Sprintf("%s-%s-%04d-%02d", id.Symbol, id.Interval, year, month)
	if day > 0 {
		name = fmt.Sprintf("%s-%02d", name, day)
	}
	return fmt.Sprintf("%s/data/%s/%s/klines/%s/%s/%s.zip",
		l.baseURL, id.DataType, frequency, id.Symbol, id.Interval, name)
}

// Candidate builds a candidate for the identifier's own frequency.
func (l *Locator) Candidate(id models.DatasetIdentifier, year, month, day int) models.Candidate {
	return models.Candidate{
		URL:   l.ArchiveURL(id, id.Frequency, year, month, day),
		Year:  year,
		Month: month,
		Day:   day,
	}
}

// GenerateCandidates enumerates every period allowed by filter from startYear
// up to now, in chronological order. No candidate starts after now.
func (l *Locator) GenerateCandidates(id models.DatasetIdentifier, filter models.PeriodFilter, startYear int, now time.Time) []models.Candidate {
	filter = filter.Normalize()
	curYear, curMonth, curDay := now.Year(), int(now.Month()), now.Day()

	var years []int
	if len(filter.Years) > 0 {
		for _, y := range filter.Years {
			if y >= startYear && y <= curYear {
				years = append(years, y)
			}
		}
	} else {
		for y := startYear; y <= curYear; y++ {
			years = append(years, y)
		}
	}
	if len(years) == 0 {
		return nil
	}

	months := filter.Months
	if len(months) == 0 {
		months = rangeInts(1, 12)
	}

	var out []models.Candidate
	switch id.Frequency {
	case models.FrequencyMonthly:
		for _, year := range years {
			for _, month := range months {
				if year == curYear && month > curMonth {
					continue
				}
				out = append(out, l.Candidate(id, year, month, 0))
			}
		}
	case models.FrequencyDaily:
		days := filter.Days
		if len(days) == 0 {
			days = rangeInts(1, 31)
		}
		newListing := startYear == curYear
		for _, year := range years {
			if newListing && year < curYear {
				continue
			}
			for _, month := range months {
				if year == curYear && month > curMonth {
					continue
				}
				if newListing && month < curMonth-newListingWindow {
					continue
				}
				for _, day := range days {
					if !validDate(year, month, day) {
						continue
					}
					if year == curYear && month == curMonth && day > curDay {
						continue
					}
					out = append(out, l.Candidate(id, year, month, day))
				}
			}
		}
	}
	return out
}

func validDate(year, month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && int(t.Month()) == month && t.Day() == day
}

func rangeInts(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
