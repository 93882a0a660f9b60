package processor

import (
	"strconv"
	"strings"

	"klineflow/models"
)

// Layout tells whether a CSV member starts with a header row.
type Layout int

const (
	LayoutHeadered Layout = iota
	LayoutPositional
)

func (l Layout) String() string {
	if l == LayoutPositional {
		return "positional"
	}
	return "headered"
}

// PositionalColumns names the columns of a headerless kline export.
var PositionalColumns = []string{
	"timestamp", "open", "high", "low", "close", "volume",
	"close_time", "quote_volume", "count", "taker_buy_volume",
	"taker_buy_quote_volume", "ignore",
}

// columnAliases maps normalized source names onto KlineRecord columns.
var columnAliases = map[string]string{
	"open":                         models.ColOpen,
	"high":                         models.ColHigh,
	"low":                          models.ColLow,
	"close":                        models.ColClose,
	"volume":                       models.ColVolume,
	"close_time":                   models.ColCloseTime,
	"quote_volume":                 models.ColQuoteVolume,
	"quote_asset_volume":           models.ColQuoteVolume,
	"count":                        models.ColTradeCount,
	"trades":                       models.ColTradeCount,
	"trade_count":                  models.ColTradeCount,
	"number_of_trades":             models.ColTradeCount,
	"taker_buy_volume":             models.ColTakerBuyVolume,
	"taker_buy_base":               models.ColTakerBuyVolume,
	"taker_buy_base_volume":        models.ColTakerBuyVolume,
	"taker_buy_base_asset_volume":  models.ColTakerBuyVolume,
	"taker_buy_quote_volume":       models.ColTakerBuyQuoteVolume,
	"taker_buy_quote":              models.ColTakerBuyQuoteVolume,
	"taker_buy_quote_asset_volume": models.ColTakerBuyQuoteVolume,
}

const utf8BOM = "\ufeff"

// SniffLayout classifies the first line of a CSV member: a numeric first
// field means the data has no header.
func SniffLayout(firstLine string) Layout {
	line := strings.TrimSpace(strings.TrimPrefix(firstLine, utf8BOM))
	if line == "" {
		return LayoutHeadered
	}
	first := strings.TrimSpace(strings.SplitN(line, ",", 2)[0])
	if _, err := strconv.ParseFloat(first, 64); err == nil {
		return LayoutPositional
	}
	return LayoutHeadered
}

// Schema is the resolved column naming of one CSV member.
type Schema struct {
	Layout  Layout
	Columns []string
	// Timestamp is the index of the timestamp column, -1 when absent.
	Timestamp int
	// targets holds the KlineRecord column per source column, "" if unmapped.
	targets []string
}

// NormalizeHeader lowercases and trims a header cell, replaces spaces with
// underscores and renames open_time to timestamp.
func NormalizeHeader(name string) string {
	n := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, utf8BOM)))
	n = strings.ReplaceAll(n, " ", "_")
	if n == "open_time" {
		return models.ColTimestamp
	}
	return n
}

// ResolveSchema names the columns of a member. For headered members header
// holds the first row; for positional ones width is the field count of the
// first row and the first twelve are named positionally.
func ResolveSchema(layout Layout, header []string, width int) Schema {
	var cols []string
	if layout == LayoutHeadered {
		cols = make([]string, len(header))
		for i, h := range header {
			cols[i] = NormalizeHeader(h)
		}
	} else {
		n := width
		if n > len(PositionalColumns) {
			n = len(PositionalColumns)
		}
		cols = append([]string(nil), PositionalColumns[:n]...)
	}

	s := Schema{Layout: layout, Columns: cols, Timestamp: -1}
	for i, c := range cols {
		if c == models.ColTimestamp {
			s.Timestamp = i
			break
		}
	}
	if s.Timestamp < 0 {
		for i, c := range cols {
			if strings.Contains(c, "time") && c != models.ColCloseTime {
				cols[i] = models.ColTimestamp
				s.Timestamp = i
				break
			}
		}
	}

	s.targets = make([]string, len(cols))
	for i, c := range cols {
		if i == s.Timestamp {
			continue
		}
		s.targets[i] = columnAliases[c]
	}
	return s
}
