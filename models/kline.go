package models

import (
	"time"
)

// Canonical column names of a normalized kline file.
const (
	ColTimestamp           = "timestamp"
	ColDatetime            = "datetime"
	ColOpen                = "open"
	ColHigh                = "high"
	ColLow                 = "low"
	ColClose               = "close"
	ColVolume              = "volume"
	ColCloseTime           = "close_time"
	ColQuoteVolume         = "quote_volume"
	ColTradeCount          = "trade_count"
	ColTakerBuyVolume      = "taker_buy_volume"
	ColTakerBuyQuoteVolume = "taker_buy_quote_volume"
	ColIgnore              = "ignore"
)

// IndexDatetime is the index type recorded for every normalized file.
const IndexDatetime = "datetime"

// ValueColumns lists the nullable columns in schema order.
var ValueColumns = []string{
	ColOpen, ColHigh, ColLow, ColClose, ColVolume, ColCloseTime,
	ColQuoteVolume, ColTradeCount, ColTakerBuyVolume, ColTakerBuyQuoteVolume,
}

// KlineRecord is one row of a normalized or master parquet file.
type KlineRecord struct {
	Timestamp           int64    `parquet:"name=timestamp, type=INT64"`
	Datetime            int64    `parquet:"name=datetime, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open                *float64 `parquet:"name=open, type=DOUBLE, repetitiontype=OPTIONAL"`
	High                *float64 `parquet:"name=high, type=DOUBLE, repetitiontype=OPTIONAL"`
	Low                 *float64 `parquet:"name=low, type=DOUBLE, repetitiontype=OPTIONAL"`
	Close               *float64 `parquet:"name=close, type=DOUBLE, repetitiontype=OPTIONAL"`
	Volume              *float64 `parquet:"name=volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	CloseTime           *int64   `parquet:"name=close_time, type=INT64, repetitiontype=OPTIONAL"`
	QuoteVolume         *float64 `parquet:"name=quote_volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	TradeCount          *int64   `parquet:"name=trade_count, type=INT64, repetitiontype=OPTIONAL"`
	TakerBuyVolume      *float64 `parquet:"name=taker_buy_volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	TakerBuyQuoteVolume *float64 `parquet:"name=taker_buy_quote_volume, type=DOUBLE, repetitiontype=OPTIONAL"`
}

// Time returns the row's chronological instant in UTC.
func (r KlineRecord) Time() time.Time {
	return time.UnixMilli(r.Datetime).UTC()
}

// Set stores v into the canonical column col. Integer columns are truncated.
// It returns false for unknown columns.
func (r *KlineRecord) Set(col string, v float64) bool {
	switch col {
	case ColOpen:
		r.Open = &v
	case ColHigh:
		r.High = &v
	case ColLow:
		r.Low = &v
	case ColClose:
		r.Close = &v
	case ColVolume:
		r.Volume = &v
	case ColCloseTime:
		n := int64(v)
		r.CloseTime = &n
	case ColQuoteVolume:
		r.QuoteVolume = &v
	case ColTradeCount:
		n := int64(v)
		r.TradeCount = &n
	case ColTakerBuyVolume:
		r.TakerBuyVolume = &v
	case ColTakerBuyQuoteVolume:
		r.TakerBuyQuoteVolume = &v
	default:
		return false
	}
	return true
}

// Value reads a canonical value column; ok is false when the cell is null.
func (r KlineRecord) Value(col string) (float64, bool) {
	var f *float64
	var n *int64
	switch col {
	case ColOpen:
		f = r.Open
	case ColHigh:
		f = r.High
	case ColLow:
		f = r.Low
	case ColClose:
		f = r.Close
	case ColVolume:
		f = r.Volume
	case ColCloseTime:
		n = r.CloseTime
	case ColQuoteVolume:
		f = r.QuoteVolume
	case ColTradeCount:
		n = r.TradeCount
	case ColTakerBuyVolume:
		f = r.TakerBuyVolume
	case ColTakerBuyQuoteVolume:
		f = r.TakerBuyQuoteVolume
	}
	if f != nil {
		return *f, true
	}
	if n != nil {
		return float64(*n), true
	}
	return 0, false
}

// NormalizedFile describes one converted archive.
type NormalizedFile struct {
	Path      string    `json:"path"`
	Rows      int       `json:"rows"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Columns   []string  `json:"columns"`
	IndexType string    `json:"index_type"`
	Layout    string    `json:"layout"`
	Size      int64     `json:"size"`
	Skipped   bool      `json:"skipped,omitempty"`
}

// MasterDataset describes a consolidated parquet file.
type MasterDataset struct {
	Path  string    `json:"path"`
	Rows  int       `json:"rows"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Files []string  `json:"files"`
	Size  int64     `json:"size"`
}
