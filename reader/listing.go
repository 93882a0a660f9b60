package reader

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"klineflow/logger"
	"klineflow/models"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/delivery"
	"github.com/adshao/go-binance/v2/futures"
)

// BinanceListing asks the Binance REST API for the first kline of a symbol,
// using the spot, USD-M or COIN-M client depending on the data type.
type BinanceListing struct {
	spot     *binance.Client
	futures  *futures.Client
	delivery *delivery.Client
	log      *logger.Log
}

// NewBinanceListing builds unauthenticated clients that share httpClient.
func NewBinanceListing(httpClient *http.Client) *BinanceListing {
	spot := binance.NewClient("", "")
	fut := futures.NewClient("", "")
	del := delivery.NewClient("", "")
	if httpClient != nil {
		spot.HTTPClient = httpClient
		fut.HTTPClient = httpClient
		del.HTTPClient = httpClient
	}
	return &BinanceListing{spot: spot, futures: fut, delivery: del, log: logger.GetLogger()}
}

func (b *BinanceListing) EarliestKline(ctx context.Context, id models.DatasetIdentifier) (time.Time, error) {
	var openTime int64
	start := time.Now()

	switch id.DataType {
	case "spot":
		res, err := b.spot.NewKlinesService().Symbol(id.Symbol).Interval(id.Interval).StartTime(0).Limit(1).Do(ctx)
		if err != nil {
			return time.Time{}, fmt.Errorf("spot klines: %w", err)
		}
		if len(res) == 0 {
			return time.Time{}, nil
		}
		openTime = res[0].OpenTime
	case "futures/um":
		res, err := b.futures.NewKlinesService().Symbol(id.Symbol).Interval(id.Interval).StartTime(0).Limit(1).Do(ctx)
		if err != nil {
			return time.Time{}, fmt.Errorf("futures klines: %w", err)
		}
		if len(res) == 0 {
			return time.Time{}, nil
		}
		openTime = res[0].OpenTime
	case "futures/cm":
		res, err := b.delivery.NewKlinesService().Symbol(id.Symbol).Interval(id.Interval).StartTime(0).Limit(1).Do(ctx)
		if err != nil {
			return time.Time{}, fmt.Errorf("delivery klines: %w", err)
		}
		if len(res) == 0 {
			return time.Time{}, nil
		}
		openTime = res[0].OpenTime
	default:
		return time.Time{}, fmt.Errorf("unsupported data type %q", id.DataType)
	}

	logger.LogPerformanceEntry(b.log.WithComponent("listing"), "listing", "api_request", time.Since(start), logger.Fields{
		"symbol":    id.Symbol,
		"data_type": id.DataType,
	})
	return time.UnixMilli(openTime).UTC(), nil
}
