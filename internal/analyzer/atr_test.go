package analyzer

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/quantsurge/tradecore/internal/models"
)

func ohlc(o, h, l, c float64) models.Candle {
	return models.Candle{
		Open:  decimal.NewFromFloat(o),
		High:  decimal.NewFromFloat(h),
		Low:   decimal.NewFromFloat(l),
		Close: decimal.NewFromFloat(c),
	}
}

func TestATR(t *testing.T) {
	assert.Zero(t, ATR(nil, 14))
	assert.Zero(t, ATR([]models.Candle{ohlc(100, 101, 99, 100)}, 14))

	candles := []models.Candle{
		ohlc(100, 101, 99, 100),
		ohlc(100, 102, 100, 101), // TR = 2
		ohlc(101, 103, 102, 102), // gap up: TR = |103-101| = 2
		ohlc(102, 104, 100, 101), // TR = 4
	}
	assert.InDelta(t, (2.0+2.0+4.0)/3.0, ATR(candles, 3), 1e-9)

	// Period longer than history shrinks to what is available.
	assert.InDelta(t, (2.0+2.0+4.0)/3.0, ATR(candles, 14), 1e-9)
}

func TestATRUsesPrevCloseForGaps(t *testing.T) {
	candles := []models.Candle{
		ohlc(100, 100, 100, 100),
		ohlc(110, 111, 110, 110), // gap: high-prevClose = 11 dominates high-low = 1
	}
	assert.InDelta(t, 11.0, ATR(candles, 1), 1e-9)
}
