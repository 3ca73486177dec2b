// Package pool derives liquidity-pool health metrics from raw subgraph data.
//
// Like the risk engine, everything here is pure computation so the node's
// ANALYZE_POOL handler stays deterministic across replicas. The reference
// timestamp for windowed metrics is passed in by the caller (the advance
// request's metadata time), never read from the clock.
package pool

import (
	"math"
	"strconv"
	"time"
)

// Raw subgraph types. Numeric fields arrive as strings and are parsed on use.

type Token struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals string `json:"decimals"`
}

type HourData struct {
	PeriodStartUnix int64  `json:"periodStartUnix"`
	Liquidity       string `json:"liquidity"`
	TVLUSD          string `json:"tvlUSD"`
	VolumeUSD       string `json:"volumeUSD"`
	TxCount         string `json:"txCount"`
	Token0Price     string `json:"token0Price"`
	Token1Price     string `json:"token1Price"`
	Open            string `json:"open"`
	High            string `json:"high"`
	Low             string `json:"low"`
	Close           string `json:"close"`
}

type DayData struct {
	Date        int64  `json:"date"`
	VolumeUSD   string `json:"volumeUSD"`
	TVLUSD      string `json:"tvlUSD"`
	TxCount     string `json:"txCount"`
	Token0Price string `json:"token0Price"`
	Token1Price string `json:"token1Price"`
	Open        string `json:"open"`
	High        string `json:"high"`
	Low         string `json:"low"`
	Close       string `json:"close"`
}

type SwapTransaction struct {
	ID       string `json:"id"`
	GasUsed  string `json:"gasUsed"`
	GasPrice string `json:"gasPrice"`
}

type Swap struct {
	ID          string          `json:"id"`
	Timestamp   string          `json:"timestamp"`
	AmountUSD   string          `json:"amountUSD"`
	Sender      string          `json:"sender"`
	Recipient   string          `json:"recipient"`
	Transaction SwapTransaction `json:"transaction"`
}

// Data is the raw pool snapshot carried in an ANALYZE_POOL work item.
type Data struct {
	ID                  string     `json:"id"`
	Token0              Token      `json:"token0"`
	Token1              Token      `json:"token1"`
	Token0Price         string     `json:"token0Price"`
	Token1Price         string     `json:"token1Price"`
	TotalValueLockedUSD string     `json:"totalValueLockedUSD"`
	VolumeUSD           string     `json:"volumeUSD"`
	TxCount             string     `json:"txCount"`
	FeeTier             string     `json:"feeTier"`
	Liquidity           string     `json:"liquidity"`
	PoolHourData        []HourData `json:"poolHourData"`
	PoolDayData         []DayData  `json:"poolDayData"`
	Swaps               []Swap     `json:"swaps"`
}

// Processed metric blocks.

type BasicMetrics struct {
	Address             string  `json:"address"`
	Token0Symbol        string  `json:"token0Symbol"`
	Token1Symbol        string  `json:"token1Symbol"`
	CurrentPrice        float64 `json:"currentPrice"`
	TotalValueLockedUSD float64 `json:"totalValueLockedUSD"`
	Volume24h           float64 `json:"volume24h"`
	TxCount             int64   `json:"txCount"`
	FeeTier             int64   `json:"feeTier"`
	Liquidity           float64 `json:"liquidity"`
}

type LiquidityUtilization struct {
	Rate   float64 `json:"rate"`
	Status string  `json:"status"`
}

type ImpermanentLossRisk struct {
	RiskScore     float64 `json:"riskScore"`
	Volatility    float64 `json:"volatility"`
	Concentration float64 `json:"concentration"`
}

type AdvancedMetrics struct {
	VolumeToLiquidityRatio float64              `json:"volumeToLiquidityRatio"`
	LiquidityUtilization   LiquidityUtilization `json:"liquidityUtilization"`
	ImpermanentLossRisk    ImpermanentLossRisk  `json:"impermanentLossRisk"`
}

type TradeEfficiency struct {
	Efficiency       string  `json:"efficiency"`
	GasUsedPerDollar float64 `json:"gasUsedPerDollar"`
}

type TradingMetrics struct {
	RecentTradesEfficiency TradeEfficiency `json:"recentTradesEfficiency"`
	SwapCount24h           int             `json:"swapCount24h"`
}

type PeriodMetrics struct {
	Timestamp    int64   `json:"timestamp"`
	VolumeUSD    float64 `json:"volumeUSD"`
	PriceToken0  float64 `json:"priceToken0"`
	PriceToken1  float64 `json:"priceToken1"`
	TVLUSD       float64 `json:"tvlUSD"`
	Transactions int64   `json:"transactions"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
}

type HistoricalMetrics struct {
	HourlyMetrics []PeriodMetrics `json:"hourlyMetrics"`
	DailyMetrics  []PeriodMetrics `json:"dailyMetrics"`
}

// Analytics is the full processed result emitted as the pool notice.
type Analytics struct {
	Basic      BasicMetrics      `json:"basic"`
	Advanced   AdvancedMetrics   `json:"advanced"`
	Trading    TradingMetrics    `json:"trading"`
	Historical HistoricalMetrics `json:"historical"`
}

// Process turns a raw pool snapshot into the four metric blocks.
// now anchors the 24h swap window.
func Process(data Data, now time.Time) Analytics {
	return Analytics{
		Basic:      basicMetrics(data),
		Advanced:   advancedMetrics(data),
		Trading:    tradingMetrics(data, now),
		Historical: historicalMetrics(data),
	}
}

func basicMetrics(data Data) BasicMetrics {
	return BasicMetrics{
		Address:             data.ID,
		Token0Symbol:        data.Token0.Symbol,
		Token1Symbol:        data.Token1.Symbol,
		CurrentPrice:        parseF(data.Token0Price),
		TotalValueLockedUSD: parseF(data.TotalValueLockedUSD),
		Volume24h:           volume24h(data.PoolHourData),
		TxCount:             parseI(data.TxCount),
		FeeTier:             parseI(data.FeeTier),
		Liquidity:           parseF(data.Liquidity),
	}
}

func advancedMetrics(data Data) AdvancedMetrics {
	utilization := liquidityUtilization(data)
	volatility := closeVolatility(data.PoolHourData)

	return AdvancedMetrics{
		VolumeToLiquidityRatio: volumeToLiquidityRatio(data),
		LiquidityUtilization:   utilization,
		ImpermanentLossRisk: ImpermanentLossRisk{
			RiskScore:     ilRisk(volatility, utilization.Rate),
			Volatility:    volatility,
			Concentration: utilization.Rate,
		},
	}
}

func tradingMetrics(data Data, now time.Time) TradingMetrics {
	return TradingMetrics{
		RecentTradesEfficiency: tradeEfficiency(data.Swaps),
		SwapCount24h:           swapCount24h(data.Swaps, now),
	}
}

func historicalMetrics(data Data) HistoricalMetrics {
	hourly := make([]PeriodMetrics, 0, len(data.PoolHourData))
	for _, h := range data.PoolHourData {
		hourly = append(hourly, PeriodMetrics{
			Timestamp:    h.PeriodStartUnix,
			VolumeUSD:    parseF(h.VolumeUSD),
			PriceToken0:  parseF(h.Token0Price),
			PriceToken1:  parseF(h.Token1Price),
			TVLUSD:       parseF(h.TVLUSD),
			Transactions: parseI(h.TxCount),
			Open:         parseF(h.Open),
			High:         parseF(h.High),
			Low:          parseF(h.Low),
			Close:        parseF(h.Close),
		})
	}

	daily := make([]PeriodMetrics, 0, len(data.PoolDayData))
	for _, d := range data.PoolDayData {
		daily = append(daily, PeriodMetrics{
			Timestamp:    d.Date,
			VolumeUSD:    parseF(d.VolumeUSD),
			PriceToken0:  parseF(d.Token0Price),
			PriceToken1:  parseF(d.Token1Price),
			TVLUSD:       parseF(d.TVLUSD),
			Transactions: parseI(d.TxCount),
			Open:         parseF(d.Open),
			High:         parseF(d.High),
			Low:          parseF(d.Low),
			Close:        parseF(d.Close),
		})
	}

	return HistoricalMetrics{HourlyMetrics: hourly, DailyMetrics: daily}
}

// volume24h sums the last 24 hourly buckets.
func volume24h(hours []HourData) float64 {
	if len(hours) == 0 {
		return 0
	}
	start := 0
	if len(hours) > 24 {
		start = len(hours) - 24
	}
	var sum float64
	for _, h := range hours[start:] {
		sum += parseF(h.VolumeUSD)
	}
	return sum
}

func volumeToLiquidityRatio(data Data) float64 {
	liquidity := parseF(data.TotalValueLockedUSD)
	if liquidity <= 0 {
		return 0
	}
	return volume24h(data.PoolHourData) / liquidity
}

func liquidityUtilization(data Data) LiquidityUtilization {
	liquidity := parseF(data.TotalValueLockedUSD)
	var rate float64
	if liquidity > 0 {
		rate = volume24h(data.PoolHourData) / liquidity * 100
	}

	var status string
	switch {
	case rate < 1:
		status = "Low"
	case rate < 5:
		status = "Moderate"
	case rate < 10:
		status = "High"
	default:
		status = "Very High"
	}

	return LiquidityUtilization{Rate: rate, Status: status}
}

// closeVolatility is the standard deviation of hourly close-to-close returns.
func closeVolatility(hours []HourData) float64 {
	if len(hours) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(hours)-1)
	for i := 1; i < len(hours); i++ {
		prev := parseF(hours[i-1].Close)
		cur := parseF(hours[i].Close)
		if prev > 0 {
			returns = append(returns, (cur-prev)/prev)
		}
	}
	if len(returns) == 0 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}

// ilRisk scores impermanent-loss exposure: volatile pools with idle
// liquidity score highest.
func ilRisk(volatility, utilizationRate float64) float64 {
	normalizedVolatility := math.Min(volatility*100, 100)
	normalizedUtilization := math.Min(utilizationRate, 100)
	return normalizedVolatility * (100 - normalizedUtilization) / 100
}

func tradeEfficiency(swaps []Swap) TradeEfficiency {
	if len(swaps) == 0 {
		return TradeEfficiency{Efficiency: "Unknown", GasUsedPerDollar: 0}
	}

	var totalGas, totalValue float64
	for _, s := range swaps {
		totalGas += float64(parseI(s.Transaction.GasUsed)) * float64(parseI(s.Transaction.GasPrice))
		totalValue += parseF(s.AmountUSD)
	}

	var gasPerDollar float64
	if totalValue > 0 {
		gasPerDollar = totalGas / totalValue
	}

	var efficiency string
	switch {
	case gasPerDollar < 0.001:
		efficiency = "Excellent"
	case gasPerDollar < 0.005:
		efficiency = "Good"
	case gasPerDollar < 0.01:
		efficiency = "Fair"
	default:
		efficiency = "Poor"
	}

	return TradeEfficiency{Efficiency: efficiency, GasUsedPerDollar: gasPerDollar}
}

func swapCount24h(swaps []Swap, now time.Time) int {
	cutoff := now.Unix() - 24*60*60
	count := 0
	for _, s := range swaps {
		if parseI(s.Timestamp) >= cutoff {
			count++
		}
	}
	return count
}

func parseF(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseI(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
