package market

import "time"

// 数据来源标识，与 data_metadata.source 列一致。
const (
	SourceYahoo  = "yahoo"
	SourceFRED   = "fred"
	SourceCrypto = "ccxt"
)

// PricePoint 表示某标的一个交易日的价格记录，AdjClose 为复权后收盘价。
type PricePoint struct {
	Date     time.Time `json:"date"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	AdjClose float64   `json:"adj_close"`
	Volume   int64     `json:"volume"`
}

// RatePoint 表示宏观序列的一个观测值，FRED 利率类序列的值为百分比。
type RatePoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// TickerInfo 描述一个已缓存标的的元信息。
type TickerInfo struct {
	Ticker    string `json:"ticker"`
	Source    string `json:"source"`
	FirstDate string `json:"first_date,omitempty"`
	LastDate  string `json:"last_date,omitempty"`
}

// DateRange 表示缓存数据覆盖的日期范围。
type DateRange struct {
	FirstDate string `json:"first_date"`
	LastDate  string `json:"last_date"`
}

// Freshness 描述缓存数据的新鲜程度。
type Freshness struct {
	NeedsUpdate bool      `json:"needs_update"`
	Reason      string    `json:"reason,omitempty"`
	LastUpdated time.Time `json:"last_updated,omitzero"`
	FirstDate   string    `json:"first_date,omitempty"`
	LastDate    string    `json:"last_date,omitempty"`
}

// UpdateResult 描述一次增量更新的结果。
type UpdateResult struct {
	Status    string `json:"status"`
	RowsAdded int    `json:"rows_added"`
}
