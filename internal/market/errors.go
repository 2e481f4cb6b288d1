package market

import "errors"

var (
	// ErrNoCachedData 表示请求的标的或序列在本地缓存中不存在。
	ErrNoCachedData = errors.New("no cached data for requested key")

	// ErrUpstreamEmpty 表示上游数据源对请求区间返回了空结果。
	ErrUpstreamEmpty = errors.New("upstream returned no observations")
)
