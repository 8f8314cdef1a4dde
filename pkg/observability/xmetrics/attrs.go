package xmetrics

import (
	"errors"
	"time"
)

// ErrCreateInstrument 表示创建 OTel 指标仪表失败。
var ErrCreateInstrument = errors.New("xmetrics: create instrument failed")

func String(key, value string) Attr {
	return Attr{Key: key, Value: value}
}

// Duration 创建时间间隔属性，导出到 OTel 时以毫秒计，key 建议带单位（如 "lateness_ms"）。
func Duration(key string, value time.Duration) Attr {
	return Attr{Key: key, Value: value}
}
