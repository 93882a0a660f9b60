package reader

import (
	"net/http"
	neturl "net/url"

	"klineflow/logger"
)

// statusIPBanned is what the Binance hosts answer once an address is banned.
const statusIPBanned = 418

// reportThrottle emits a metric when the repository answers with a rate
// limit or ban status. It reports whether status was one of those.
func reportThrottle(log *logger.Log, component, url string, status int) bool {
	var metric string
	switch status {
	case http.StatusTooManyRequests:
		metric = "rate_limit_exceeded"
	case statusIPBanned:
		metric = "ip_ban"
	default:
		return false
	}

	host := url
	if u, err := neturl.Parse(url); err == nil && u.Host != "" {
		host = u.Host
	}
	fields := logger.Fields{"host": host, "url": url, "status": status}
	l := log.WithComponent(component)
	l.LogMetric(component, metric, int64(1), "counter", logger.Fields{"host": host})
	if metric == "ip_ban" {
		l.WithFields(fields).Error("ip banned by repository")
	} else {
		l.WithFields(fields).Warn("rate limit exceeded")
	}
	return true
}
