// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ログイン・トークン更新の結果ラベル。
const (
	ResultSuccess       = "success"
	ResultInvalidGrant  = "invalid_grant"
	ResultProviderError = "provider_error"
	ResultStoreError    = "store_error"
	ResultAlreadyFresh  = "already_fresh"
)

// AuthRecorder は認証・トークンライフサイクルのメトリクス記録インターフェース。
// auth.Managerから利用する。
type AuthRecorder interface {
	RecordLogin(result string)
	RecordTokenRefresh(result string)
	RecordSharedRefresh()
	RecordProviderLatency(operation string, duration time.Duration)
	RecordIntegrityViolation()
}

// MetricsCollector はメトリクス収集のインターフェース。
// HTTPミドルウェアとサービス層から利用する。
type MetricsCollector interface {
	AuthRecorder
	RecordHTTPStatus(statusCode int)
	RecordSessionsCleaned(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	sharedRefreshes prometheus.Counter
	providerLatency *prometheus.HistogramVec
	integrity       prometheus.Counter
	httpStatus      *prometheus.CounterVec
	sessionsCleaned prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botpanel_login_total",
			Help: "OAuthログイン試行の結果別合計数",
		}, []string{"result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botpanel_token_refresh_total",
			Help: "Discordトークン更新の結果別合計数",
		}, []string{"result"}),
		sharedRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botpanel_refresh_shared_total",
			Help: "同時実行中の更新結果を共有したリクエスト数",
		}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "botpanel_provider_request_duration_seconds",
			Help:    "IdP呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		integrity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botpanel_session_integrity_violations_total",
			Help: "存在しないユーザーを参照するセッションの検出数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "botpanel_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "botpanel_sessions_cleaned_total",
			Help: "クリーンアップで削除された期限切れセッション数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.tokenRefreshes,
		c.sharedRefreshes,
		c.providerLatency,
		c.integrity,
		c.httpStatus,
		c.sessionsCleaned,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordTokenRefresh はトークン更新結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordSharedRefresh は更新結果の共有を記録する。
func (c *Collector) RecordSharedRefresh() {
	c.sharedRefreshes.Inc()
}

// RecordProviderLatency はIdP呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordIntegrityViolation はセッション整合性違反を記録する。
func (c *Collector) RecordIntegrityViolation() {
	c.integrity.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsCleaned は削除された期限切れセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int64) {
	c.sessionsCleaned.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string) {}
func (Nop) RecordTokenRefresh(string) {}
func (Nop) RecordSharedRefresh() {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) RecordIntegrityViolation() {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordSessionsCleaned(int64) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
