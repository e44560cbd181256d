package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON view of the registry served to operators.
type Summary struct {
	HTTP          httpSummary        `json:"http"`
	Ledger        ledgerSummary      `json:"ledger"`
	Admission     admissionInfo      `json:"admission"`
	Webhooks      map[string]float64 `json:"webhooks"`
	ProviderErrs  map[string]float64 `json:"providerErrors"`
	Notifications notifyInfo         `json:"notifications"`
	RateLimit     rejectionInfo      `json:"rateLimit"`
	Auth          rejectionInfo      `json:"auth"`
	DB            dbInfo             `json:"db"`
	Server        serverInfo         `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type ledgerSummary struct {
	Credits           float64 `json:"credits"`
	Debits            float64 `json:"debits"`
	Refunds           float64 `json:"refunds"`
	InsufficientFunds float64 `json:"insufficientFunds"`
	FinalizeApplied   float64 `json:"finalizeApplied"`
	FinalizeNoop      float64 `json:"finalizeNoop"`
}

type admissionInfo struct {
	NotSubscribed     float64 `json:"notSubscribed"`
	InsufficientFunds float64 `json:"insufficientFunds"`
}

type notifyInfo struct {
	Dropped   float64 `json:"dropped"`
	Delivered float64 `json:"delivered"`
	Failed    float64 `json:"failed"`
}

type rejectionInfo struct {
	Rejections float64 `json:"rejections"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Handler serves a JSON summary of the live registry.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	reqs := fam["prepaid_http_requests_total"]
	dur := fam["prepaid_http_request_duration_seconds"]
	postings := fam["prepaid_ledger_postings_total"]
	finalize := fam["prepaid_finalize_total"]
	denials := fam["prepaid_admission_denials_total"]
	delivered := fam["prepaid_notify_delivered_total"]
	start := gaugeValue(fam["prepaid_server_start_time_seconds"])

	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(reqs),
			ErrorRate:     errorRate(reqs),
			P50Latency:    histogramPercentile(dur, 0.50),
			P95Latency:    histogramPercentile(dur, 0.95),
			P99Latency:    histogramPercentile(dur, 0.99),
		},
		Ledger: ledgerSummary{
			Credits:           sumCounterWithLabel(postings, "direction", "credit"),
			Debits:            sumCounterWithLabel(postings, "direction", "debit"),
			Refunds:           sumCounterWithLabel(postings, "kind", "refund"),
			InsufficientFunds: sumCounter(fam["prepaid_insufficient_funds_total"]),
			FinalizeApplied:   sumCounterWithLabel(finalize, "applied", "true"),
			FinalizeNoop:      sumCounterWithLabel(finalize, "applied", "false"),
		},
		Admission: admissionInfo{
			NotSubscribed:     sumCounterWithLabel(denials, "reason", "not_subscribed"),
			InsufficientFunds: sumCounterWithLabel(denials, "reason", "insufficient_funds"),
		},
		Webhooks:     sumByLabel(fam["prepaid_webhooks_total"], "result"),
		ProviderErrs: sumByLabel(fam["prepaid_provider_errors_total"], "provider"),
		Notifications: notifyInfo{
			Dropped:   sumCounter(fam["prepaid_notify_dropped_total"]),
			Delivered: sumCounterWithLabel(delivered, "status", "ok"),
			Failed:    sumCounterWithLabel(delivered, "status", "error"),
		},
		RateLimit: rejectionInfo{Rejections: sumCounter(fam["prepaid_ratelimit_rejections_total"])},
		Auth:      rejectionInfo{Rejections: sumCounter(fam["prepaid_auth_failures_total"])},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["prepaid_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["prepaid_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["prepaid_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["prepaid_db_pool_max_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	return sumCounterWithLabel(f, "", "")
}

// sumCounterWithLabel sums the counters carrying name=value. An empty name
// matches every series.
func sumCounterWithLabel(f *dto.MetricFamily, name, value string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil || (name != "" && !hasLabel(m, name, value)) {
			continue
		}
		total += m.GetCounter().GetValue()
	}
	return total
}

// sumByLabel groups counter totals by the value of one label.
func sumByLabel(f *dto.MetricFamily, name string) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name {
				out[lp.GetValue()] += m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if g := ms[0].GetGauge(); g != nil {
		return g.GetValue()
	}
	if c := ms[0].GetCounter(); c != nil {
		return c.GetValue()
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

// errorRate is the share of requests answered with a 5xx status. 4xx
// responses such as insufficient funds are expected outcomes.
func errorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errs float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" && len(lp.GetValue()) > 0 && lp.GetValue()[0] == '5' {
				errs += v
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errs / total
}

// histogramPercentile estimates quantile q across every series of a
// histogram family by linear interpolation within buckets.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	counts := make(map[float64]uint64)
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			counts[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(counts))
	for ub, c := range counts {
		if !math.IsInf(ub, 1) {
			buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: c})
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].upperBound < buckets[j].upperBound })

	rank := q * float64(totalCount)
	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if float64(b.cumulativeCount) >= rank {
			n := b.cumulativeCount - prevCount
			if n == 0 {
				return b.upperBound
			}
			return prevBound + (rank-float64(prevCount))/float64(n)*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}
	if len(buckets) > 0 {
		return buckets[len(buckets)-1].upperBound
	}
	return 0
}
