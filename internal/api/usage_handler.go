package api

import (
	"net/http"
	"time"

	"github.com/alecgard/prepaid/internal/auth"
	"github.com/alecgard/prepaid/internal/txlog"
	"golang.org/x/sync/errgroup"
)

// usageHandler reports billed consumption per service.
type usageHandler struct {
	txns txlog.Store
	now  func() time.Time
}

func newUsageHandler(txns txlog.Store) *usageHandler {
	return &usageHandler{txns: txns, now: time.Now}
}

type usageTotals struct {
	Today txlog.Usage `json:"today"`
	Week  txlog.Usage `json:"week"`
	Month txlog.Usage `json:"month"`
}

type usageResponse struct {
	TenantID    string                  `json:"tenant_id,omitempty"`
	Service     string                  `json:"service,omitempty"`
	Totals      usageTotals             `json:"totals"`
	Range       string                  `json:"range"`
	SubServices []txlog.SubServiceUsage `json:"sub_services"`
}

// GetUsage handles GET /api/v1/usage. A tenant only sees its own usage.
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	h.write(w, r, t.ID)
}

// GetUsageAdmin handles GET /api/v1/admin/usage. Without tenant_id the
// report covers every tenant.
func (h *usageHandler) GetUsageAdmin(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, r.URL.Query().Get("tenant_id"))
}

func (h *usageHandler) write(w http.ResponseWriter, r *http.Request, tenantID string) {
	service := r.URL.Query().Get("service")
	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = "all"
	}

	day, week, month := txlog.PeriodStarts(h.now())
	var rangeStart time.Time
	switch rng {
	case "day":
		rangeStart = day
	case "week":
		rangeStart = week
	case "month":
		rangeStart = month
	case "all":
	default:
		writeError(w, http.StatusBadRequest, "invalid_range", "range must be day, week, month or all")
		return
	}

	resp := usageResponse{TenantID: tenantID, Service: service, Range: rng}
	base := txlog.UsageQuery{TenantID: tenantID, ServiceCategory: service}

	g, ctx := errgroup.WithContext(r.Context())
	total := func(from time.Time, dst *txlog.Usage) {
		g.Go(func() error {
			q := base
			q.From = from
			u, err := h.txns.Usage(ctx, q)
			if err != nil {
				return err
			}
			*dst = *u
			return nil
		})
	}
	total(day, &resp.Totals.Today)
	total(week, &resp.Totals.Week)
	total(month, &resp.Totals.Month)
	g.Go(func() error {
		q := base
		q.From = rangeStart
		subs, err := h.txns.UsageBySubService(ctx, q)
		resp.SubServices = subs
		return err
	})
	if err := g.Wait(); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if resp.SubServices == nil {
		resp.SubServices = []txlog.SubServiceUsage{}
	}
	writeJSON(w, http.StatusOK, resp)
}

