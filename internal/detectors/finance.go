package detectors

import "fmt"

const revenueDropRatio = 0.25

// FinanceReconciliationDetector flags payments and refunds that need a
// human to reconcile them.
type FinanceReconciliationDetector struct {
	ruleSet
}

func NewFinanceReconciliationDetector() *FinanceReconciliationDetector {
	return &FinanceReconciliationDetector{ruleSet{
		name:      "reconciliation",
		namespace: "studio_finance",
		rules: []Rule{
			{ID: "finance.unreconciled_payments", CapabilityID: "ops.acknowledge_anomaly", Evaluate: unreconciledPayments},
			{ID: "finance.failed_payments_rise", CapabilityID: "ops.acknowledge_anomaly", Evaluate: failedPaymentsRise},
			{ID: "finance.refunds_pending", CapabilityID: "billing.issue_refund", Evaluate: refundsPending},
			{ID: "finance.revenue_drop", CapabilityID: "ops.acknowledge_anomaly", Evaluate: revenueDrop},
		},
	}}
}

func unreconciledPayments(in Input) (Finding, bool) {
	n := current(in, "paymentsUnreconciled")
	if n <= 0 {
		return Finding{}, false
	}
	return Finding{
		Title:     "Unreconciled payments",
		Rationale: fmt.Sprintf("%g succeeded payment(s) older than a day have not been reconciled", n),
		Evidence:  map[string]float64{"paymentsUnreconciled": n},
	}, true
}

func failedPaymentsRise(in Input) (Finding, bool) {
	d, ok := delta(in, "paymentsFailed")
	if !ok || d <= 0 {
		return Finding{}, false
	}
	cur := current(in, "paymentsFailed")
	return Finding{
		Title:     "Failed payments rising",
		Rationale: fmt.Sprintf("failed payments rose by %g to %g", d, cur),
		Evidence:  map[string]float64{"paymentsFailed": cur, "delta": d},
	}, true
}

func refundsPending(in Input) (Finding, bool) {
	n := current(in, "refundsPending")
	if n <= 0 {
		return Finding{}, false
	}
	return Finding{
		Title:     "Refunds pending",
		Rationale: fmt.Sprintf("%g refund request(s) are waiting for review", n),
		Severity:  SeverityInfo,
		Evidence:  map[string]float64{"refundsPending": n},
	}, true
}

func revenueDrop(in Input) (Finding, bool) {
	prev, ok := previous(in, "revenueCents")
	if !ok || prev <= 0 {
		return Finding{}, false
	}
	cur := current(in, "revenueCents")
	drop := (prev - cur) / prev
	if drop < revenueDropRatio {
		return Finding{}, false
	}
	return Finding{
		Title:     "Daily revenue dropped",
		Rationale: fmt.Sprintf("revenue fell %.0f%% from %g to %g cents", drop*100, prev, cur),
		Severity:  SeverityCritical,
		Evidence:  map[string]float64{"previous": prev, "current": cur, "dropRatio": drop},
	}, true
}
