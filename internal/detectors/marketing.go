package detectors

import "fmt"

const (
	openKilnCapacityMin    = 0.3
	pendingReservationsMax = 5
	membershipLapseMin     = 5
)

// MarketingDraftDetector drafts outreach when studio capacity or
// attendance leaves room for it. Every draft is unpublished copy; only an
// approved marketing.publish_draft proposal sends anything.
type MarketingDraftDetector struct {
	ruleSet
}

func NewMarketingDraftDetector() *MarketingDraftDetector {
	return &MarketingDraftDetector{ruleSet{
		name:      "campaign",
		namespace: "studio_marketing",
		rules: []Rule{
			{ID: "marketing.low_signup_events", CapabilityID: "marketing.publish_draft", Evaluate: lowSignupEvents},
			{ID: "marketing.open_kiln_capacity", CapabilityID: "marketing.publish_draft", Evaluate: openKilnCapacity},
			{ID: "marketing.membership_lapse", CapabilityID: "marketing.publish_draft", Evaluate: membershipLapse},
		},
	}}
}

func lowSignupEvents(in Input) (Finding, bool) {
	n := current(in, "eventsLowSignup")
	if n <= 0 {
		return Finding{}, false
	}
	return Finding{
		Title:     "Promote upcoming events",
		Rationale: fmt.Sprintf("%g event(s) in the next two weeks are under a quarter full", n),
		Severity:  SeverityInfo,
		Evidence:  map[string]float64{"eventsLowSignup": n},
		Input:     map[string]any{"channel": "newsletter", "draftRuleId": "marketing.low_signup_events"},
	}, true
}

func openKilnCapacity(in Input) (Finding, bool) {
	open := current(in, "kilnCapacityOpen")
	pending := current(in, "reservationsPending")
	if open < openKilnCapacityMin || pending >= pendingReservationsMax {
		return Finding{}, false
	}
	return Finding{
		Title:     "Fill open kiln space",
		Rationale: fmt.Sprintf("%.0f%% of kiln capacity is open this week with %g pending reservation(s)", open*100, pending),
		Severity:  SeverityInfo,
		Evidence:  map[string]float64{"kilnCapacityOpen": open, "reservationsPending": pending},
		Input:     map[string]any{"channel": "instagram", "draftRuleId": "marketing.open_kiln_capacity"},
	}, true
}

func membershipLapse(in Input) (Finding, bool) {
	n := current(in, "membershipsLapsed")
	if n < membershipLapseMin {
		return Finding{}, false
	}
	return Finding{
		Title:     "Win back lapsed members",
		Rationale: fmt.Sprintf("%g membership(s) lapsed in the last 30 days", n),
		Severity:  SeverityInfo,
		Evidence:  map[string]float64{"membershipsLapsed": n},
		Input:     map[string]any{"channel": "newsletter", "draftRuleId": "marketing.membership_lapse"},
	}, true
}
