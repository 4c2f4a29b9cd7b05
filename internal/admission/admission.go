// Package admission gates job submission on the requester's credit balance.
package admission

import "fmt"

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ReasonNoCredits is the denial reason when the balance does not cover the cost.
const ReasonNoCredits = "no_credits"

// Check decides whether a job of the given cost may start. It is pure.
func Check(balance, cost int) Decision {
	if balance < cost {
		return Decision{
			Allowed: false,
			Reason:  ReasonNoCredits,
		}
	}
	return Decision{Allowed: true}
}

// String renders the decision for logs.
func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	return fmt.Sprintf("denied(%s)", d.Reason)
}
