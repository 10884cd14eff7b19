// Package capability declares the closed set of actions the control plane may
// take, lints their governance metadata, and gates their use.
package capability

// Risk is a capability's risk tier.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Valid reports whether r is a declared tier.
func (r Risk) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ApprovalMode is the governance decision recorded in policy metadata.
type ApprovalMode string

const (
	ApprovalRequired ApprovalMode = "required"
	ApprovalExempt   ApprovalMode = "exempt"
)

// Definition declares one capability. Definitions are fixed at startup.
type Definition struct {
	ID               string         `yaml:"id" json:"id"`
	Description      string         `yaml:"description" json:"description,omitempty"`
	Risk             Risk           `yaml:"risk" json:"risk"`
	ReadOnly         bool           `yaml:"readOnly" json:"readOnly"`
	RequiresApproval bool           `yaml:"requiresApproval" json:"requiresApproval"`
	Connector        string         `yaml:"connector" json:"connector,omitempty"` // empty: no external effect
	Operation        string         `yaml:"operation" json:"operation,omitempty"` // defaults to ID
	InputSchema      map[string]any `yaml:"inputSchema" json:"inputSchema,omitempty"`
	Source           string         `yaml:"-" json:"source"` // "catalog" or the manifest id
}

// OperationName is the connector operation that exercises the capability.
func (d Definition) OperationName() string {
	if d.Operation != "" {
		return d.Operation
	}
	return d.ID
}

// RollbackOperationName is the connector operation that undoes it.
func (d Definition) RollbackOperationName() string {
	return d.OperationName() + ".rollback"
}

// PolicyMetadata is the governance record for a capability.
type PolicyMetadata struct {
	Owner          string       `yaml:"owner" json:"owner"`
	RollbackPlan   string       `yaml:"rollbackPlan" json:"rollbackPlan"`
	EscalationPath string       `yaml:"escalationPath" json:"escalationPath"`
	ApprovalMode   ApprovalMode `yaml:"approvalMode" json:"approvalMode"`
}
