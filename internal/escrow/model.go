package escrow

// Status is the application-facing escrow status.
type Status string

const (
	StatusActive    Status = "Active"
	StatusCompleted Status = "Completed"
	StatusDisputed  Status = "Disputed"
	StatusCancelled Status = "Cancelled"
	StatusInactive  Status = "Inactive"
	StatusPending   Status = "Pending"
	StatusRejected  Status = "Rejected"
)

// contractStatuses lists statuses in contract enum order.
var contractStatuses = []Status{
	StatusActive,
	StatusCompleted,
	StatusDisputed,
	StatusCancelled,
	StatusInactive,
	StatusPending,
	StatusRejected,
}

// Valid reports whether s is a known escrow status.
func (s Status) Valid() bool {
	for _, known := range contractStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// MilestoneStatus is the application-facing milestone status.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "Pending"
	MilestoneInProgress MilestoneStatus = "InProgress"
	MilestoneCompleted  MilestoneStatus = "Completed"
	MilestoneDisputed   MilestoneStatus = "Disputed"
)

var milestoneStatuses = []MilestoneStatus{
	MilestonePending,
	MilestoneInProgress,
	MilestoneCompleted,
	MilestoneDisputed,
}

// Escrow is a read-through projection of contract state. It is rebuilt on
// every query and never cached.
type Escrow struct {
	ID                  string      `json:"id"`
	Creator             string      `json:"creator"`
	CounterpartyAddress string      `json:"counterpartyAddress"`
	CounterpartyType    string      `json:"counterpartyType"`
	Title               string      `json:"title"`
	Description         string      `json:"description"`
	TotalAmount         string      `json:"totalAmount"`
	Status              Status      `json:"status"`
	CreatedAt           int64       `json:"createdAt"`
	Milestones          []Milestone `json:"milestones"`

	// DegradedFields names every field that was defaulted while mapping.
	DegradedFields []string `json:"degradedFields,omitempty"`
}

// Degraded reports whether any field was defaulted.
func (e Escrow) Degraded() bool { return len(e.DegradedFields) > 0 }

type Milestone struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Amount      string          `json:"amount"`
	Status      MilestoneStatus `json:"status"`
	Deadline    int64           `json:"deadline"`
}

// MilestoneSpec is a milestone as requested at creation time.
type MilestoneSpec struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
}

// Metadata is the off-amount payload attached to a createEscrow call.
type Metadata struct {
	Title            string          `json:"title,omitempty"`
	Description      string          `json:"description,omitempty"`
	CounterpartyType string          `json:"counterpartyType,omitempty"`
	Worker           string          `json:"worker,omitempty"`
	Client           string          `json:"client,omitempty"`
	Milestones       []MilestoneSpec `json:"milestones,omitempty"`
}
