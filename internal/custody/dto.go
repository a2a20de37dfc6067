package custody

// MovementRequest carries the value attached to a deposit or withdrawal.
type MovementRequest struct {
	Amount string `json:"amount"`
}

// MovementResponse represents the API response for deposits and withdrawals.
type MovementResponse struct {
	Address     string `json:"address"`
	Amount      string `json:"amount"`
	Balance     string `json:"balance,omitempty"`
	Total       string `json:"total,omitempty"`
	ReleaseID   string `json:"release_id,omitempty"`
	State       string `json:"state"`
	CompletedAt string `json:"completed_at"`
}

// BalanceResponse is returned by the public balance query.
type BalanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// AuditResponse reports the outcome of the total-vs-sum check.
type AuditResponse struct {
	Total      string `json:"total"`
	Sum        string `json:"sum"`
	Accounts   int    `json:"accounts"`
	Consistent bool   `json:"consistent"`
}
