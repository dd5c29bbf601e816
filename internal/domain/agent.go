// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// AgentStatus はエージェントの運用ステータスを表す。
type AgentStatus string

const (
	// AgentStatusActive は稼働中のエージェントを表す。
	AgentStatusActive AgentStatus = "active"
	// AgentStatusSuspended は一時停止中のエージェントを表す。
	AgentStatusSuspended AgentStatus = "suspended"
	// AgentStatusRevoked は失効したエージェントを表す。
	AgentStatusRevoked AgentStatus = "revoked"
)

// Capabilities はエージェントが実行できる操作を表す。
type Capabilities struct {
	CanCommerce    bool `json:"can_commerce"`
	CanVerify      bool `json:"can_verify"`
	CanManageTrust bool `json:"can_manage_trust"`
}

// Agent はコマースエージェントを表す。
type Agent struct {
	ID           string
	Name         string
	Status       AgentStatus
	Capabilities Capabilities
	CreatedAt    time.Time
}

// IsOperational はエージェントが稼働中かどうかを返す。
func (a Agent) IsOperational() bool {
	return a.Status == AgentStatusActive
}
