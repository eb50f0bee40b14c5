// Package events defines the payloads the agent publishes on the event bus.
package events

import "time"

// VMEvent describes a state change or a command outcome for one VM.
type VMEvent struct {
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Command   string    `json:"command,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	TypeVMStateChanged = "VM_STATE_CHANGED"
	TypeVMCommand      = "VM_COMMAND"
)

// PoolEvent reports a role change of the local host.
type PoolEvent struct {
	Type      string    `json:"type"`
	Role      string    `json:"role"`
	PoolAlias string    `json:"pool_alias,omitempty"`
	Master    string    `json:"master,omitempty"`
	Members   []string  `json:"members,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	TypePoolBecameMaster = "POOL_BECAME_MASTER"
	TypePoolRoleChanged  = "POOL_ROLE_CHANGED"
	TypePoolJoined       = "POOL_JOINED"
	TypePoolCreated      = "POOL_CREATED"
)

const (
	// TopicVMEvents carries VMEvent values.
	TopicVMEvents = "hostagent.vm.events"
	// TopicPoolEvents carries PoolEvent values.
	TopicPoolEvents = "hostagent.pool.events"
)
