package hypervisor

// JSON bodies exchanged by rpcclient and the sim handler.

type OwnershipRequest struct {
	OwnerID string `json:"owner_id"`
}

type CreateVMRequest struct {
	PoolID     string       `json:"pool_id"`
	Definition VMDefinition `json:"definition"`
}

type VMActionRequest struct {
	PoolID string `json:"pool_id"`
	DestIP string `json:"dest_ip,omitempty"`
}

type VNCPortResponse struct {
	VNCPort int `json:"vnc_port"`
}

type MembersBody struct {
	Members []string `json:"members"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
