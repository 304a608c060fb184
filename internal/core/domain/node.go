package domain

import "time"

// NoNode marks a task that is not assigned, or a decision without a target
const NoNode = -1

type NodeStatus string

const (
	NodeStatusOnline   NodeStatus = "ONLINE"
	NodeStatusOffline  NodeStatus = "OFFLINE"
	NodeStatusDegraded NodeStatus = "DEGRADED"
	NodeStatusFailed   NodeStatus = "FAILED"
)

var nodeTransitionMap = map[NodeStatus][]NodeStatus{
	NodeStatusOnline:   {NodeStatusDegraded, NodeStatusFailed, NodeStatusOffline},
	NodeStatusDegraded: {NodeStatusOnline, NodeStatusFailed},
	NodeStatusFailed:   {NodeStatusDegraded, NodeStatusOnline},
	NodeStatusOffline:  {NodeStatusOnline},
}

// ValidNodeTransition reports whether a node may move from src to dst
func ValidNodeTransition(src, dst NodeStatus) bool {
	for _, s := range nodeTransitionMap[src] {
		if s == dst {
			return true
		}
	}
	return false
}

// ParseNodeStatus returns the status named by s and whether it is known
func ParseNodeStatus(s string) (NodeStatus, bool) {
	switch st := NodeStatus(s); st {
	case NodeStatusOnline, NodeStatusOffline, NodeStatusDegraded, NodeStatusFailed:
		return st, true
	}
	return "", false
}

// Capacity is the fixed size of a node
type Capacity struct {
	CPU         float64 `json:"cpu"`          // Cores
	MemoryGB    float64 `json:"memory_gb"`    // GB
	DiskGB      float64 `json:"disk_gb"`      // GB
	NetworkMbps float64 `json:"network_mbps"` // Mbps
}

// Usage holds fractions of capacity in [0,1]
type Usage struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Disk    float64 `json:"disk"`
	Network float64 `json:"network"`
}

// Node represents a compute node as seen by the ledger
type Node struct {
	ID            int                  `json:"id"`
	Hostname      string               `json:"hostname"`
	Capacity      Capacity             `json:"capacity"`
	Usage         Usage                `json:"usage"`
	Status        NodeStatus           `json:"status"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
	Claims        map[int]Requirements `json:"claims,omitempty"`
	Healthy       bool                 `json:"healthy"`
}

// AvailableCPU returns free CPU cores
func (n *Node) AvailableCPU() float64 {
	return n.Capacity.CPU * (1 - n.Usage.CPU)
}

// AvailableMemory returns free memory in GB
func (n *Node) AvailableMemory() float64 {
	return n.Capacity.MemoryGB * (1 - n.Usage.Memory)
}

// DiskCeiling is the largest disk request a single task may make on this node
func (n *Node) DiskCeiling() float64 {
	return n.Capacity.DiskGB * DiskAdmissionRatio
}

// DiskAdmissionRatio caps any single task's disk request at this share of node disk
const DiskAdmissionRatio = 0.10

// feasibilityEpsilon absorbs float drift from repeated fraction arithmetic
const feasibilityEpsilon = 1e-9

// CheckFeasible returns the name of the first constraint req violates on n, or "" if it fits
func (n *Node) CheckFeasible(req Requirements) string {
	if n.AvailableCPU()+feasibilityEpsilon < req.CPU {
		return "cpu"
	}
	if n.AvailableMemory()+feasibilityEpsilon < req.MemoryGB {
		return "memory"
	}
	if req.DiskGB > n.DiskCeiling() {
		return "disk"
	}
	return ""
}

// HealthPolicy holds the thresholds that decide whether a node may receive work
type HealthPolicy struct {
	FailoverTimeout time.Duration
	CPUThreshold    float64
	MemoryThreshold float64
}

// DefaultHealthPolicy matches a 10s failover timeout and 80% cpu / 85% memory ceilings
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		FailoverTimeout: 10 * time.Second,
		CPUThreshold:    0.80,
		MemoryThreshold: 0.85,
	}
}

// IsHealthy evaluates the policy against n at time now
func (p HealthPolicy) IsHealthy(n *Node, now time.Time) bool {
	return n.Status == NodeStatusOnline &&
		now.Sub(n.LastHeartbeat) < p.FailoverTimeout &&
		n.Usage.CPU < p.CPUThreshold &&
		n.Usage.Memory < p.MemoryThreshold
}
