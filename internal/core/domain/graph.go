package domain

import "time"

// Edge annotates a dependency between two tasks
type Edge struct {
	Type          DependencyType `json:"type"`
	DataSizeGB    float64        `json:"data_size_gb"`
	TransferTime  time.Duration  `json:"transfer_time"`
	MemoryOverlap float64        `json:"memory_overlap"` // 0..1 share of the smaller footprint resident at once
}

// DependencySpec is a dependency as submitted: From must complete before To starts
type DependencySpec struct {
	From int  `json:"from"`
	To   int  `json:"to"`
	Edge Edge `json:"edge"`
}

// MemoryProfile summarizes memory footprint along a dependency path
type MemoryProfile struct {
	PeakGB        float64   `json:"peak_gb"`
	AverageGB     float64   `json:"average_gb"`
	Variance      float64   `json:"variance"`
	Timeline      []float64 `json:"timeline"`
	PressureScore float64   `json:"pressure_score"`
}
