// Package graphfile loads task graphs written in HCL.
//
//	task "extract" {
//	  id        = 1
//	  priority  = "high"
//	  cpu       = 2
//	  memory_gb = 8
//	  duration  = "30s"
//	}
//
//	dependency {
//	  from           = 1
//	  to             = 2
//	  type           = "data"
//	  data_size_gb   = 4
//	  memory_overlap = 0.25
//	}
package graphfile

import (
	"fmt"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

type hclGraphFile struct {
	Tasks        []*hclTask       `hcl:"task,block"`
	Dependencies []*hclDependency `hcl:"dependency,block"`
}

type hclTask struct {
	Name        string   `hcl:"name,label"`
	ID          int      `hcl:"id"`
	Description *string  `hcl:"description,optional"`
	Priority    *string  `hcl:"priority,optional"`
	CPU         *float64 `hcl:"cpu,optional"`
	MemoryGB    *float64 `hcl:"memory_gb,optional"`
	DiskGB      *float64 `hcl:"disk_gb,optional"`
	NetworkMbps *float64 `hcl:"network_mbps,optional"`
	Duration    *string  `hcl:"duration,optional"`
}

type hclDependency struct {
	From          int      `hcl:"from"`
	To            int      `hcl:"to"`
	Type          *string  `hcl:"type,optional"`
	DataSizeGB    *float64 `hcl:"data_size_gb,optional"`
	TransferTime  *string  `hcl:"transfer_time,optional"`
	MemoryOverlap *float64 `hcl:"memory_overlap,optional"`
}

// Graph is a decoded submission ready for Orchestrator.SubmitGraph
type Graph struct {
	Tasks        []*domain.Task
	Dependencies []domain.DependencySpec
}

// Load parses and decodes one graph file from disk
func Load(path string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decode(path, file)
}

// Parse decodes graph source held in memory; filename is used in diagnostics
func Parse(filename string, src []byte) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decode(filename, file)
}

func decode(filename string, file *hcl.File) (*Graph, error) {
	var parsed hclGraphFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	g := &Graph{
		Tasks:        make([]*domain.Task, 0, len(parsed.Tasks)),
		Dependencies: make([]domain.DependencySpec, 0, len(parsed.Dependencies)),
	}
	for _, ht := range parsed.Tasks {
		t, err := ht.toTask()
		if err != nil {
			return nil, fmt.Errorf("%s: task %q: %w", filename, ht.Name, err)
		}
		g.Tasks = append(g.Tasks, t)
	}
	for _, hd := range parsed.Dependencies {
		d, err := hd.toSpec()
		if err != nil {
			return nil, fmt.Errorf("%s: dependency %d -> %d: %w", filename, hd.From, hd.To, err)
		}
		g.Dependencies = append(g.Dependencies, d)
	}
	return g, nil
}

func (ht *hclTask) toTask() (*domain.Task, error) {
	req := domain.DefaultRequirements()
	if ht.CPU != nil {
		req.CPU = *ht.CPU
	}
	if ht.MemoryGB != nil {
		req.MemoryGB = *ht.MemoryGB
	}
	if ht.DiskGB != nil {
		req.DiskGB = *ht.DiskGB
	}
	if ht.NetworkMbps != nil {
		req.NetworkMbps = *ht.NetworkMbps
	}
	if ht.Duration != nil {
		d, err := time.ParseDuration(*ht.Duration)
		if err != nil {
			return nil, fmt.Errorf("duration: %w", err)
		}
		req.EstimatedDuration = d
	}

	t := domain.NewTask(ht.ID, ht.Name, req)
	if ht.Description != nil {
		t.Description = *ht.Description
	}
	if ht.Priority != nil {
		t.Priority = domain.ParsePriority(*ht.Priority)
	}
	return t, nil
}

func (hd *hclDependency) toSpec() (domain.DependencySpec, error) {
	ds := domain.DependencySpec{
		From: hd.From,
		To:   hd.To,
		Edge: domain.Edge{Type: domain.DependencyData},
	}
	if hd.Type != nil {
		switch typ := domain.DependencyType(*hd.Type); typ {
		case domain.DependencyData, domain.DependencyCompute, domain.DependencyResource:
			ds.Edge.Type = typ
		default:
			return ds, fmt.Errorf("unknown dependency type %q", *hd.Type)
		}
	}
	if hd.DataSizeGB != nil {
		ds.Edge.DataSizeGB = *hd.DataSizeGB
	}
	if hd.MemoryOverlap != nil {
		ds.Edge.MemoryOverlap = *hd.MemoryOverlap
	}
	if hd.TransferTime != nil {
		d, err := time.ParseDuration(*hd.TransferTime)
		if err != nil {
			return ds, fmt.Errorf("transfer_time: %w", err)
		}
		ds.Edge.TransferTime = d
	}
	return ds, nil
}
