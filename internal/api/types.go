package api

import "github.com/mattjoyce/trainpipe/internal/ledger"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Pipelines     int    `json:"pipelines"`
}

// RunListResponse is returned by GET /runs.
type RunListResponse struct {
	Runs []ledger.Run `json:"runs"`
}

// PipelineSummary describes one compiled pipeline.
type PipelineSummary struct {
	Name        string   `json:"name"`
	Fingerprint string   `json:"fingerprint"`
	Stages      []string `json:"stages"`
}

// PipelineListResponse is returned by GET /pipelines.
type PipelineListResponse struct {
	Pipelines []PipelineSummary `json:"pipelines"`
}
