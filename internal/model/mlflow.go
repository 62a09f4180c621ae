package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// MLflow run statuses.
const (
	mlflowFinished = "FINISHED"
	mlflowFailed   = "FAILED"
)

// MLFlowArgs configure MLFlowCallback. An empty tracking URI falls back to
// MLFLOW_TRACKING_URI; without either the callback does nothing.
type MLFlowArgs struct {
	TrackingURI  string        `yaml:"tracking_uri"`
	ExperimentID string        `yaml:"experiment_id"`
	RunName      string        `yaml:"run_name"`
	Timeout      time.Duration `yaml:"timeout"`
}

// MLFlowCallback mirrors epoch metrics to an MLflow tracking server over its
// REST API. Tracking failures are logged and disable the callback; they
// never fail training.
type MLFlowCallback struct {
	args   MLFlowArgs
	client *http.Client
	base   string
	runID  string
}

// NewMLFlowCallback builds an MLFlowCallback.
func NewMLFlowCallback(args MLFlowArgs) (*MLFlowCallback, error) {
	if args.Timeout <= 0 {
		args.Timeout = 5 * time.Second
	}
	if args.ExperimentID == "" {
		args.ExperimentID = "0"
	}
	return &MLFlowCallback{args: args, client: &http.Client{Timeout: args.Timeout}}, nil
}

func (m *MLFlowCallback) InitArgs() any { return m.args }

type mlflowTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlflowCreateRun struct {
	ExperimentID string      `json:"experiment_id"`
	RunName      string      `json:"run_name,omitempty"`
	StartTime    int64       `json:"start_time"`
	Tags         []mlflowTag `json:"tags,omitempty"`
}

type mlflowRunResponse struct {
	Run struct {
		Info struct {
			RunID string `json:"run_id"`
		} `json:"info"`
	} `json:"run"`
}

type mlflowMetric struct {
	RunID     string  `json:"run_id"`
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int     `json:"step"`
}

type mlflowUpdateRun struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	EndTime int64  `json:"end_time"`
}

func (m *MLFlowCallback) OnTrainBegin(ctx context.Context, s *TrainState) error {
	base := m.args.TrackingURI
	if base == "" {
		base = s.Context.Env.Get("MLFLOW_TRACKING_URI")
	}
	if base == "" {
		s.Context.Logger().Debug("mlflow tracking disabled: no tracking uri")
		return nil
	}
	m.base = strings.TrimRight(base, "/")

	name := m.args.RunName
	if name == "" {
		name = s.Context.ShortID + "_" + s.Context.RunID
	}
	req := mlflowCreateRun{
		ExperimentID: m.args.ExperimentID,
		RunName:      name,
		StartTime:    time.Now().UnixMilli(),
		Tags: []mlflowTag{
			{Key: "trainpipe.run_id", Value: s.Context.RunID},
			{Key: "trainpipe.short_id", Value: s.Context.ShortID},
			{Key: "trainpipe.exp_dir", Value: s.Context.Dir},
		},
	}
	var resp mlflowRunResponse
	if err := m.post(ctx, "runs/create", req, &resp); err != nil {
		m.disable(s, err)
		return nil
	}
	m.runID = resp.Run.Info.RunID
	s.Context.Logger().Info("mlflow run created", "mlflow_run_id", m.runID)
	return nil
}

func (m *MLFlowCallback) OnBatchEnd(context.Context, *TrainState, BatchLogs) error { return nil }

func (m *MLFlowCallback) OnEpochEnd(ctx context.Context, s *TrainState, l EpochLogs) error {
	if m.runID == "" {
		return nil
	}
	now := time.Now().UnixMilli()
	for _, key := range LogHeader[1:] {
		v, _ := l.Value(key)
		if math.IsNaN(v) {
			continue
		}
		metric := mlflowMetric{RunID: m.runID, Key: key, Value: v, Timestamp: now, Step: l.Epoch}
		if err := m.post(ctx, "runs/log-metric", metric, nil); err != nil {
			m.disable(s, err)
			return nil
		}
	}
	return nil
}

func (m *MLFlowCallback) OnTrainEnd(ctx context.Context, s *TrainState) error {
	if m.runID == "" {
		return nil
	}
	status := mlflowFinished
	if len(s.History) < s.Params.Epochs {
		status = mlflowFailed
	}
	req := mlflowUpdateRun{RunID: m.runID, Status: status, EndTime: time.Now().UnixMilli()}
	if err := m.post(ctx, "runs/update", req, nil); err != nil {
		m.disable(s, err)
	}
	return nil
}

func (m *MLFlowCallback) disable(s *TrainState, err error) {
	s.Context.Logger().Warn("mlflow tracking disabled", "error", err)
	m.runID = ""
}

func (m *MLFlowCallback) post(ctx context.Context, endpoint string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := m.base + "/api/2.0/mlflow/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("POST %s: %w", endpoint, err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("POST %s: decode response: %w", endpoint, err)
	}
	return nil
}
