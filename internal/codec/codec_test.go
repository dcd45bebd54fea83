package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"mactable/internal/domain"
)

func sampleRun() *domain.Run {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Second)
	failed := 2
	return &domain.Run{
		ID:         "run-1",
		Scenario:   "mac-table-attack",
		Substrate:  "sim",
		State:      domain.RunStateAborted,
		StepCount:  4,
		StartedAt:  start,
		FinishedAt: &end,
		FailedStep: &failed,
		Reason:     "step 2 (checkpoint): operator aborted the run",
		Records: []domain.StepRecord{
			{
				Index:  0,
				Step:   domain.SetAddress("h1", "fa:dd:fd:b8:bb:aa"),
				Status: domain.StepStatusOK,
				Ack:    &domain.AddressAck{Host: "h1", Previous: "00:00:00:00:00:01", Current: "fa:dd:fd:b8:bb:aa", Changed: true},
			},
			{
				Index:  1,
				Step:   domain.Probe("h1", "h2"),
				Status: domain.StepStatusOK,
				Probe: &domain.ProbeOutcome{
					From: "h1", To: "h2", ToAddress: "10.0.0.2", Success: true,
					Latency: 1500 * time.Microsecond, Method: domain.ProbeMethodSim,
				},
			},
			{
				Index:  2,
				Step:   domain.Checkpoint(),
				Status: domain.StepStatusFailed,
				Error:  "operator aborted the run",
			},
		},
	}
}

func TestForFormat(t *testing.T) {
	tests := []struct {
		format  string
		want    string
		wantErr bool
	}{
		{"json", "json", false},
		{"yaml", "yaml", false},
		{"yml", "yaml", false},
		{"text", "text", false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			e, err := ForFormat(tt.format)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.format)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if e.Format() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, e.Format())
			}
		})
	}

	if got := Formats(); strings.Join(got, ",") != "json,text,yaml" {
		t.Errorf("unexpected formats %v", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	run := sampleRun()
	c := NewJSONCodec()

	var buf bytes.Buffer
	if err := c.Export(run, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(buf.String(), `"failed_step": 2`) {
		t.Errorf("expected failed_step in output:\n%s", buf.String())
	}

	got, err := c.Parse(&buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ID != run.ID || got.State != run.State || len(got.Records) != 3 {
		t.Errorf("round trip lost data: %+v", got)
	}
	if got.Records[1].Probe.Latency != 1500*time.Microsecond {
		t.Errorf("expected latency 1.5ms, got %s", got.Records[1].Probe.Latency)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	run := sampleRun()
	c := NewYAMLCodec()

	var buf bytes.Buffer
	if err := c.Export(run, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "latency: 1.5ms") {
		t.Errorf("expected duration notation in output:\n%s", out)
	}

	got, err := c.Parse(strings.NewReader(out))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Records[0].Ack == nil || got.Records[0].Ack.Current != "fa:dd:fd:b8:bb:aa" {
		t.Errorf("ack not preserved: %+v", got.Records[0])
	}
	if got.Records[1].Probe.Latency != 1500*time.Microsecond {
		t.Errorf("expected latency 1.5ms, got %s", got.Records[1].Probe.Latency)
	}
	if got.FailedStep == nil || *got.FailedStep != 2 {
		t.Errorf("expected failed step 2, got %v", got.FailedStep)
	}
}

func TestTextSummary(t *testing.T) {
	var buf bytes.Buffer
	if err := NewTextCodec().Export(sampleRun(), &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"run-1",
		"aborted",
		"3 of 4",
		"1 ok, 0 failed",
		"duration:",
		"00:00:00:00:00:01 -> fa:dd:fd:b8:bb:aa",
		"success 10.0.0.2 via sim in 1.5ms",
		"operator aborted the run <-",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in summary:\n%s", want, out)
		}
	}
}

func TestTextSummaryWithoutRecords(t *testing.T) {
	run := domain.NewRun("r", "s", "sim", 3)
	var buf bytes.Buffer
	if err := NewTextCodec().Export(run, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.Contains(buf.String(), "STEP") {
		t.Errorf("expected no step table:\n%s", buf.String())
	}
}
