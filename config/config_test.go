package config

import (
	"testing"
	"time"
)

func TestLoadWorkerDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.MergeServiceURL != "http://localhost:9100" {
		t.Fatalf("merge service url = %q", cfg.Worker.MergeServiceURL)
	}
	if cfg.Worker.MaxPerWindow != 5 || cfg.Worker.Window != time.Second {
		t.Fatalf("rate limit defaults = %d per %v", cfg.Worker.MaxPerWindow, cfg.Worker.Window)
	}
	if cfg.Worker.PollInterval != 5*time.Second || cfg.Worker.StallThreshold != 30*time.Second {
		t.Fatalf("poll/stall defaults = %v / %v", cfg.Worker.PollInterval, cfg.Worker.StallThreshold)
	}
}

func TestLoadWorkerFromEnvironment(t *testing.T) {
	t.Setenv("MERGE_SERVICE_URL", "http://merge.internal:9200")
	t.Setenv("WORKER_MAX_PER_WINDOW", "2")
	t.Setenv("WORKER_WINDOW", "500ms")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.MergeServiceURL != "http://merge.internal:9200" {
		t.Fatalf("merge service url = %q", cfg.Worker.MergeServiceURL)
	}
	if cfg.Worker.MaxPerWindow != 2 || cfg.Worker.Window != 500*time.Millisecond {
		t.Fatalf("rate limit = %d per %v", cfg.Worker.MaxPerWindow, cfg.Worker.Window)
	}
}
