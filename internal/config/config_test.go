package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidateWithServer(t *testing.T) {
	o := Default()
	o.Servers = []string{"localhost:11211"}
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsBadDepth(t *testing.T) {
	o := Default()
	o.Servers = []string{"localhost:11211"}
	o.Depth = 0
	if err := o.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for depth < 1")
	}
}

func TestValidateRejectsMissingServersWithoutAgentMode(t *testing.T) {
	o := Default()
	if err := o.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for no servers")
	}
}

func TestValidateAllowsAgentModeWithoutServers(t *testing.T) {
	o := Default()
	o.AgentMode = true
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil in agent mode", err)
	}
}

func TestValidateRejectsUpdateOutOfRange(t *testing.T) {
	o := Default()
	o.Servers = []string{"localhost:11211"}
	o.Update = 1.5
	if err := o.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for update > 1.0")
	}
}

func TestComputeLambdaDenomSingleServerSingleThread(t *testing.T) {
	o := Default()
	o.Servers = []string{"a:11211"}
	o.Connections = 4
	o.Threads = 1
	o.QPS = 1000
	o.ComputeLambdaDenom()

	if o.LambdaDenom != 4 {
		t.Fatalf("LambdaDenom = %d, want 4", o.LambdaDenom)
	}
	if o.Lambda != 250 {
		t.Fatalf("Lambda = %v, want 250", o.Lambda)
	}
}

func TestComputeLambdaDenomRoundRobinUsesMaxServersThreads(t *testing.T) {
	o := Default()
	o.Servers = []string{"a:11211", "b:11211"}
	o.Connections = 1
	o.Threads = 4
	o.RoundRobin = true
	o.QPS = 800
	o.ComputeLambdaDenom()

	// max(|servers|=2, threads=4) = 4
	if o.LambdaDenom != 4 {
		t.Fatalf("LambdaDenom = %d, want 4", o.LambdaDenom)
	}
}

func TestComputeLambdaDenomZeroThreadsIsZero(t *testing.T) {
	o := Default()
	o.Servers = []string{"a:11211"}
	o.Threads = 0
	o.QPS = 100
	o.ComputeLambdaDenom()

	if o.LambdaDenom != 0 {
		t.Fatalf("LambdaDenom = %d, want 0", o.LambdaDenom)
	}
	if o.Lambda != 0 {
		t.Fatalf("Lambda = %v, want 0", o.Lambda)
	}
}

func TestRecomputeLambdaAppliesMultiplier(t *testing.T) {
	o := Default()
	o.LambdaDenom = 10
	o.QPS = 100
	o.LambdaMul = 2.0
	o.RecomputeLambda()
	if o.Lambda != 20 {
		t.Fatalf("Lambda = %v, want 20", o.Lambda)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	o := Default()
	o.Servers = []string{"a:11211"}
	o.Agents = []string{"b:11400"}

	c := o.Clone()
	c.Servers[0] = "changed:11211"
	c.QPS = 9999

	if o.Servers[0] != "a:11211" {
		t.Fatalf("clone mutation leaked into original Servers: %v", o.Servers)
	}
	if o.QPS == 9999 {
		t.Fatal("clone mutation leaked into original QPS")
	}
}

func TestLoadOverlayAppliesYAMLBeforeFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	yamlContent := "qps: 5000\nconnections: 8\nservers:\n  - foo:11211\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	o := Default()
	if err := LoadOverlay(path, o); err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	if o.QPS != 5000 {
		t.Fatalf("QPS = %d, want 5000", o.QPS)
	}
	if o.Connections != 8 {
		t.Fatalf("Connections = %d, want 8", o.Connections)
	}
	if len(o.Servers) != 1 || o.Servers[0] != "foo:11211" {
		t.Fatalf("Servers = %v, want [foo:11211]", o.Servers)
	}
}

func TestLoadOverlayEmptyPathIsNoop(t *testing.T) {
	o := Default()
	want := *o
	if err := LoadOverlay("", o); err != nil {
		t.Fatalf("LoadOverlay(\"\") = %v, want nil", err)
	}
	if o.QPS != want.QPS || o.Connections != want.Connections {
		t.Fatal("LoadOverlay(\"\") mutated Options")
	}
}
