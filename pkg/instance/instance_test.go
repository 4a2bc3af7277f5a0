package instance

import "testing"

func TestGetIDPrefersEnv(t *testing.T) {
	t.Setenv(EnvWorkerID, "worker-7")
	if got := GetID(); got != "worker-7" {
		t.Fatalf("expected env override, got %q", got)
	}
}

func TestGetIDFallsBack(t *testing.T) {
	t.Setenv(EnvWorkerID, "")
	if GetID() == "" {
		t.Fatal("expected a non-empty fallback id")
	}
}
