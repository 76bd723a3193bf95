package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// TestBuildWithCGODisabled ensures the converter builds with CGO disabled:
// checkpoint reading and ONNX encoding are pure Go.
func TestBuildWithCGODisabled(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the whole module")
	}
	modRoot, err := filepath.Abs(filepath.Join("..", ".."))
	if err != nil {
		t.Fatalf("failed to resolve module root: %v", err)
	}

	cmd := exec.Command("go", "build", "-o", os.DevNull, "./cmd/pt2onnx")
	cmd.Dir = modRoot
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("build failed with CGO disabled in %s: %v", filepath.Base(modRoot), err)
	}
}
