package command

import (
	"context"
	"errors"
	"testing"
)

func TestExecRunnerReportsMissingTool(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "kp-definitely-not-installed")
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}
