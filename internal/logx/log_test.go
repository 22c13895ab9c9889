package logx

import (
	"bytes"
	"os"
	"os/exec"
	"testing"

	"github.com/rs/zerolog"
)

func TestRedactorMasksSharedTokenField(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(NewRedactor(&buf))
	logger.Info().Str("shared_token", "tok-live-9f3a").Msg("follower dispatch")
	tmp := t.TempDir()
	file := tmp + "/log.txt"
	if err := os.WriteFile(file, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	// grep should not find the raw token
	cmd := exec.Command("grep", "tok-live-9f3a", file)
	if err := cmd.Run(); err == nil {
		t.Fatalf("token leaked to log: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("***redacted***")) {
		t.Fatalf("redacted marker missing: %s", buf.String())
	}
}

func TestRedactorLeavesNonSensitiveFieldsAlone(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(NewRedactor(&buf))
	logger.Info().Str("jobId", "42").Msg("job claimed")
	if !bytes.Contains(buf.Bytes(), []byte("\"jobId\":\"42\"")) {
		t.Fatalf("unrelated field was redacted: %s", buf.String())
	}
}

func TestSecretHelperPreservesLengthOnly(t *testing.T) {
	got := Secret("node-key-material")
	if got == "node-key-material" || !bytes.Contains([]byte(got), []byte("***redacted***")) {
		t.Fatalf("unexpected output: %s", got)
	}
	if !bytes.Contains([]byte(got), []byte("17")) {
		t.Fatalf("missing length: %s", got)
	}
	if Secret("") != "" {
		t.Fatalf("expected empty passthrough")
	}
}
