package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kioskfsm/internal/fsm"
)

func TestTrace(t *testing.T) {
	s := newLiveServer(t)
	_, err := runCLI(t, "--server", s.url, "checkout", "o-1", "--item", "burger=1")
	require.NoError(t, err)
	_, err = runCLI(t, "--server", s.url, "event", "print_succeeded", "--order", "o-1")
	require.Error(t, err)
	_, err = runCLI(t, "--server", s.url, "event", "user_cancelled", "--order", "o-1")
	require.NoError(t, err)

	out, err := runCLI(t, "--format", "json", "trace", "--db", s.dbPath, "--order", "o-1")
	require.NoError(t, err, out)

	var res TraceResult
	decodeData(t, out, &res)
	require.Len(t, res.Timeline, 3)
	assert.Equal(t, TraceStats{
		Total:    3,
		Applied:  2,
		Rejected: 1,
		Final:    fsm.StateCancelledByUser,
		Terminal: true,
	}, res.Stats)

	out, err = runCLI(t, "--format", "json", "trace", "--db", s.dbPath, "--runtime", "rt-0001", "--rejected")
	require.NoError(t, err, out)
	decodeData(t, out, &res)
	require.Len(t, res.Timeline, 1)
	assert.Equal(t, fsm.EventPrintSucceeded, res.Timeline[0].Event)
	assert.Equal(t, "INVALID_TRANSITION", res.Timeline[0].ErrorCode)

	out, err = runCLI(t, "trace", "--db", s.dbPath, "--order", "o-1")
	require.NoError(t, err)
	assert.Contains(t, out, "3 entries: 2 applied, 1 rejected; final state CANCELLED_BY_USER")
}

func TestTrace_Errors(t *testing.T) {
	_, err := runCLI(t, "trace", "--db", filepath.Join(t.TempDir(), "none.db"), "--order", "o-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, "trace", "--db", "whatever.db")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplay(t *testing.T) {
	s := newLiveServer(t)
	_, err := runCLI(t, "--server", s.url, "checkout", "o-1", "--item", "burger=1")
	require.NoError(t, err)
	_, err = runCLI(t, "--server", s.url, "event", "payment_succeeded", "--order", "o-1")
	require.NoError(t, err)
	_, err = runCLI(t, "--server", s.url, "checkout", "o-2", "--item", "burger=1")
	require.NoError(t, err)

	out, err := runCLI(t, "--format", "json", "replay", "--db", s.dbPath)
	require.NoError(t, err, out)

	var res ReplayResult
	decodeData(t, out, &res)
	assert.True(t, res.AllConsistent)
	require.Equal(t, 2, res.TotalRuntimes)
	assert.Equal(t, "rt-0001", res.Runtimes[0].RuntimeID)
	assert.Equal(t, fsm.StateAwaitingFiscalization, res.Runtimes[0].ReplayedState)
	assert.Equal(t, 2, res.Runtimes[0].Applied)

	out, err = runCLI(t, "replay", "--db", s.dbPath, "--runtime", "rt-0002")
	require.NoError(t, err)
	assert.Contains(t, out, "Replay Summary: 1 runtime(s)")
	assert.Contains(t, out, "✓ All runtimes replay to their stored state")
}

func TestValidate(t *testing.T) {
	out, err := runCLI(t, "validate", "../config/testdata/kiosk.yaml")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 file(s) valid")

	out, err = runCLI(t, "--config", "../config/testdata/kiosk.cue", "validate",
		"--scenarios", "../harness/testdata/scenarios")
	require.NoError(t, err, out)
	assert.Contains(t, out, "6 file(s) valid")
}

func TestValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ledger:
  backend: postgres
devices:
  mode: http
`), 0644))

	out, err := runCLI(t, "--format", "json", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var res ValidationResult
	resp := decodeData(t, out, &res)
	assert.Equal(t, "error", resp.Status)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0].Message, "postgres_dsn")
	assert.Contains(t, res.Errors[1].Message, "endpoints")
	assert.Equal(t, ErrCodeInvalidConfig, res.Errors[0].Code)
}

func TestValidate_DecodeErrors(t *testing.T) {
	tests := []struct {
		file  string
		field string
	}{
		{"../config/testdata/unknown_key.yaml", ""},
		{"../config/testdata/bad_backend.cue", "backend"},
	}
	for _, tt := range tests {
		t.Run(filepath.Base(tt.file), func(t *testing.T) {
			out, err := runCLI(t, "validate", tt.file)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, out, "✗ Validation failed")
			if tt.field != "" {
				assert.Contains(t, out, tt.field)
			}
		})
	}
}

func TestValidate_BadScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\nflow: []\n"), 0644))

	out, err := runCLI(t, "validate", "--scenarios", dir)
	require.Error(t, err)
	assert.Contains(t, out, "broken.yaml")
}

func TestTestCommand(t *testing.T) {
	out, err := runCLI(t, "--format", "json", "test", "../harness/testdata/scenarios")
	require.NoError(t, err, out)

	var res TestResult
	decodeData(t, out, &res)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Passed)
	assert.Equal(t, 0, res.Failed)
}

func TestTestCommand_Filter(t *testing.T) {
	out, err := runCLI(t, "test", "../harness/testdata/scenarios", "--filter", "payment_*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ payment_timeout")
	assert.Contains(t, out, "✓ payment_retries")
	assert.Contains(t, out, "Test Summary: 2 passed, 0 failed, 2 total")
}

func TestTestCommand_UpdateAndMismatch(t *testing.T) {
	golden := t.TempDir()
	args := []string{"test", "../harness/testdata/scenarios", "--filter", "happy_path", "--golden", golden}

	out, err := runCLI(t, append(args, "--update")...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "golden updated")

	written, err := os.ReadFile(filepath.Join(golden, "happy_path.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile("../harness/testdata/golden/happy_path.golden")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	require.NoError(t, os.WriteFile(filepath.Join(golden, "happy_path.golden"), []byte("{}\n"), 0644))
	out, err = runCLI(t, args...)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, err := runCLI(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFindScenarioFiles(t *testing.T) {
	files, err := findScenarioFiles("../harness/testdata/scenarios", "")
	require.NoError(t, err)
	assert.Len(t, files, 5)

	_, err = findScenarioFiles("../harness/testdata/scenarios", "[")
	assert.Error(t, err)
}

func TestParseLines(t *testing.T) {
	lines, err := parseLines([]string{"burger=2", " fries =1"})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "burger", lines[0].ItemID)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.Equal(t, "fries", lines[1].ItemID)

	_, err = parseLines([]string{"burger"})
	assert.Error(t, err)
	_, err = parseLines([]string{"burger=two"})
	assert.Error(t, err)
}

func TestParseActor(t *testing.T) {
	a, err := parseActor("pos-terminal:pos-1", "manual")
	require.NoError(t, err)
	assert.Equal(t, fsm.Actor{Type: fsm.ActorPOSTerminal, ID: "pos-1", Comment: "manual"}, a)

	a, err = parseActor("", "note")
	require.NoError(t, err)
	assert.Equal(t, fsm.ActorType(""), a.Type)

	_, err = parseActor("operator", "")
	assert.Error(t, err)
	_, err = parseActor("alien:x", "")
	assert.Error(t, err)
}
