package stream_test

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/retracesoftware/stream"
)

// Exercising a real fork(2) sandwich from a Go test binary is unsafe
// (only the calling goroutine survives in the child). This test uses
// a safe re-exec analogue instead: TestMain spawns this very test
// binary as a child process, which runs runForkTestHelper instead of
// the normal test suite.
const forkHelperEnv = "STREAM_FORK_TEST_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(forkHelperEnv) != "" {
		runForkTestHelper()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestForkSandwichDemultiplexesByPID(t *testing.T) {
	path := newTracePath(t)

	w, err := stream.NewWriter(stream.WriterConfig{
		Path:       path,
		Thread:     mainThread,
		Serializer: jsonSerializer,
	})
	require.NoError(t, err)

	require.NoError(t, w.Write("parent_first"))
	require.NoError(t, w.PrepareFork())

	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), forkHelperEnv+"=1", "STREAM_FORK_TEST_PATH="+path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Run())

	w.AfterFork()
	require.NoError(t, w.Write("parent_second"))
	require.NoError(t, w.Close())

	got := readAll(t, path)
	require.Equal(t, []interface{}{"parent_first", "parent_second"}, got)

	pids, err := stream.ListPIDs(path)
	require.NoError(t, err)
	require.Len(t, pids, 2)

	r, err := stream.NewReader(stream.ReaderConfig{Path: path, Deserialize: jsonDeserializer})
	require.NoError(t, err)
	defer r.Close()

	// The reader locks onto a PID only once it has read a frame.
	first, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "parent_first", first)

	active, ok := r.ActivePID()
	require.True(t, ok)

	var childPID uint32
	for _, pid := range pids {
		if pid != active {
			childPID = pid
		}
	}
	require.NotZero(t, childPID)
	r.SetPID(childPID)

	var childVals []interface{}
	for {
		v, err := r.Next()
		if err == stream.ErrEOF {
			break
		}
		require.NoError(t, err)
		childVals = append(childVals, v)
	}
	require.Equal(t, []interface{}{"child_val_1", "child_val_2"}, childVals)
}

func runForkTestHelper() {
	path := os.Getenv("STREAM_FORK_TEST_PATH")
	w, err := stream.NewWriter(stream.WriterConfig{
		Path:        path,
		Append:      true,
		Thread:      func() []byte { return []byte("child") },
		Serializer:  jsonSerializer,
		ChildPolicy: stream.ChildIndependent,
	})
	if err != nil {
		panic(err)
	}
	_ = w.Write("child_val_1")
	_ = w.Write("child_val_2")
	_ = w.Close()
}
