//go:build linux

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/srediag/shmipc-core/pkg/endpoint"
	"github.com/srediag/shmipc-core/pkg/relptr"
	"github.com/srediag/shmipc-core/pkg/shm"
)

const helperEnv = "SUPERVISOR_HELPER_SEGMENT"

// TestHelperProcess is run in a child process by TestReclaimAfterProcessExit.
// It registers an endpoint, loans chunks and exits without releasing them.
func TestHelperProcess(t *testing.T) {
	path := os.Getenv(helperEnv)
	if path == "" {
		t.Skip("helper process only")
	}
	ctx := context.Background()
	seg, err := shm.Open(ctx, shm.OpenOptions{Path: path, ID: 4, Registry: relptr.NewRegistry()})
	if err != nil {
		os.Exit(2)
	}
	views, err := shm.AttachSegment(seg)
	if err != nil {
		os.Exit(3)
	}
	e, err := endpoint.New(views, "crasher")
	if err != nil {
		os.Exit(4)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.Loan(32); err != nil {
			os.Exit(5)
		}
	}
	os.Exit(0)
}

func TestReclaimAfterProcessExit(t *testing.T) {
	s := &SupervisorTestSuite{}
	s.SetT(t)
	s.SetupTest()
	defer s.TearDownTest()

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), helperEnv+"="+s.path)
	require.NoError(t, cmd.Run())
	require.Equal(t, 5, s.free())

	slots := s.views.Table.Slots()
	require.Len(t, slots, 1)
	require.Equal(t, uint32(cmd.Process.Pid), slots[0].PID)

	sup := New(s.views)
	require.Equal(t, 1, sup.Scan())
	n, err := sup.ReclaimParticipant(slots[0].Index)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 8, s.free())
	require.Empty(t, s.views.Table.Slots())
}
