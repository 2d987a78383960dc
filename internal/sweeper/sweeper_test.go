package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExpirer struct {
	calls atomic.Int32
	ids   []string
	err   error
}

func (f *fakeExpirer) ExpireProjects(context.Context) ([]string, error) {
	f.calls.Add(1)
	return f.ids, f.err
}

func TestRunOnce(t *testing.T) {
	f := &fakeExpirer{ids: []string{"a", "b"}}
	s, err := New(f, "@every 1m")
	require.NoError(t, err)
	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f.err = errors.New("db down")
	_, err = s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestInvalidSchedule(t *testing.T) {
	_, err := New(&fakeExpirer{}, "not a schedule")
	assert.Error(t, err)
}

func TestScheduleFires(t *testing.T) {
	f := &fakeExpirer{}
	s, err := New(f, "@every 1s")
	require.NoError(t, err)
	s.Start()
	defer s.Stop(context.Background())
	assert.Eventually(t, func() bool { return f.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}
