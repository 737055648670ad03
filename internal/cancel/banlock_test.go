package cancel

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBanLock_AcksBeforeFinish(t *testing.T) {
	var calls atomic.Int32
	var got []string
	l := newBanLock(func(nodes []string) {
		calls.Add(1)
		got = nodes
	})

	l.onBanSet()
	l.onBanSet()
	assert.Zero(t, calls.Load(), "child set not known yet")

	l.onTaskFinished([]string{"n1", "n2"})
	<-l.Done()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"n1", "n2"}, got)
}

func TestBanLock_FinishBeforeAcks(t *testing.T) {
	var calls atomic.Int32
	l := newBanLock(func([]string) { calls.Add(1) })

	l.onTaskFinished([]string{"n1", "n2"})
	l.onBanSet()
	assert.Zero(t, calls.Load(), "one acknowledgement outstanding")
	l.onBanSet()
	<-l.Done()
	assert.Equal(t, int32(1), calls.Load())
}

func TestBanLock_NoChildren(t *testing.T) {
	var calls atomic.Int32
	l := newBanLock(func(nodes []string) {
		assert.Empty(t, nodes)
		calls.Add(1)
	})
	l.onTaskFinished(nil)
	<-l.Done()
	assert.Equal(t, int32(1), calls.Load())
}

func TestBanLock_ConcurrentFiresOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		var calls atomic.Int32
		l := newBanLock(func([]string) { calls.Add(1) })
		nodes := []string{"a", "b", "c", "d", "e"}

		var wg sync.WaitGroup
		for range nodes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.onBanSet()
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.onTaskFinished(nodes)
		}()
		wg.Wait()

		<-l.Done()
		require.Equal(t, int32(1), calls.Load())
	}
}

func TestSimpleMatch(t *testing.T) {
	cases := []struct {
		pattern, str string
		want         bool
	}{
		{"cluster:admin/repository/verify", "cluster:admin/repository/verify", true},
		{"cluster:admin/*", "cluster:admin/repository/verify", true},
		{"*verify", "cluster:admin/repository/verify", true},
		{"*", "anything", true},
		{"indices:*/read*", "indices:data/read/search", true},
		{"indices:*/write*", "indices:data/read/search", false},
		{"cluster:*", "indices:data/read/search", false},
		{"a*a", "a", false},
		{"a*a", "aa", true},
		{"exact", "exactly", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, simpleMatch(c.pattern, c.str), "%s vs %s", c.pattern, c.str)
	}
}

func TestRequest_Match(t *testing.T) {
	parent := tasks.TaskID{NodeID: "n1", ID: 2}
	ct := &tasks.CancellableTask{Task: tasks.Task{ID: 4, Action: "indices:data/read/search", Parent: parent}}

	assert.True(t, Request{}.Match("n0", ct))
	assert.True(t, Request{Nodes: []string{"n0"}}.Match("n0", ct))
	assert.False(t, Request{Nodes: []string{"n1"}}.Match("n0", ct))
	assert.True(t, Request{ParentTaskID: parent}.Match("n0", ct))
	assert.False(t, Request{ParentTaskID: tasks.TaskID{NodeID: "n1", ID: 3}}.Match("n0", ct))
	assert.True(t, Request{TaskID: tasks.TaskID{NodeID: "n0", ID: 4}}.Match("n0", ct))
	assert.False(t, Request{TaskID: tasks.TaskID{NodeID: "n0", ID: 5}}.Match("n0", ct))
	assert.False(t, Request{Actions: []string{"cluster:*"}}.Match("n0", ct))
}

func TestOutcome_Text(t *testing.T) {
	for o := CancelledNoChildren; o <= RejectedNotFound; o++ {
		text, err := o.MarshalText()
		require.NoError(t, err)
		var back Outcome
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, o, back)
	}
	assert.True(t, CancelledAcked.Cancelled())
	assert.False(t, RejectedNotFound.Cancelled())

	var o Outcome
	assert.Error(t, o.UnmarshalText([]byte("bogus")))
}
