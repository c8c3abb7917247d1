package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSink_CloseUnblocksPendingSend(t *testing.T) {
	sink := NewChannelSink(1)
	publish := sink.Sink()
	publish(TaskEvent{TaskID: "acme/a", Seq: 1})

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		publish(TaskEvent{TaskID: "acme/a", Seq: 2})
	}()

	// Give the second send time to block on the full buffer.
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		sink.Close()
	}()
	waitClosed(t, closed)
	waitClosed(t, sent)

	var seqs []uint64
	for ev := range sink.Events() {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1}, seqs)

	publish(TaskEvent{TaskID: "acme/a", Seq: 3})
	sink.Close()
}

func TestMultiSink_SkipsNilSinks(t *testing.T) {
	var got []uint64
	sink := MultiSink(nil, func(ev TaskEvent) { got = append(got, ev.Seq) })

	sink(TaskEvent{Seq: 7})
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0])
}
