package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoOpNeverPanics(t *testing.T) {
	b := NoOp()
	unsub := b.Subscribe(func(Event) { t.Fatal("noop must not deliver") })
	b.Publish(Event{Topic: "vm:off"})
	unsub()
}

func TestInProcessFanOut(t *testing.T) {
	b := NewInProcess()

	var got []Event
	unsub := b.Subscribe(func(ev Event) { got = append(got, ev) })

	b.Publish(Event{Topic: "vm:running", VMID: "vm-1"})
	require.Len(t, got, 1)
	require.Equal(t, "vm-1", got[0].VMID)

	unsub()
	b.Publish(Event{Topic: "vm:off", VMID: "vm-1"})
	require.Len(t, got, 1, "unsubscribed handler must not receive further events")
}

func TestInProcessSubscriberPanicIsolated(t *testing.T) {
	b := NewInProcess()
	b.Subscribe(func(Event) { panic("boom") })

	var got int
	b.Subscribe(func(Event) { got++ })

	require.NotPanics(t, func() {
		b.Publish(Event{Topic: "vm:event"})
	})
	require.Equal(t, 1, got)
}
