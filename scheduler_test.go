package manet

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the data item of every event fired, with the time it fired
type recorder struct {
	names []string
	times []float64
}

func record(es *EventScheduler, context any, data any) any {
	rec := context.(*recorder)
	rec.names = append(rec.names, data.(string))
	rec.times = append(rec.times, es.CurrentSeconds())
	return nil
}

func TestSchedulerTimeOrder(t *testing.T) {
	es := CreateEventScheduler()
	rec := &recorder{}
	es.after(rec, "c", record, 3.0)
	es.after(rec, "a", record, 1.0)
	es.after(rec, "b", record, 2.0)

	es.Run(10.0)
	assert.Equal(t, []string{"a", "b", "c"}, rec.names)
	assert.Equal(t, []float64{1.0, 2.0, 3.0}, rec.times)
	assert.Equal(t, 10.0, es.CurrentSeconds())
	assert.Equal(t, 3, es.Fired())
}

func TestSchedulerTiesFireInScheduleOrder(t *testing.T) {
	es := CreateEventScheduler()
	rec := &recorder{}
	for _, name := range []string{"first", "second", "third", "fourth"} {
		es.after(rec, name, record, 0.5)
	}
	es.Run(1.0)
	assert.Equal(t, []string{"first", "second", "third", "fourth"}, rec.names)
}

func TestSchedulerEventsScheduledByHandlers(t *testing.T) {
	es := CreateEventScheduler()
	rec := &recorder{}
	chain := func(es *EventScheduler, context any, data any) any {
		record(es, context, data)
		// a zero delay event lands behind everything already due now
		es.after(context, "child", record, 0.0)
		return nil
	}
	es.after(rec, "parent", chain, 1.0)
	es.after(rec, "sibling", record, 1.0)
	es.Run(2.0)
	assert.Equal(t, []string{"parent", "sibling", "child"}, rec.names)
	assert.Equal(t, []float64{1.0, 1.0, 1.0}, rec.times)
}

func TestSchedulerRejectsBadDelay(t *testing.T) {
	es := CreateEventScheduler()
	_, err := es.Schedule(nil, nil, record, -0.001)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))

	_, err = es.Schedule(nil, nil, record, math.NaN())
	assert.ErrorIs(t, err, ErrConfig)

	_, err = es.Schedule(nil, nil, nil, 1.0)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Equal(t, 0, es.Pending())
}

func TestSchedulerRunLimitIsExclusive(t *testing.T) {
	es := CreateEventScheduler()
	rec := &recorder{}
	es.after(rec, "before", record, 4.999)
	es.after(rec, "at", record, 5.0)

	es.Run(5.0)
	assert.Equal(t, []string{"before"}, rec.names)
	assert.Equal(t, 5.0, es.CurrentSeconds())
	assert.Equal(t, 1, es.Pending())

	// resuming picks up where the last run stopped
	es.Run(6.0)
	assert.Equal(t, []string{"before", "at"}, rec.names)
	assert.Equal(t, 6.0, es.CurrentSeconds())
}

func TestSchedulerCancel(t *testing.T) {
	es := CreateEventScheduler()
	rec := &recorder{}
	keep := es.after(rec, "keep", record, 1.0)
	drop := es.after(rec, "drop", record, 2.0)

	assert.True(t, es.Cancel(drop))
	assert.False(t, es.Cancel(drop))
	assert.False(t, es.Cancel(12345))

	es.Run(3.0)
	assert.Equal(t, []string{"keep"}, rec.names)
	assert.False(t, es.Cancel(keep))
}

func TestSchedulerStop(t *testing.T) {
	es := CreateEventScheduler()
	rec := &recorder{}
	stopper := func(es *EventScheduler, context any, data any) any {
		record(es, context, data)
		es.Stop()
		return nil
	}
	es.after(rec, "one", record, 1.0)
	es.after(rec, "stop", stopper, 2.0)
	es.after(rec, "never", record, 2.0)
	es.after(rec, "later", record, 3.0)

	es.Run(10.0)
	assert.Equal(t, []string{"one", "stop"}, rec.names)
	assert.True(t, es.Stopped())
	assert.Equal(t, 0, es.Pending())
	assert.Equal(t, 2.0, es.CurrentSeconds())

	assert.Panics(t, func() { es.after(rec, "too late", record, 1.0) })
}

func TestSchedulerCurrentTime(t *testing.T) {
	es := CreateEventScheduler()
	es.Run(1.5)
	vrt := es.CurrentTime()
	assert.InDelta(t, 1.5, vrt.Seconds(), 1e-6)
}
