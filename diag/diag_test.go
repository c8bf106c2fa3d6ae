package diag

import (
	"context"
	"encoding/json"
	"expvar"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	qh, qhFree, qhUsed       int
	desc, descFree, descUsed int
	scheduleLen              int
	scheduleErr              error
	interrupts               int
}

func (f *fakeStats) QueueHeadPoolStats() (int, int, int)  { return f.qh, f.qhFree, f.qhUsed }
func (f *fakeStats) DescriptorPoolStats() (int, int, int) { return f.desc, f.descFree, f.descUsed }
func (f *fakeStats) ScheduleLength() (int, error)         { return f.scheduleLen, f.scheduleErr }
func (f *fakeStats) InterruptRegistrationCount() int      { return f.interrupts }

func TestStartPublishesExpvarCounters(t *testing.T) {
	src := &fakeStats{qh: 10, qhFree: 4, qhUsed: 6, desc: 20, descFree: 12, descUsed: 8, scheduleLen: 3, interrupts: 2}

	srv := Start("127.0.0.1:0", "diag_test_publish", src, nil)
	defer srv.Stop(context.Background())

	v := expvar.Get("diag_test_publish_queue_head_pool")
	require.NotNil(t, v)
	require.JSONEq(t, `{"total":10,"free":4,"used":6}`, v.String())

	v = expvar.Get("diag_test_publish_schedule_length")
	require.NotNil(t, v)
	require.Equal(t, "3", v.String())

	v = expvar.Get("diag_test_publish_interrupt_registrations")
	require.NotNil(t, v)
	require.Equal(t, "2", v.String())
}

func TestScheduleLengthReportsNegativeOneOnError(t *testing.T) {
	src := &fakeStats{scheduleErr: context.DeadlineExceeded}

	srv := Start("127.0.0.1:0", "diag_test_error", src, nil)
	defer srv.Stop(context.Background())

	v := expvar.Get("diag_test_error_schedule_length")
	require.Equal(t, "-1", v.String())
}

func TestServeHTTPExposesExpvarHandler(t *testing.T) {
	src := &fakeStats{qh: 1, qhFree: 1}

	addr := "127.0.0.1:18099"
	srv := Start(addr, "diag_test_http", src, nil)
	defer srv.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/debug/vars")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var parsed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &parsed))
	require.Contains(t, parsed, "diag_test_http_queue_head_pool")
}
