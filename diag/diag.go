// Package diag implements the optional HTTP diagnostics server: live
// expvar counters for descriptor-pool occupancy, schedule length and
// interrupt-registration count, rendered by github.com/mkevac/debugcharts'
// charts UI — kept from the teacher's own go.mod and never started
// unless a caller explicitly asks for it (cmd/usbhostd -diag).
package diag

import (
	"context"
	"expvar"
	"log"
	"net/http"

	_ "github.com/mkevac/debugcharts"
)

// Stats is the narrow interface diag polls for live counter values.
// usb/ehci.Driver and usb/uhci.Driver both implement it over their own
// pool/schedule state without diag importing either package directly.
type Stats interface {
	QueueHeadPoolStats() (total, free, used int)
	DescriptorPoolStats() (total, free, used int)
	ScheduleLength() (int, error)
	InterruptRegistrationCount() int
}

// Server owns the expvar counters published against one Stats source
// and the HTTP listener serving them alongside debugcharts' charts UI.
type Server struct {
	http   *http.Server
	logger *log.Logger
}

// Start registers a set of expvar counters against src, labeled with
// name (so multiple controllers can each publish under a distinct
// prefix), and begins serving http.DefaultServeMux — which
// debugcharts' init() has already populated with its own handlers — on
// addr. The listener runs in a background goroutine; Start returns
// immediately.
func Start(addr string, name string, src Stats, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "diag: ", log.LstdFlags)
	}

	expvar.Publish(name+"_queue_head_pool", expvar.Func(func() interface{} {
		total, free, used := src.QueueHeadPoolStats()
		return map[string]int{"total": total, "free": free, "used": used}
	}))
	expvar.Publish(name+"_descriptor_pool", expvar.Func(func() interface{} {
		total, free, used := src.DescriptorPoolStats()
		return map[string]int{"total": total, "free": free, "used": used}
	}))
	expvar.Publish(name+"_schedule_length", expvar.Func(func() interface{} {
		n, err := src.ScheduleLength()
		if err != nil {
			return -1
		}
		return n
	}))
	expvar.Publish(name+"_interrupt_registrations", expvar.Func(func() interface{} {
		return src.InterruptRegistrationCount()
	}))

	srv := &http.Server{Addr: addr, Handler: http.DefaultServeMux}
	s := &Server{http: srv, logger: logger}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("diagnostics server stopped: %v", err)
		}
	}()

	logger.Printf("diagnostics server listening on %s (charts at /debug/charts/)", addr)

	return s
}

// Stop gracefully shuts the diagnostics server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
