// Package dataplane is the control-plane-facing facade (§6.2): it owns the
// process-wide packet pool and source-entry budget, creates and destroys
// channels, and exposes the lifecycle/API surface a control plane would
// call against this core.
package dataplane

import (
	"io"
	"sync"

	"github.com/arzzra/vqec-dataplane/pkg/dperrors"
	"github.com/arzzra/vqec-dataplane/pkg/logging"
	"github.com/arzzra/vqec-dataplane/pkg/metrics"
	"github.com/arzzra/vqec-dataplane/pkg/rtp"
	"github.com/arzzra/vqec-dataplane/pkg/shim"
	"github.com/prometheus/client_golang/prometheus"
)

// InitParams mirrors §6.2's module_init capacities.
type InitParams struct {
	MaxChannels        int
	MaxStreamsPerChan  int
	PakPoolSize        int
	MaxPakSize         int
	MaxTuners          int
	OutputQLimit       int
	MaxIOBufCount      int
	IOBufRecvTimeoutMS int
	AppPaksPerRCC      int
	AppCopyDelayMS     int

	Log      logging.Logger
	Registry *prometheus.Registry
}

// applyDefaults fills in the teacher-style sane defaults for zero fields.
func (p *InitParams) applyDefaults() {
	if p.MaxChannels == 0 {
		p.MaxChannels = 64
	}
	if p.MaxStreamsPerChan == 0 {
		p.MaxStreamsPerChan = 3
	}
	if p.PakPoolSize == 0 {
		p.PakPoolSize = 4096
	}
	if p.MaxPakSize == 0 {
		p.MaxPakSize = rtp.MaxPakSize
	}
	if p.AppPaksPerRCC == 0 {
		p.AppPaksPerRCC = 1
	}
	if p.Log == nil {
		p.Log = logging.NewDefault(io.Discard, logging.LevelInfo)
	}
	if p.Registry == nil {
		p.Registry = prometheus.NewRegistry()
	}
}

// Module is the top-level dataplane instance (§6.2 module_init/module_deinit).
// One Module owns the process-wide packet pool and the global source-entry
// budget shared across every channel it creates.
type Module struct {
	mu sync.Mutex

	params  InitParams
	pool    *rtp.Pool
	emerg   *rtp.Emergency
	metrics *metrics.Collector
	limiter *logging.RateLimiter
	log     logging.Logger

	sourceBudget int
	channels     map[string]*rtp.Channel
	debug        *DebugFlags

	shim  *shim.Shim
	eject *EjectQueue

	initialized bool
	shutdown    bool
}

// ModuleInit constructs a Module per §6.2. Each call returns a new,
// independent Module; it does not check for an earlier one and never
// returns ALREADY_INITIALIZED.
func ModuleInit(params InitParams) (*Module, error) {
	params.applyDefaults()

	m := &Module{
		params:       params,
		pool:         rtp.NewPool(params.PakPoolSize),
		emerg:        rtp.NewEmergencyBuffer(),
		metrics:      metrics.NewCollector(params.Registry),
		limiter:      logging.NewRateLimiter(rtp.TooManySourcesLogInterval),
		log:          params.Log.WithComponent("dataplane"),
		sourceBudget: params.PakPoolSize,
		channels:     make(map[string]*rtp.Channel),
		debug:        NewDebugFlags(),
		initialized:  true,
	}
	m.initShim()
	return m, nil
}

// ModuleDeinit tears the module down. Safe to call once; a second call
// returns SHUTDOWN.
func (m *Module) ModuleDeinit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return dperrors.Of(dperrors.SHUTDOWN)
	}
	m.shutdown = true
	m.shim.Shutdown()
	m.channels = nil
	return nil
}

// CreateChannel implements the "graph_create" step of §6.2: it builds a
// Channel backed by this Module's shared pool and source budget.
func (m *Module) CreateChannel(name string, multicast bool) (*rtp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, dperrors.Of(dperrors.SHUTDOWN)
	}
	if _, exists := m.channels[name]; exists {
		return nil, dperrors.Of(dperrors.EXISTS)
	}
	if len(m.channels) >= m.params.MaxChannels {
		return nil, dperrors.Of(dperrors.NOMORESTREAMS)
	}

	ch := rtp.NewChannel(name, multicast, m.pool, rtp.NewStubPCM(), m.log, m.metrics, m.limiter, &m.sourceBudget)
	m.channels[name] = ch
	return ch, nil
}

// DestroyChannel removes a channel created by CreateChannel.
func (m *Module) DestroyChannel(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[name]; !exists {
		return dperrors.Of(dperrors.NOT_FOUND)
	}
	delete(m.channels, name)
	return nil
}

// Channel looks up a previously created channel by name.
func (m *Module) Channel(name string) (*rtp.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil, dperrors.Of(dperrors.NOSUCHSTREAM)
	}
	return ch, nil
}

// Pool exposes the shared packet pool, e.g. for a shim scheduler adapter.
func (m *Module) Pool() *rtp.Pool { return m.pool }

// Metrics exposes the shared metrics collector.
func (m *Module) Metrics() *metrics.Collector { return m.metrics }

// DebugFlags exposes the module's debug-flag bitset (§9 "Capability
// negotiation → tagged-variant dispatch" companion: operational toggles,
// not wired through the RCC event path and not consulted by the service loop).
func (m *Module) DebugFlags() *DebugFlags { return m.debug }

// StartRCC implements §6.2's start_rcc entry point, beginning a rapid-
// channel-change burst on channelName's repair-stream state machine.
func (m *Module) StartRCC(channelName string) error {
	ch, err := m.Channel(channelName)
	if err != nil {
		return err
	}
	return ch.StartRCC()
}

// AbortRCC implements §6.2's abort_rcc entry point for a channel's repair
// stream RCC state, if the channel has one attached.
func (m *Module) AbortRCC(channelName string) error {
	ch, err := m.Channel(channelName)
	if err != nil {
		return err
	}
	return ch.AbortRCC()
}

// ProcessAPP implements §6.2's chan_process_app entry point: the repair
// stream's RCC APP packet supplies the first expected repair sequence
// number, arming the hold queue and advancing the state machine.
func (m *Module) ProcessAPP(channelName string, firstSeq uint16) error {
	ch, err := m.Channel(channelName)
	if err != nil {
		return err
	}
	return ch.ProcessAPP(firstSeq)
}

// GetGapReport implements §6.2's chan_get_gap_report entry point.
func (m *Module) GetGapReport(channelName string) (rtp.GapReport, error) {
	ch, err := m.Channel(channelName)
	if err != nil {
		return rtp.GapReport{}, err
	}
	return ch.GetGapReport(), nil
}

// ClearStats implements §6.2's chan_clear_stats entry point.
func (m *Module) ClearStats(channelName string) error {
	ch, err := m.Channel(channelName)
	if err != nil {
		return err
	}
	ch.ClearStats()
	return nil
}

// PollUpcallIRQ implements §6.2's chan_poll_upcall_irq: it returns the
// coalesced reason bitmask pending for channelName without clearing it,
// for a control plane that wants to peek before committing to handle it.
func (m *Module) PollUpcallIRQ(channelName string) (rtp.UpcallReason, bool, error) {
	ch, err := m.Channel(channelName)
	if err != nil {
		return 0, false, err
	}
	return ch.Upcalls.Peek()
}

// AckUpcallIRQ implements §6.2's chan_ack_upcall_irq: it drains and clears
// the coalesced reason bitmask pending for channelName, returning
// NOPENDINGIRQ if nothing was outstanding (§7).
func (m *Module) AckUpcallIRQ(channelName string) (rtp.UpcallReason, error) {
	ch, err := m.Channel(channelName)
	if err != nil {
		return 0, err
	}
	reasons, _, ok := ch.Upcalls.Drain()
	if !ok {
		return 0, dperrors.Of(dperrors.NOPENDINGIRQ)
	}
	return reasons, nil
}
