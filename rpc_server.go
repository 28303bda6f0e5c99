package tremord

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/tremorview/tremord/internal/tremordb"
)

// SourceControl is the sub-server that handles configuration and
// operation of the telemetry listener and the synthetic sender.
type SourceControl struct {
	mu          sync.Mutex
	listenerCfg ListenerConfig
	tsMode      TimeMode
	source      *UDPSource
	sender      *WaveSender

	graph *GraphPublisher
	anim  *AnimPublisher

	dbEnabled bool
	dbAbort   chan struct{}
}

// NewSourceControl builds the control object and binds the two data
// PUB sockets, which live for the whole process.
func NewSourceControl() (*SourceControl, error) {
	graph, err := NewGraphPublisher(Ports.Graph)
	if err != nil {
		return nil, fmt.Errorf("cannot bind graph publisher: %w", err)
	}
	anim, err := NewAnimPublisher(Ports.Anim)
	if err != nil {
		graph.Close()
		return nil, fmt.Errorf("cannot bind anim publisher: %w", err)
	}
	return &SourceControl{
		listenerCfg: ListenerConfig{Port: 9870, GraphRate: 10, AnimRate: 30},
		tsMode:      ModeAuto,
		graph:       graph,
		anim:        anim,
	}, nil
}

// Start begins receiving on the configured listener. Starting a running
// listener succeeds without effect.
func (s *SourceControl) Start(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil && s.source.Running() {
		*reply = true
		return nil
	}

	src := NewUDPSource("udp", s.listenerCfg, s.graph, s.anim)
	src.Normalizer().SetMode(s.tsMode)
	if err := src.Start(); err != nil {
		return err
	}
	s.source = src

	if s.dbEnabled {
		s.dbAbort = make(chan struct{})
		session := newSessionMessage(src.SessionID())
		src.AttachDB(tremordb.StartConnection(session, s.dbAbort))
	}
	*reply = true
	return nil
}

// Stop ends the listener run. Stopping an idle listener succeeds
// without effect.
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		s.source.Stop()
	}
	if s.dbAbort != nil {
		closeIfOpen(s.dbAbort)
		s.dbAbort = nil
	}
	*reply = true
	return nil
}

// Status reports the listener's counters and state.
func (s *SourceControl) Status(dummy *string, reply *SourceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = s.listenerStatus()
	return nil
}

func (s *SourceControl) listenerStatus() SourceStatus {
	if s.source == nil {
		return SourceStatus{
			State:         Inactive.String(),
			Host:          s.listenerCfg.Host,
			Port:          s.listenerCfg.Port,
			TimestampMode: s.tsMode.String(),
		}
	}
	return s.source.Status()
}

// ConfigureListener replaces the listener configuration. The expected
// channel count may change while the listener runs; anything else needs
// a stopped listener. The configuration is persisted.
func (s *SourceControl) ConfigureListener(cfg *ListenerConfig, reply *bool) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("listener port %d out of range", cfg.Port)
	}
	if cfg.ExpectedChannels < 0 || cfg.ExpectedChannels > 4096 {
		return fmt.Errorf("expected channel count %d out of range", cfg.ExpectedChannels)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	running := s.source != nil && s.source.Running()
	if running {
		unchanged := *cfg
		unchanged.ExpectedChannels = s.listenerCfg.ExpectedChannels
		if unchanged != s.listenerCfg {
			return fmt.Errorf("stop the listener before changing anything but the expected channel count")
		}
		s.source.SetExpectedChannels(cfg.ExpectedChannels)
	}
	s.listenerCfg = *cfg

	viper.Set("listen", cfg)
	saveConfig()
	queueClientUpdate("LISTENER", s.listenerStatus())
	*reply = true
	return nil
}

// ConfigureSender replaces the waveform parameters, live or not, and
// persists them.
func (s *SourceControl) ConfigureSender(cfg *SenderConfig, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil {
		sender, err := NewWaveSender(*cfg)
		if err != nil {
			return err
		}
		s.sender = sender
	} else if err := s.sender.SetParams(*cfg); err != nil {
		return err
	}

	viper.Set("sender", cfg)
	saveConfig()
	queueClientUpdate("SENDER", s.sender.Status())
	*reply = true
	return nil
}

// StartSender launches the synthetic waveform producer.
func (s *SourceControl) StartSender(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil {
		return fmt.Errorf("sender is not configured; call ConfigureSender first")
	}
	if err := s.sender.Start(); err != nil {
		return err
	}
	queueClientUpdate("SENDER", s.sender.Status())
	*reply = true
	return nil
}

// StopSender ends the waveform producer. Idle sender succeeds.
func (s *SourceControl) StopSender(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender != nil {
		s.sender.Stop()
		queueClientUpdate("SENDER", s.sender.Status())
	}
	*reply = true
	return nil
}

// SetTimestampMode changes how un-annotated timestamps are interpreted.
// Switching away from Relative discards the session base, so a later
// switch back re-anchors on the next packet.
func (s *SourceControl) SetTimestampMode(mode *string, reply *bool) error {
	m, err := ParseTimeMode(*mode)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tsMode = m
	if s.source != nil {
		s.source.Normalizer().SetMode(m)
	}
	viper.Set("timestamp.mode", m.String())
	saveConfig()
	queueClientUpdate("LISTENER", s.listenerStatus())
	*reply = true
	return nil
}

// SendAllStatus causes a broadcast to clients containing all
// broadcastable status info.
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	for _, update := range s.fullStatus() {
		queueClientUpdate(update.tag, update.state)
	}
	*reply = true
	return nil
}

// fullStatus snapshots everything the status port publishes, for the
// periodic tick and for SendAllStatus.
func (s *SourceControl) fullStatus() []ClientUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := []ClientUpdate{
		{tag: "LISTENER", state: s.listenerStatus()},
	}
	if s.sender != nil {
		updates = append(updates, ClientUpdate{tag: "SENDER", state: s.sender.Status()})
	}
	return updates
}

// restoreConfig transfers saved configuration from viper to the control
// object before the server accepts connections.
func (s *SourceControl) restoreConfig() {
	var lc ListenerConfig
	if err := viper.UnmarshalKey("listen", &lc); err == nil && lc.Port != 0 {
		s.mu.Lock()
		s.listenerCfg = lc
		s.mu.Unlock()
	}
	if modeName := viper.GetString("timestamp.mode"); modeName != "" {
		if m, err := ParseTimeMode(modeName); err == nil {
			s.mu.Lock()
			s.tsMode = m
			s.mu.Unlock()
		}
	}
	var sc SenderConfig
	if err := viper.UnmarshalKey("sender", &sc); err == nil && sc.Channels != 0 {
		if sender, err := NewWaveSender(sc); err == nil {
			s.mu.Lock()
			s.sender = sender
			s.mu.Unlock()
		}
	}
	s.mu.Lock()
	s.dbEnabled = viper.GetBool("db.enabled")
	s.mu.Unlock()
}

func saveConfig() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("cannot write config file: %v", err)
	}
}

func newSessionMessage(id string) *tremordb.SessionMessage {
	hostname, _ := os.Hostname()
	return &tremordb.SessionMessage{
		ID:        id,
		Hostname:  hostname,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
func RunRPCServer(sourceControl *SourceControl, portrpc int) error {
	sourceControl.restoreConfig()
	UpdateLogger.Printf("tremord is using config file %s", viper.ConfigFileUsed())

	server := rpc.NewServer()
	if err := server.Register(sourceControl); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return fmt.Errorf("RPC listen error: %w", err)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("RPC accept error: %w", err)
		}
		UpdateLogger.Printf("new RPC connection established")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
