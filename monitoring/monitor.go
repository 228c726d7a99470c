// Package monitoring serves the state of a running device over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sarchlab/cpring/device"
	"github.com/sarchlab/cpring/idgen"
	"github.com/sarchlab/cpring/monitoring/web"
	"github.com/sarchlab/cpring/ringbuffer"
	"github.com/sarchlab/cpring/snapshot"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// Device is the part of a device that the monitor uses.
type Device interface {
	Name() string
	Status() device.Status
	Contexts() []device.ContextStatus
	Context(id uint32) (device.ContextStatus, bool)
	RingView() ringbuffer.View
	LastCapture() *snapshot.Capture
	Recover() error
}

// Monitor turns a device into a server that can be inspected from a browser.
type Monitor struct {
	device      Device
	gatherer    prometheus.Gatherer
	portNumber  int
	openBrowser bool
	ids         idgen.Generator

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		gatherer: prometheus.DefaultGatherer,
		ids:      idgen.NewSequential("progress-"),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithGatherer sets where /metrics reads from.
func (m *Monitor) WithGatherer(g prometheus.Gatherer) *Monitor {
	m.gatherer = g
	return m
}

// WithBrowser opens the dashboard in a browser once the server is up.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// RegisterDevice sets the device to be monitored.
func (m *Monitor) RegisterDevice(d Device) {
	m.device = d
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        m.ids.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the handler of every route of the monitor.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/state", m.state).Methods(http.MethodGet)
	r.HandleFunc("/api/contexts", m.listContexts).Methods(http.MethodGet)
	r.HandleFunc("/api/context/{id}", m.contextDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/ring", m.ring).Methods(http.MethodGet)
	r.HandleFunc("/api/recover", m.recover).Methods(http.MethodPost)
	r.HandleFunc("/api/snapshot", m.snapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns the URL it
// serves.
func (m *Monitor) StartServer() (string, error) {
	if m.device == nil {
		return "", errors.New("monitoring: no device registered")
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", fmt.Errorf("monitoring: %w", err)
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	fmt.Fprintf(os.Stderr, "Monitoring %s with %s\n", m.device.Name(), url)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Panic(err)
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
		}
	}

	return url, nil
}

// StopServer shuts the server down.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.device.Status())
}

type contextRsp struct {
	ID          uint32 `json:"id"`
	Flags       string `json:"flags"`
	PageTable   uint32 `json:"page_table"`
	ResetStatus string `json:"reset_status"`
	Queued      uint32 `json:"queued"`
	Retired     uint32 `json:"retired"`
}

func toContextRsp(c device.ContextStatus) contextRsp {
	return contextRsp{
		ID:          c.ID,
		Flags:       c.Flags.String(),
		PageTable:   c.PageTable,
		ResetStatus: c.ResetStatus.String(),
		Queued:      c.Queued,
		Retired:     c.Retired,
	}
}

func (m *Monitor) listContexts(w http.ResponseWriter, _ *http.Request) {
	contexts := m.device.Contexts()

	rsp := make([]contextRsp, len(contexts))
	for i, c := range contexts {
		rsp[i] = toContextRsp(c)
	}

	writeJSON(w, rsp)
}

// contextDetails serializes one context. The field query parameter selects a
// dotted path inside the context.
func (m *Monitor) contextDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		http.Error(w, "bad context id", http.StatusBadRequest)
		return
	}

	ctx, ok := m.device.Context(uint32(id))
	if !ok {
		http.Error(w, fmt.Sprintf("context %d not found", id),
			http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&ctx)
	serializer.SetMaxDepth(2)

	if field := r.URL.Query().Get("field"); field != "" {
		if err := serializer.SetEntryPoint(strings.Split(field, ".")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	dieOnErr(serializer.Serialize(w))
}

type ringRsp struct {
	Size  uint32   `json:"size"`
	Wptr  uint32   `json:"wptr"`
	Rptr  uint32   `json:"rptr"`
	Words []uint32 `json:"words,omitempty"`
}

// ring reports the ring pointers. With words=true it also dumps the ring.
func (m *Monitor) ring(w http.ResponseWriter, r *http.Request) {
	status := m.device.Status()
	rsp := ringRsp{
		Size: status.RingSize,
		Wptr: status.Wptr,
		Rptr: status.Rptr,
	}

	if r.URL.Query().Get("words") == "true" {
		rsp.Words = m.device.RingView().Words
	}

	writeJSON(w, rsp)
}

type recoverRsp struct {
	Recoveries uint64 `json:"recoveries"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
}

func (m *Monitor) recover(w http.ResponseWriter, _ *http.Request) {
	err := m.device.Recover()
	status := m.device.Status()

	rsp := recoverRsp{
		Recoveries: status.Recoveries,
		State:      status.State,
	}

	if err != nil {
		rsp.Error = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		dieOnErr(json.NewEncoder(w).Encode(rsp))

		return
	}

	writeJSON(w, rsp)
}

func (m *Monitor) snapshot(w http.ResponseWriter, _ *http.Request) {
	c := m.device.LastCapture()
	if c == nil {
		http.Error(w, "no snapshot taken", http.StatusNotFound)
		return
	}

	writeJSON(w, c)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]progressBarRsp, len(m.progressBars))
	for i, b := range m.progressBars {
		bars[i] = b.snapshot()
	}

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
