package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	NumActiveClients  = "NumActiveClients"
	NumActiveRooms    = "NumActiveRooms"
	MessagesIngested  = "MessagesIngested"
	MessagesDelivered = "MessagesDelivered"
	DeliveryFailures  = "DeliveryFailures"
	PersistenceErrors = "PersistenceErrors"
	HistoryReplays    = "HistoryReplays"
	AuthFailures      = "AuthFailures"
)

// gauges move in paired Incr/Decr steps and are applied directly so no
// update is lost when the queue is full.
var gauges = map[string]bool{
	NumActiveClients: true,
	NumActiveRooms:   true,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Add(name string, delta int)
	RegisterMetric(name string)
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	mu         sync.RWMutex
	stopped    bool
}

type metricsUpdateReq struct {
	name  string
	value int
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater and mounts its handler on mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
		// not published globally so several updaters can coexist in tests
		vars: new(expvar.Map).Init(),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			continue
		}

		metric.Add(int64(req.value))
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.Add(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.Add(name, -1)
}

// Add applies gauge updates immediately. Counter updates are queued without
// blocking and dropped when the queue is full.
func (su *StatsUpdater) Add(name string, delta int) {
	if gauges[name] {
		if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
			metric.Add(int64(delta))
		}
		return
	}

	su.mu.RLock()
	defer su.mu.RUnlock()

	if su.stopped {
		return
	}

	select {
	case su.updateChan <- &metricsUpdateReq{name: name, value: delta}:
	default:
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) != nil {
		return
	}
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Value(name string) int64 {
	if metric, ok := su.vars.Get(name).(*expvar.Int); ok {
		return metric.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	su.mu.Lock()
	defer su.mu.Unlock()

	if !su.stopped {
		su.stopped = true
		close(su.updateChan)
	}
}
