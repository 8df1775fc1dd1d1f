package main

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/miretskiy/fluidstone/fluid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// Client message types
type ClientMessage struct {
	Type string `json:"type"`
}

// Server message types
type ServerMessage struct {
	Type    string                 `json:"type"`
	Running *bool                  `json:"running,omitempty"`
	Config  *fluid.FluidOptions    `json:"config,omitempty"`
	State   map[string]interface{} `json:"state,omitempty"`
}

// demo drives synthetic writes through the reference engine while the
// controller reacts to flush events.
type demo struct {
	engine    *fluid.MemEngine
	compactor *fluid.FluidCompactor
	src       fluid.KeySource
	opt       fluid.FluidOptions

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

func newDemo(opt fluid.FluidOptions, metrics *fluid.Collectors, lg *zap.Logger) (*demo, error) {
	engineOpt := fluid.DefaultMemEngineOptions()
	engineOpt.WriteBufferSize = opt.BufferSize
	engineOpt.BitsPerElement = opt.BitsPerElement
	engineOpt.SlowdownTrigger = 2 * opt.LowerLevelRunMax
	engine, err := fluid.NewMemEngine(engineOpt, lg)
	if err != nil {
		return nil, err
	}

	compactor := fluid.NewFluidCompactor(engine, opt, lg, metrics)
	engine.SubscribeFlush(compactor)

	return &demo{
		engine:    engine,
		compactor: compactor,
		src:       fluid.NewRandomKeySource(),
		opt:       opt,
		stopCh:    make(chan struct{}),
	}, nil
}

func (d *demo) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
}

func (d *demo) pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
}

func (d *demo) isRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *demo) stop() { close(d.stopCh) }

// writeLoop issues a burst of writes per tick while running.
func (d *demo) writeLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if !d.isRunning() {
				continue
			}
			for i := 0; i < 50; i++ {
				key, value := d.src.KVPair(int(d.opt.EntrySize))
				d.engine.Put(key, value, fluid.WriteOptions{})
			}
		}
	}
}

func (d *demo) state() map[string]interface{} {
	snap := fluid.TakeSnapshot(d.engine)
	levels := make([]map[string]interface{}, len(snap.Levels))
	for i, level := range snap.Levels {
		var size uint64
		compacting := 0
		for _, f := range level.Files {
			size += f.Size
			if f.BeingCompacted {
				compacting++
			}
		}
		levels[i] = map[string]interface{}{
			"level":           i,
			"fileCount":       len(level.Files),
			"sizeBytes":       size,
			"compactingFiles": compacting,
		}
	}
	return map[string]interface{}{
		"levels":          levels,
		"compactionsLeft": d.compactor.CompactionsLeft(),
	}
}

// safeConn wraps a WebSocket connection with a mutex to prevent concurrent writes
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

// uiUpdateLoop periodically pushes controller state to the client.
func uiUpdateLoop(conn *safeConn, d *demo, metrics *fluid.Collectors, lg *zap.Logger) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			lg.Info("ui update loop stopping")
			return
		case <-ticker.C:
			if !d.isRunning() {
				continue
			}
			metrics.ObserveSnapshot(fluid.TakeSnapshot(d.engine))
			msg := ServerMessage{Type: "state", State: d.state()}
			if err := conn.WriteJSON(msg); err != nil {
				lg.Warn("error sending state", zap.Error(err))
				return
			}
		}
	}
}

func handleWebSocket(opt fluid.FluidOptions, metrics *fluid.Collectors, lg *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			lg.Warn("error upgrading connection", zap.Error(err))
			return
		}
		defer conn.Close()

		safe := &safeConn{Conn: conn}
		lg.Info("client connected")

		d, err := newDemo(opt, metrics, lg)
		if err != nil {
			lg.Error("error creating demo", zap.Error(err))
			return
		}
		go d.writeLoop()
		go uiUpdateLoop(safe, d, metrics, lg)

		running := false
		safe.WriteJSON(ServerMessage{Type: "status", Running: &running, Config: &opt})

		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					lg.Warn("error reading message", zap.Error(err))
				}
				break
			}

			switch msg.Type {
			case "start":
				d.start()
			case "pause":
				d.pause()
			}
			running := d.isRunning()
			safe.WriteJSON(ServerMessage{Type: "status", Running: &running, Config: &opt})
		}

		d.stop()
		lg.Info("client disconnected")
	}
}

func serveHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><body>
<h1>fluidstone</h1>
<p>Live controller state: connect to <code>/ws</code>. Metrics at <a href="/metrics">/metrics</a>.</p>
</body></html>`)
}

func main() {
	lg, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot build logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	opt := fluid.LoadOptions(fluid.ConfigFileName, lg)
	metrics := initMetrics()

	r := chi.NewRouter()
	r.Get("/", serveHome)
	r.Get("/ws", handleWebSocket(opt, metrics, lg))
	r.Handle("/metrics", metricsHandler())
	r.Get("/quitquitquit", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Server shutting down...")
		go func() {
			time.Sleep(100 * time.Millisecond)
			os.Exit(0)
		}()
	})

	addr := ":8080"
	lg.Info("server starting",
		zap.String("http", "http://localhost"+addr),
		zap.String("ws", "ws://localhost"+addr+"/ws"))
	if err := http.ListenAndServe(addr, r); err != nil {
		lg.Fatal("server failed", zap.Error(err))
	}
}
