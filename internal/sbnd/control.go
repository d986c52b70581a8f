package sbnd

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/igankevich/sbnd/internal/sbnproc"
)

// controlRequest is one control-CLI invocation (spec §6 "Control CLI").
type controlRequest struct {
	Verb string   `json:"verb"`
	Args []string `json:"args,omitempty"`
}

// controlResponse is the JSON reply to a controlRequest.
type controlResponse struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// startControlSocket serves the control CLI over a UNIX-domain socket
// (spec §6 "A secondary UNIX-domain socket per daemon exposes the
// control/status kernels"), one JSON request/response pair per
// websocket message.
func (d *Daemon) startControlSocket(ctx context.Context) {
	path := d.cfg.Global.ControlSocket
	if path == "" {
		return
	}
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		d.log.Error("failed to bind control socket", sbnlog.KV("path", path), sbnlog.KVErr(err))
		d.code |= ExitBindFailure
		return
	}
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleControl(ctx))
	srv := &http.Server{Handler: mux}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := srv.Serve(l)
		if err != nil && err != http.ErrServerClosed {
			d.log.Warn("control socket server exited", sbnlog.KVErr(err))
		}
	}()
	go func() {
		<-d.die
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()
}

func (d *Daemon) handleControl(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.log.Warn("control socket upgrade failed", sbnlog.KVErr(err))
			return
		}
		defer conn.Close()
		for {
			var req controlRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := d.dispatchControl(ctx, req)
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

func (d *Daemon) dispatchControl(ctx context.Context, req controlRequest) controlResponse {
	switch req.Verb {
	case "status":
		return controlResponse{OK: true, Data: d.statusSnapshot()}
	case "job-status":
		jobs, err := d.jobStatus()
		if err != nil {
			return controlResponse{OK: false, Error: err.Error()}
		}
		return controlResponse{OK: true, Data: jobs}
	case "pipeline-status":
		return controlResponse{OK: true, Data: d.pipelineStatus()}
	case "submit":
		cfg, err := parseAppSpec(req.Args, d.assignAppID())
		if err != nil {
			return controlResponse{OK: false, Error: err.Error()}
		}
		if err := d.SubmitApplication(ctx, cfg); err != nil {
			return controlResponse{OK: false, Error: err.Error()}
		}
		return controlResponse{OK: true, Data: cfg.ID}
	case "terminate":
		ids, err := parseIDs(req.Args)
		if err != nil {
			return controlResponse{OK: false, Error: err.Error()}
		}
		d.TerminateApplications(ids)
		return controlResponse{OK: true}
	default:
		return controlResponse{OK: false, Error: "sbnd: unknown control verb " + req.Verb}
	}
}

func (d *Daemon) statusSnapshot() interface{} {
	d.mu.Lock()
	discs := make([]*snapshotDiscoverer, 0, len(d.discoverers))
	for _, disc := range d.discoverers {
		s := disc.Snapshot()
		discs = append(discs, &snapshotDiscoverer{Snapshot: s})
	}
	d.mu.Unlock()
	return discs
}

type snapshotDiscoverer struct {
	Snapshot interface{} `json:"snapshot"`
}

func (d *Daemon) jobStatus() ([]sbnproc.ApplicationConfig, error) {
	if d.jobs == nil {
		return nil, nil
	}
	return d.jobs.List()
}

// pipelineStatus reports the peer addresses currently connected on the
// socket pipeline (spec §6 "returns per-connection kernel buffers" —
// the buffer contents themselves live inside sbnproto.Connection and
// are not exported; this reports what is observable from the outside,
// the connected peer set).
func (d *Daemon) pipelineStatus() interface{} {
	return d.socket.ConnectedPeers()
}

func parseAppSpec(args []string, id uint64) (sbnproc.ApplicationConfig, error) {
	if len(args) == 0 {
		return sbnproc.ApplicationConfig{}, errInvalidAppSpec
	}
	cfg := sbnproc.ApplicationConfig{ID: id, Name: args[0], Exec: args[0]}
	if len(args) > 1 {
		cfg.Exec = args[1]
	}
	return cfg, nil
}

func parseIDs(args []string) ([]uint64, error) {
	ids := make([]uint64, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, n)
	}
	return ids, nil
}

var errInvalidAppSpec = &controlError{"sbnd: submit requires at least a name/exec argument"}

type controlError struct{ msg string }

func (e *controlError) Error() string { return e.msg }
