package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/cordum/jobrelay/core/controlplane/executor"
	"github.com/cordum/jobrelay/core/infra/bus"
	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/cordum/jobrelay/core/infra/logging"
	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	defaultStreamIdle = 30 * time.Second
	maxInboundMessage = 1024
)

// handleStream relays one job's frames to a websocket client until the
// terminal frame is sent or either side goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	authorized := s.auth.authenticateStream(r)
	kinds, kindErr := bus.ParseKinds(r.URL.Query().Get("stream"))

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("gateway", "ws upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer ws.Close()

	if !authorized {
		logging.Warn("gateway", "ws unauthorized", "job_id", jobID, "remote", r.RemoteAddr)
		closeWithFrame(ws, bus.ErrorFrame("Unauthorized"), websocket.ClosePolicyViolation)
		return
	}
	if kindErr != nil {
		closeWithFrame(ws, bus.ErrorFrame(kindErr.Error()), websocket.CloseUnsupportedData)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := s.store.Get(ctx, jobID); err != nil {
		closeWithFrame(ws, bus.ErrorFrame("job not found"), websocket.CloseNormalClosure)
		return
	}

	channel := bus.Channel(jobID, "")
	if len(kinds) == 1 {
		channel = bus.Channel(jobID, kinds[0])
	}
	sub, err := s.broker.Subscribe(ctx, channel)
	if err != nil {
		logging.Error("gateway", "subscribe failed", "job_id", jobID, "error", err)
		closeWithFrame(ws, bus.ErrorFrame("stream unavailable"), websocket.CloseInternalServerErr)
		return
	}
	defer s.broker.Unsubscribe(sub)
	s.metrics.AddStreamClients(1)
	defer s.metrics.AddStreamClients(-1)

	// A job that finished before the subscription existed replays its end.
	if job, err := s.store.Get(ctx, jobID); err == nil && job.Status.Terminal() {
		closeWithFrame(ws, terminalFrame(job), websocket.CloseNormalClosure)
		return
	}

	idle := s.cfg.StreamIdle
	if idle <= 0 {
		idle = defaultStreamIdle
	}
	readDone := make(chan struct{})
	ws.SetReadLimit(maxInboundMessage)
	_ = ws.SetReadDeadline(time.Now().Add(2 * idle))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * idle))
	})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(idle)
	defer ping.Stop()
	for {
		select {
		case data, ok := <-sub.C():
			if !ok {
				return
			}
			f, err := bus.DecodeFrame(data)
			if err != nil {
				logging.Warn("gateway", "undecodable frame", "job_id", jobID, "error", err)
				continue
			}
			if !f.Terminal() && !wants(kinds, f.Kind()) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if f.Terminal() {
				closeNormally(ws)
				return
			}
		case <-ping.C:
			// A full queue may have dropped the exit frame; the record still
			// holds it once the queue is drained.
			if len(sub.C()) == 0 {
				if job, err := s.store.Get(ctx, jobID); err == nil && job.Status.Terminal() {
					closeWithFrame(ws, terminalFrame(job), websocket.CloseNormalClosure)
					return
				}
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}

// wants reports whether a frame kind passes the client's filter. No filter
// passes everything.
func wants(kinds []string, kind string) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func terminalFrame(job *jobstore.Job) bus.Frame {
	if job.ExitCode != nil {
		return bus.ExitFrame(*job.ExitCode)
	}
	return bus.ExitFrame(executor.CanceledExitCode)
}

func closeWithFrame(ws *websocket.Conn, f bus.Frame, code int) {
	data, err := f.Encode()
	if err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
}

func closeNormally(ws *websocket.Conn) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
