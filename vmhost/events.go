package vmhost

import (
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/mdlayher/vsock"
)

// Notification types sent by the guest payload on the ready port.
const (
	EventPayloadStarted  = "payload_started"
	EventPayloadReady    = "payload_ready"
	EventPayloadFinished = "payload_finished"
	EventError           = "error"
)

// Notification is one newline-delimited JSON message from the guest.
type Notification struct {
	Event    string `json:"event"`
	ExitCode int    `json:"exit_code,omitempty"`
	Code     int    `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// acceptNotifications accepts guest connections on ln and forwards decoded
// notifications to deliver until ln is closed. Connections from a vsock
// peer other than cid are dropped.
func (v *qemuVM) acceptNotifications(ln net.Listener, cid uint32, deliver func(Notification)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				v.log.Debug("Notification listener stopped", "err", err)
			}
			return
		}

		if addr, ok := conn.RemoteAddr().(*vsock.Addr); ok && addr.ContextID != cid {
			v.log.Warn("Dropping notification connection from unexpected guest",
				"cid", addr.ContextID, "expected", cid)
			conn.Close()
			continue
		}

		go v.readNotifications(conn, deliver)
	}
}

func (v *qemuVM) readNotifications(conn net.Conn, deliver func(Notification)) {
	defer conn.Close()

	dec := json.NewDecoder(io.LimitReader(conn, 1<<20))
	for {
		var n Notification
		if err := dec.Decode(&n); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				v.log.Warn("Failed to decode guest notification", "err", err)
			}
			return
		}
		deliver(n)
	}
}
