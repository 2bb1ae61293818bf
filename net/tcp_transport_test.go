package net

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lcx/packetflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoReceiver() Receiver {
	return ReceiverFunc(func(d *Delivery) error {
		return d.Reply(context.Background(), map[string]any{"echo": d.Packet.Payload})
	})
}

func startTransport(t *testing.T, scfg *SessionCfg) *TCPTransport {
	t.Helper()
	tr := NewTCPTransportWithConfig(&TCPTransportCfg{Addr: "127.0.0.1:0", IdleTimeout: time.Minute}, scfg)
	require.NoError(t, tr.Start(echoReceiver()))
	t.Cleanup(func() { assert.NoError(t, tr.Stop()) })
	return tr
}

func TestTCPTransportRequest(t *testing.T) {
	scfg := &SessionCfg{Transport: "tcp", Delimiter: "\n", HeadDelimiter: "\r\n\r\n", Encoding: EncodingLZ4}
	tr := startTransport(t, scfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, tr.Addr().String(), scfg)
	require.NoError(t, err)
	defer client.Destroy()

	for _, msg := range []string{"one", "two"} {
		resp, err := client.Request(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"echo": msg}, resp.Payload)
	}
	assert.Len(t, tr.Sessions(), 1)
}

func TestTCPTransportSendTo(t *testing.T) {
	scfg := &SessionCfg{Delimiter: "\n"}
	tr := startTransport(t, scfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, tr.Addr().String(), scfg)
	require.NoError(t, err)
	defer client.Destroy()

	// one round trip makes sure the server accepted the connection
	_, err = client.Request(ctx, "hello")
	require.NoError(t, err)
	ids := tr.Sessions()
	require.Len(t, ids, 1)

	got := make(chan *Packet, 1)
	go func() {
		for pkt, err := range client.Receive(ctx) {
			if err == nil {
				got <- pkt
				return
			}
		}
	}()
	// the receive loop subscribes asynchronously, so push until it sees one
	var p *Packet
	require.Eventually(t, func() bool {
		if err := tr.SendTo(ctx, ids[0], "pushed"); err != nil {
			return false
		}
		select {
		case p = <-got:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pushed", p.Payload)

	require.NoError(t, tr.CloseConn(ids[0]))
	assert.Empty(t, tr.Sessions())
	assert.Error(t, tr.SendTo(ctx, ids[0], "gone"))
}

func TestTCPTransportInvalidSessionConfig(t *testing.T) {
	tr := NewTCPTransportWithConfig(&TCPTransportCfg{Addr: "127.0.0.1:0"}, &SessionCfg{CountLen: 12})
	assert.Error(t, tr.Start(echoReceiver()))
	assert.NoError(t, tr.Stop())
}

func TestTCPTransportCfgValidate(t *testing.T) {
	assert.NoError(t, (&TCPTransportCfg{Addr: ":0"}).Validate())
	assert.Error(t, (&TCPTransportCfg{}).Validate())
	assert.Error(t, (&TCPTransportCfg{Addr: ":0", MaxBufferSize: -1}).Validate())
	assert.Error(t, (&TCPTransportCfg{Addr: ":0", IdleTimeout: -time.Second}).Validate())
	assert.Error(t, (&TCPTransportCfg{Addr: ":0", MaxConns: -1}).Validate())
}

func TestTCPTransportWithConfigManager(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
	}
	write(TCPTransportCfgName, "addr: 127.0.0.1:0\nmaxConns: 4\n")
	write(SessionCfgName, "delimiter: \"|\"\nsendRate: 1000\n")

	cm := config.NewConfigManager()
	defer cm.Close()
	cm.SetBasePath(dir)

	tr, err := NewTCPTransportWithConfigManager(cm)
	require.NoError(t, err)
	assert.Equal(t, 4, tr.cfg.Load().MaxConns)
	assert.Equal(t, "|", tr.sessionCfg.Load().Delimiter)

	next := &SessionCfg{Delimiter: "|", SendRate: 10}
	require.NoError(t, tr.OnConfigChanged(SessionCfgName, next, tr.sessionCfg.Load()))
	assert.Same(t, next, tr.sessionCfg.Load())
	assert.Error(t, tr.OnConfigChanged(TCPTransportCfgName, &TCPTransportCfg{}, nil))

	_, err = NewTCPTransportWithConfigManager(nil)
	assert.Error(t, err)
}
