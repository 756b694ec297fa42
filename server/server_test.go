package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/cdcrelay/auth"
	"github.com/maxpert/cdcrelay/capture"
	"github.com/maxpert/cdcrelay/client"
	"github.com/maxpert/cdcrelay/encoding"
	"github.com/maxpert/cdcrelay/protocol"
	"github.com/maxpert/cdcrelay/stream"
)

const testConfiguration = "cluster_url=http://rs.internal/services cluster_user=reader@tenant"

type relay struct {
	srv      *Server
	registry *stream.Registry
	invoker  *capture.MemoryInvoker
}

func startRelay(t *testing.T, authn auth.Authenticator, admin http.Handler) *relay {
	t.Helper()

	inv := capture.NewMemoryInvoker()
	mgr := capture.NewManager()
	mgr.Register(protocol.KindOceanBase, inv)

	pool := stream.NewEncodePool(2, 64)
	t.Cleanup(pool.Stop)

	reg := stream.NewRegistry(stream.RegistryConfig{
		Capture: mgr,
		Pool:    pool,
		Pipeline: stream.PipelineConfig{
			InboundSize:  64,
			OutboundSize: 16,
			WaitNum:      16,
			WaitTime:     5 * time.Millisecond,
		},
		DetectInterval: time.Hour,
		SourceLease:    time.Hour,
		InitTimeout:    time.Hour,
		PathRetain:     time.Hour,
	})

	srv := New(Config{
		BindAddress:      "127.0.0.1",
		AdvertiseIP:      "10.0.0.1",
		CountRecords:     true,
		HandshakeTimeout: 2 * time.Second,
		Admin:            admin,
	}, reg, authn)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
		reg.Stop()
	})
	return &relay{srv: srv, registry: reg, invoker: inv}
}

// peer is a raw protocol connection used to play a client or a capture agent
type peer struct {
	nc  net.Conn
	dec *protocol.Decoder
}

func dialPeer(t *testing.T, addr net.Addr, role protocol.Role) *peer {
	t.Helper()
	nc, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &peer{nc: nc, dec: protocol.NewDecoder(role)}
}

func (p *peer) send(t *testing.T, b []byte) {
	t.Helper()
	_, err := p.nc.Write(b)
	require.NoError(t, err)
}

func (p *peer) next(t *testing.T) protocol.Message {
	t.Helper()
	_ = p.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	for {
		msg, err := p.dec.Next()
		if err == nil {
			return msg
		}
		require.ErrorIs(t, err, protocol.ErrNeedMore)
		n, err := p.nc.Read(buf)
		require.NoError(t, err)
		p.dec.Feed(buf[:n])
	}
}

// awaitClosed waits for the relay to close the connection
func (p *peer) awaitClosed(t *testing.T) {
	t.Helper()
	_ = p.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	for {
		_, err := p.nc.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("connection was not closed")
		}
		return
	}
}

func subscribe(t *testing.T, r *relay, clientID string) (*peer, protocol.Message) {
	t.Helper()
	p := dialPeer(t, r.srv.ProxyAddr(), protocol.RoleClient)
	hs, err := protocol.EncodeClientHandshake(&protocol.ClientHandshake{
		Version:       protocol.V1,
		Kind:          protocol.KindOceanBase,
		ClientIP:      "192.168.1.7",
		ClientID:      clientID,
		ClientVersion: "1.1.0",
		Configuration: testConfiguration,
	})
	require.NoError(t, err)
	p.send(t, hs)
	return p, p.next(t)
}

func bindAgent(t *testing.T, r *relay, clientID, pid string) (*peer, protocol.Message) {
	t.Helper()
	p := dialPeer(t, r.srv.CaptureAddr(), protocol.RoleSource)
	hs, err := protocol.EncodeSourceHandshake(&protocol.SourceHandshake{
		ClientID:     clientID,
		AgentVersion: "4.2.1",
		ProcessID:    pid,
	})
	require.NoError(t, err)
	p.send(t, hs)
	return p, p.next(t)
}

func sendData(t *testing.T, agent *peer, checkpoints ...int64) {
	t.Helper()
	for _, ckpt := range checkpoints {
		raw, err := encoding.MarshalRecord(&encoding.Record{
			Op:         encoding.OpInsert,
			Database:   "app",
			Table:      "orders",
			Timestamp:  ckpt,
			Checkpoint: strconv.FormatInt(ckpt, 10),
		})
		require.NoError(t, err)
		block, err := protocol.EncodeRecordBlock([][]byte{raw}, protocol.CompressLZ4)
		require.NoError(t, err)
		agent.send(t, protocol.EncodeSourceData(ckpt, ckpt, block))
	}
}

func requireResponseCode(t *testing.T, msg protocol.Message, code protocol.ResponseCode) {
	t.Helper()
	switch m := msg.(type) {
	case *protocol.ErrorResponse:
		assert.Equal(t, code, m.Code, m.Message)
	case *protocol.ClientHandshakeResponse:
		assert.Equal(t, code, m.Code)
	case *protocol.SourceHandshakeResponse:
		assert.Equal(t, code, m.Code)
	default:
		t.Fatalf("unexpected %T", msg)
	}
}

func TestServer_EndToEndDelivery(t *testing.T) {
	r := startRelay(t, nil, nil)

	var mu sync.Mutex
	var got []string
	delivered := make(chan struct{}, 8)

	conf := client.DefaultClientConf()
	conf.ClientID = "c1"
	conf.RetryInterval = 10 * time.Millisecond
	conf.ReadWaitTime = 20 * time.Millisecond

	rc := client.NewReaderConfig()
	rc.ClusterURL = "http://rs.internal/services"
	rc.ClusterUser = "reader@tenant"

	s := client.NewStream(r.srv.ProxyAddr().String(), rc, conf)
	s.AddListener(client.ListenerFuncs{
		Record: func(rec *encoding.Record) error {
			mu.Lock()
			got = append(got, rec.Checkpoint)
			mu.Unlock()
			delivered <- struct{}{}
			return nil
		},
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(r.invoker.Starts()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	start := r.invoker.Starts()[0]
	assert.Equal(t, "c1", start.ClientID)
	assert.Equal(t, "0", protocol.ConfigurationMap(start.Configuration)[protocol.ConfFirstStartTimestamp])

	agent, resp := bindAgent(t, r, "c1", "4242")
	requireResponseCode(t, resp, protocol.CodeSuccess)
	sendData(t, agent, 10, 20, 30)

	for i := 0; i < 3; i++ {
		select {
		case <-delivered:
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of 3 records", i)
		}
	}
	mu.Lock()
	assert.Equal(t, []string{"10", "20", "30"}, got)
	mu.Unlock()
	require.Eventually(t, func() bool { return s.Checkpoint() == "30" }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, client.StateStreaming, s.State())

	sub, ok := r.registry.Subscription("c1")
	require.True(t, ok)
	require.NotNil(t, sub.Sink)
	require.NotNil(t, sub.Source)
	assert.Equal(t, protocol.V1, sub.Sink.Protocol)
	assert.Equal(t, "4242", sub.Source.ProcessID)
	assert.Equal(t, int64(3), sub.Source.RecordsIn)
	assert.Equal(t, int64(30), sub.Source.LastSourceTimestamp)
}

func TestServer_HandshakeResponseCarriesAdvertiseIP(t *testing.T) {
	r := startRelay(t, nil, nil)

	_, resp := subscribe(t, r, "c1")
	m, ok := resp.(*protocol.ClientHandshakeResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, protocol.CodeSuccess, m.Code)
	assert.Equal(t, "10.0.0.1", m.ServerIP)
	assert.Equal(t, Version, m.ServerVersion)

	streams, sources := r.registry.Counts()
	assert.Equal(t, 1, streams)
	assert.Equal(t, 0, sources)
}

func TestServer_RejectsUnauthorizedClient(t *testing.T) {
	deny, err := auth.NewTenantAllowlist([]string{"admin@*"}, nil)
	require.NoError(t, err)
	r := startRelay(t, deny, nil)

	p, resp := subscribe(t, r, "c1")
	requireResponseCode(t, resp, protocol.CodeNoAuth)
	p.awaitClosed(t)

	streams, _ := r.registry.Counts()
	assert.Zero(t, streams)
	assert.Empty(t, r.invoker.Starts())
}

func TestServer_DuplicateClientIDRejected(t *testing.T) {
	r := startRelay(t, nil, nil)

	_, resp := subscribe(t, r, "c1")
	requireResponseCode(t, resp, protocol.CodeSuccess)

	dup, resp := subscribe(t, r, "c1")
	requireResponseCode(t, resp, protocol.CodeErrInit)
	dup.awaitClosed(t)

	streams, _ := r.registry.Counts()
	assert.Equal(t, 1, streams)
}

func TestServer_CaptureStartFailure(t *testing.T) {
	r := startRelay(t, nil, nil)
	r.invoker.SetStartErr(errors.New("spawn failed"))

	c, resp := subscribe(t, r, "c1")
	requireResponseCode(t, resp, protocol.CodeErrInit)
	c.awaitClosed(t)

	_, ok := r.registry.Subscription("c1")
	assert.False(t, ok)
	assert.Empty(t, r.invoker.Starts())
}

func TestServer_SourceWithoutSinkRejected(t *testing.T) {
	r := startRelay(t, nil, nil)

	agent, resp := bindAgent(t, r, "nobody", "1")
	requireResponseCode(t, resp, protocol.CodeErrInit)
	agent.awaitClosed(t)

	_, sources := r.registry.Counts()
	assert.Zero(t, sources)
}

func TestServer_ClientCloseTearsDownSubscription(t *testing.T) {
	r := startRelay(t, nil, nil)

	c, resp := subscribe(t, r, "c1")
	requireResponseCode(t, resp, protocol.CodeSuccess)
	agent, resp := bindAgent(t, r, "c1", "4242")
	requireResponseCode(t, resp, protocol.CodeSuccess)

	require.NoError(t, c.nc.Close())

	agent.awaitClosed(t)
	require.Eventually(t, func() bool {
		streams, sources := r.registry.Counts()
		return streams == 0 && sources == 0
	}, 5*time.Second, 5*time.Millisecond)

	stopped := r.invoker.Stopped()
	require.Len(t, stopped, 1)
	assert.Equal(t, "4242", stopped[0].PID)
}

func TestServer_AgentCloseTearsDownSubscription(t *testing.T) {
	r := startRelay(t, nil, nil)

	c, resp := subscribe(t, r, "c1")
	requireResponseCode(t, resp, protocol.CodeSuccess)
	agent, resp := bindAgent(t, r, "c1", "4242")
	requireResponseCode(t, resp, protocol.CodeSuccess)

	sendData(t, agent, 10)
	data, ok := c.next(t).(*protocol.ClientData)
	require.True(t, ok)
	records, err := protocol.DecodeRecordBlock(data.Block)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, agent.nc.Close())
	c.awaitClosed(t)

	require.Eventually(t, func() bool {
		streams, sources := r.registry.Counts()
		return streams == 0 && sources == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServer_CorruptSourceFrame(t *testing.T) {
	r := startRelay(t, nil, nil)

	c, resp := subscribe(t, r, "c1")
	requireResponseCode(t, resp, protocol.CodeSuccess)
	agent, resp := bindAgent(t, r, "c1", "4242")
	requireResponseCode(t, resp, protocol.CodeSuccess)

	// data frame with a length below the fixed header
	agent.send(t, []byte{0, 0, 0, 0, 0, 5, 0, 0, 0, 4})
	requireResponseCode(t, agent.next(t), protocol.CodeErrPacket)
	agent.awaitClosed(t)
	c.awaitClosed(t)

	assert.Zero(t, protocol.InflightPackets())
}

func TestServer_DataBeforeHandshakeRejected(t *testing.T) {
	r := startRelay(t, nil, nil)

	agent := dialPeer(t, r.srv.CaptureAddr(), protocol.RoleSource)
	agent.send(t, protocol.EncodeSourceData(1, 1, []byte{0, 0, 0, 0}))
	requireResponseCode(t, agent.next(t), protocol.CodeErrPacket)
	agent.awaitClosed(t)
}

func TestServer_NonProtocolConnectionDropped(t *testing.T) {
	r := startRelay(t, nil, nil)

	p := dialPeer(t, r.srv.ProxyAddr(), protocol.RoleClient)
	p.send(t, []byte("hello relay, are you there?"))

	_ = p.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := p.nc.Read(make([]byte, 64))
	assert.Zero(t, n, "relay must not answer")
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed")
}

func TestServer_AdminSharesProxyPort(t *testing.T) {
	admin := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.WriteString(w, "ok "+req.URL.Path)
	})
	r := startRelay(t, nil, admin)

	resp, err := http.Get("http://" + r.srv.ProxyAddr().String() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok /health", string(body))

	_, hs := subscribe(t, r, "c1")
	requireResponseCode(t, hs, protocol.CodeSuccess)
}

func TestServer_StatusPush(t *testing.T) {
	r := startRelay(t, nil, nil)

	p := dialPeer(t, r.srv.ProxyAddr(), protocol.RoleClient)
	hs, err := protocol.EncodeClientHandshake(&protocol.ClientHandshake{
		Version:       protocol.V1,
		Kind:          protocol.KindOceanBase,
		ClientID:      "c1",
		Configuration: testConfiguration,
		EnableMonitor: true,
	})
	require.NoError(t, err)
	p.send(t, hs)
	requireResponseCode(t, p.next(t), protocol.CodeSuccess)

	r.registry.PushRuntimeStatus(r.srv.AdvertiseIP(), 8890)
	status, ok := p.next(t).(*protocol.RuntimeStatus)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", status.IP)
	assert.Equal(t, int32(8890), status.Port)
	assert.Equal(t, int32(1), status.StreamCount)
}
