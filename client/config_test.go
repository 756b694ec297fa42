package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/cdcrelay/protocol"
)

func TestReaderConfig_Configuration(t *testing.T) {
	c := testReaderConfig()
	c.TableWhiteList = "tenant.app.*"
	require.NoError(t, c.Set("working_mode", "storage"))
	require.NoError(t, c.Set("timezone", "+08:00"))

	s, err := c.Configuration()
	require.NoError(t, err)
	assert.Equal(t,
		"cluster_url=http://rs.internal/services cluster_user=reader@tenant cluster_password=secret "+
			"tb_white_list=tenant.app.* first_start_timestamp=0 working_mode=storage timezone=+08:00", s)
}

func TestReaderConfig_ParseRoundTrip(t *testing.T) {
	in := "cluster_user=u cluster_url=http://x?a=b first_start_timestamp=1700000000 extra=1 junk"
	c, err := ParseReaderConfig(in)
	require.NoError(t, err)

	assert.Equal(t, "u", c.ClusterUser)
	assert.Equal(t, "http://x?a=b", c.ClusterURL)
	assert.Equal(t, "*.*.*", c.TableWhiteList)
	assert.Equal(t, int64(1700000000), c.StartTimestamp)
	v, ok := c.Extra("extra")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	out, err := c.Configuration()
	require.NoError(t, err)
	again, err := ParseReaderConfig(out)
	require.NoError(t, err)
	assert.Equal(t, c, again)

	_, err = ParseReaderConfig("first_start_timestamp=yesterday")
	assert.Error(t, err)
}

func TestReaderConfig_UpdateCheckpoint(t *testing.T) {
	c := testReaderConfig()
	c.UpdateCheckpoint("1700000123")
	assert.Equal(t, int64(1700000123), c.StartTimestamp)

	c.UpdateCheckpoint("not-a-number")
	assert.Equal(t, int64(1700000123), c.StartTimestamp)

	s, err := c.Configuration()
	require.NoError(t, err)
	assert.Equal(t, "1700000123", protocol.ConfigurationMap(s)[protocol.ConfFirstStartTimestamp])
}

func TestReaderConfig_Validate(t *testing.T) {
	assert.NoError(t, testReaderConfig().Validate())

	c := testReaderConfig()
	c.ClusterURL = " "
	assert.Error(t, c.Validate())

	c = testReaderConfig()
	c.ClusterUser = ""
	assert.Error(t, c.Validate())

	c = testReaderConfig()
	c.StartTimestamp = -1
	assert.Error(t, c.Validate())
}

func TestReaderConfig_WhitespaceRejected(t *testing.T) {
	c := testReaderConfig()
	c.ClusterPassword = "has space"
	_, err := c.Configuration()
	assert.Error(t, err)
}

func TestReaderConfig_StringMasksPassword(t *testing.T) {
	assert.NotContains(t, testReaderConfig().String(), "secret")
}

func TestClientConf_Validate(t *testing.T) {
	assert.NoError(t, DefaultClientConf().Validate())

	tests := []struct {
		name   string
		mutate func(*ClientConf)
	}{
		{"queue", func(c *ClientConf) { c.TransferQueueSize = 0 }},
		{"version", func(c *ClientConf) { c.ProtocolVersion = 7 }},
		{"idle", func(c *ClientConf) { c.IdleTimeout = 0 }},
		{"retry", func(c *ClientConf) { c.RetryInterval = -1 }},
		{"max reconnect", func(c *ClientConf) { c.MaxReconnectTimes = -2 }},
		{"client version", func(c *ClientConf) { c.ClientVersion = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultClientConf()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestErrorCode_NeedStop(t *testing.T) {
	stop := []ErrorCode{EMaxReconnect, EProtocol, EHeaderType, ENoAuth, ECompressType, ELen, EParse}
	for _, c := range stop {
		assert.True(t, c.NeedStop(), c.String())
	}
	for _, c := range []ErrorCode{ENone, EInner, EConnect, EUser} {
		assert.False(t, c.NeedStop(), c.String())
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		field protocol.Field
		want  ErrorCode
	}{
		{protocol.FieldVersion, EProtocol},
		{protocol.FieldHeaderType, EHeaderType},
		{protocol.FieldCompressType, ECompressType},
		{protocol.FieldLength, ELen},
		{protocol.FieldPayload, EParse},
	}
	for _, tt := range tests {
		err := classifyDecodeError(fmt.Errorf("wrapped: %w", &protocol.DecodeError{Field: tt.field}))
		assert.Equal(t, tt.want, err.Code, string(tt.field))
	}

	assert.Equal(t, ENoAuth, classifyResponse(protocol.CodeNoAuth, "").Code)
	assert.Equal(t, EProtocol, classifyResponse(protocol.CodeErrPacket, "").Code)
	assert.Equal(t, EParse, classifyResponse(protocol.CodeErrConfig, "").Code)
	assert.Equal(t, EConnect, classifyResponse(protocol.CodeErrInit, "").Code)

	cause := errors.New("reset by peer")
	err := fmt.Errorf("stream: %w", newError(EConnect, "connection lost", cause))
	assert.Equal(t, EConnect, Code(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, EInner, Code(errors.New("plain")))
	assert.Equal(t, ENone, Code(nil))
}

func TestPebbleCheckpointStore(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenCheckpointStore(dir)
	require.NoError(t, err)

	_, ok, err := store.Load("c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save("c1", "10", false))
	require.NoError(t, store.Save("c1", "20", true))
	require.NoError(t, store.Save("c2", "5", false))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
	assert.Error(t, store.Save("c1", "30", false))

	store, err = OpenCheckpointStore(dir)
	require.NoError(t, err)
	defer store.Close()

	ckpt, ok, err := store.Load("c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "20", ckpt)

	ckpt, ok, err = store.Load("c2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5", ckpt)

	require.NoError(t, store.Delete("c2"))
	_, ok, err = store.Load("c2")
	require.NoError(t, err)
	assert.False(t, ok)
}
