package client

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/cdcrelay/protocol"
)

// ClientConf holds the tunables of a Stream
type ClientConf struct {
	ClientID        string // Empty derives "<ip>_<pid>_<unix>"
	ClientVersion   string
	ProtocolVersion protocol.Version

	TransferQueueSize       int
	ConnectTimeout          time.Duration
	ReadWaitTime            time.Duration // Max wait of the delivery loop for the next item
	RetryInterval           time.Duration
	MaxReconnectTimes       int           // -1 retries forever
	IdleTimeout             time.Duration // No bytes for this long triggers a reconnect
	IgnoreUnknownRecordType bool
	MaxPacketBytes          int
	ReadBufferSize          int

	CheckpointStore         CheckpointStore // Optional
	CheckpointFlushInterval time.Duration
}

// DefaultClientConf returns the default client settings
func DefaultClientConf() ClientConf {
	return ClientConf{
		ClientVersion:           "1.1.0",
		ProtocolVersion:         protocol.V1,
		TransferQueueSize:       20000,
		ConnectTimeout:          5 * time.Second,
		ReadWaitTime:            2 * time.Second,
		RetryInterval:           2 * time.Second,
		MaxReconnectTimes:       -1,
		IdleTimeout:             15 * time.Second,
		IgnoreUnknownRecordType: false,
		MaxPacketBytes:          protocol.DefaultMaxPacketBytes,
		ReadBufferSize:          64 << 10,
		CheckpointFlushInterval: time.Second,
	}
}

// Validate checks the settings
func (c ClientConf) Validate() error {
	if !c.ProtocolVersion.Valid() {
		return fmt.Errorf("unsupported protocol version %d", c.ProtocolVersion)
	}
	if c.TransferQueueSize < 1 {
		return fmt.Errorf("transfer queue size must be >= 1")
	}
	if c.ConnectTimeout <= 0 || c.ReadWaitTime <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("connect timeout, read wait time and idle timeout must be positive")
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("retry interval must be >= 0")
	}
	if c.MaxReconnectTimes < -1 {
		return fmt.Errorf("max reconnect times must be >= -1")
	}
	if c.ClientVersion == "" {
		return fmt.Errorf("client version is required")
	}
	return nil
}

// ConnectionConfig produces the configuration string sent in every handshake
type ConnectionConfig interface {
	Kind() protocol.Kind
	Configuration() (string, error)
	// UpdateCheckpoint rewrites the resume position before a reconnect
	UpdateCheckpoint(checkpoint string)
	Validate() error
}

type readerField struct {
	key string
	get func(*ReaderConfig) string
	set func(*ReaderConfig, string) error
}

// readerSchema lists the structured keys of a ReaderConfig in render order
var readerSchema = []readerField{
	{
		key: protocol.ConfClusterURL,
		get: func(c *ReaderConfig) string { return c.ClusterURL },
		set: func(c *ReaderConfig, v string) error { c.ClusterURL = v; return nil },
	},
	{
		key: protocol.ConfClusterUser,
		get: func(c *ReaderConfig) string { return c.ClusterUser },
		set: func(c *ReaderConfig, v string) error { c.ClusterUser = v; return nil },
	},
	{
		key: protocol.ConfClusterPassword,
		get: func(c *ReaderConfig) string { return c.ClusterPassword },
		set: func(c *ReaderConfig, v string) error { c.ClusterPassword = v; return nil },
	},
	{
		key: protocol.ConfTableWhiteList,
		get: func(c *ReaderConfig) string { return c.TableWhiteList },
		set: func(c *ReaderConfig, v string) error { c.TableWhiteList = v; return nil },
	},
	{
		key: protocol.ConfFirstStartTimestamp,
		get: func(c *ReaderConfig) string { return strconv.FormatInt(c.StartTimestamp, 10) },
		set: func(c *ReaderConfig, v string) error {
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", protocol.ConfFirstStartTimestamp, v, err)
			}
			c.StartTimestamp = ts
			return nil
		},
	},
}

func lookupReaderField(key string) (readerField, bool) {
	for _, f := range readerSchema {
		if f.key == key {
			return f, true
		}
	}
	return readerField{}, false
}

// ReaderConfig subscribes to a database cluster's change log
type ReaderConfig struct {
	ClusterURL      string
	ClusterUser     string
	ClusterPassword string
	TableWhiteList  string // "tenant.db.table|..." with * wildcards
	StartTimestamp  int64  // Unix seconds, 0 starts from now

	extra []protocol.ConfigPair
}

// NewReaderConfig returns a config subscribing to every table
func NewReaderConfig() *ReaderConfig {
	return &ReaderConfig{TableWhiteList: "*.*.*"}
}

// ParseReaderConfig builds a config from "key=value ..." text. Unknown keys are kept as extras.
func ParseReaderConfig(s string) (*ReaderConfig, error) {
	c := NewReaderConfig()
	for _, p := range protocol.ParseConfiguration(s) {
		if err := c.Set(p.Key, p.Value); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Set assigns a structured key or records an extra key
func (c *ReaderConfig) Set(key, value string) error {
	if f, ok := lookupReaderField(key); ok {
		return f.set(c, value)
	}
	for i := range c.extra {
		if c.extra[i].Key == key {
			c.extra[i].Value = value
			return nil
		}
	}
	c.extra = append(c.extra, protocol.ConfigPair{Key: key, Value: value})
	return nil
}

// Extra returns the value of an extra key
func (c *ReaderConfig) Extra(key string) (string, bool) {
	for _, p := range c.extra {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (*ReaderConfig) Kind() protocol.Kind {
	return protocol.KindOceanBase
}

// Configuration renders structured keys in schema order followed by extras in insertion order
func (c *ReaderConfig) Configuration() (string, error) {
	pairs := make([]protocol.ConfigPair, 0, len(readerSchema)+len(c.extra))
	for _, f := range readerSchema {
		pairs = append(pairs, protocol.ConfigPair{Key: f.key, Value: f.get(c)})
	}
	pairs = append(pairs, c.extra...)
	return protocol.FormatConfiguration(pairs)
}

// UpdateCheckpoint moves the start timestamp to an integer checkpoint; other values are ignored
func (c *ReaderConfig) UpdateCheckpoint(checkpoint string) {
	if ts, err := strconv.ParseInt(checkpoint, 10, 64); err == nil {
		c.StartTimestamp = ts
	}
}

func (c *ReaderConfig) Validate() error {
	if strings.TrimSpace(c.ClusterURL) == "" {
		return fmt.Errorf("invalid %s", protocol.ConfClusterURL)
	}
	if strings.TrimSpace(c.ClusterUser) == "" {
		return fmt.Errorf("invalid %s", protocol.ConfClusterUser)
	}
	if c.StartTimestamp < 0 {
		return fmt.Errorf("invalid %s", protocol.ConfFirstStartTimestamp)
	}
	return nil
}

func (c *ReaderConfig) String() string {
	return fmt.Sprintf("cluster_url=%s, cluster_user=%s, cluster_password=******, tb_white_list=%s, first_start_timestamp=%d",
		c.ClusterURL, c.ClusterUser, c.TableWhiteList, c.StartTimestamp)
}
