package id

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Generator provides unique string IDs.
type Generator interface {
	NextID() string
}

// UUIDGenerator generates random v4 UUIDs. Used for connection ids.
type UUIDGenerator struct{}

// NextID returns a new random UUID string.
func (UUIDGenerator) NextID() string {
	return uuid.NewString()
}

// ClientIDGenerator derives subscription ids as "<ip>_<pid>_<unix seconds>".
// Two streams opened by one process within the same second collide, so callers
// that open several streams should supply their own ids.
type ClientIDGenerator struct {
	IP  string
	PID int
	Now func() time.Time
}

// NewClientIDGenerator creates a generator for the local host and process.
func NewClientIDGenerator() *ClientIDGenerator {
	return &ClientIDGenerator{
		IP:  LocalIP(),
		PID: os.Getpid(),
		Now: time.Now,
	}
}

// NextID returns the client id for the current second.
func (g *ClientIDGenerator) NextID() string {
	return g.IP + "_" + strconv.Itoa(g.PID) + "_" + strconv.FormatInt(g.Now().Unix(), 10)
}

// LocalIP returns the first non-loopback IPv4 address, or 127.0.0.1.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
