package protocol

import (
	"fmt"
	"strings"
)

// Well known keys of the configuration string carried by a client handshake
const (
	ConfClusterURL          = "cluster_url"
	ConfClusterUser         = "cluster_user"
	ConfClusterPassword     = "cluster_password"
	ConfTableWhiteList      = "tb_white_list"
	ConfFirstStartTimestamp = "first_start_timestamp"
)

// ConfigPair is one key=value section of a configuration string
type ConfigPair struct {
	Key   string
	Value string
}

// ParseConfiguration splits "k1=v1 k2=v2" into ordered pairs. Sections without '=' or with
// an empty key are skipped; values keep any further '=' characters.
func ParseConfiguration(s string) []ConfigPair {
	var pairs []ConfigPair
	for _, section := range strings.Fields(s) {
		k, v, ok := strings.Cut(section, "=")
		if !ok || k == "" {
			continue
		}
		pairs = append(pairs, ConfigPair{Key: k, Value: v})
	}
	return pairs
}

// ConfigurationMap parses s keeping the last value of repeated keys
func ConfigurationMap(s string) map[string]string {
	pairs := ParseConfiguration(s)
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.Key] = p.Value
	}
	return m
}

// FormatConfiguration renders pairs as space separated key=value sections
func FormatConfiguration(pairs []ConfigPair) (string, error) {
	var sb strings.Builder
	for i, p := range pairs {
		if p.Key == "" || strings.ContainsAny(p.Key, "= \t\r\n") {
			return "", fmt.Errorf("invalid configuration key %q", p.Key)
		}
		if strings.ContainsAny(p.Value, " \t\r\n") {
			return "", fmt.Errorf("configuration value of %q contains whitespace", p.Key)
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(p.Key)
		sb.WriteByte('=')
		sb.WriteString(p.Value)
	}
	return sb.String(), nil
}

// WhiteListTenants returns the tenants named by a tb_white_list value such as
// "t1.db.*|t2.*.*". Wildcard tenants are not reported.
func WhiteListTenants(whiteList string) []string {
	var tenants []string
	for _, entry := range strings.Split(whiteList, "|") {
		parts := strings.Split(entry, ".")
		if len(parts) > 1 && parts[0] != "" && parts[0] != "*" {
			tenants = append(tenants, parts[0])
		}
	}
	return tenants
}
