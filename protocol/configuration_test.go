package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfiguration(t *testing.T) {
	pairs := ParseConfiguration("cluster_url=http://rs/x?a=b  cluster_user=u@t junk =v tb_white_list=*.*.*")
	assert.Equal(t, []ConfigPair{
		{Key: "cluster_url", Value: "http://rs/x?a=b"},
		{Key: "cluster_user", Value: "u@t"},
		{Key: "tb_white_list", Value: "*.*.*"},
	}, pairs)

	m := ConfigurationMap("a=1 a=2 b=")
	assert.Equal(t, map[string]string{"a": "2", "b": ""}, m)
}

func TestFormatConfiguration(t *testing.T) {
	s, err := FormatConfiguration([]ConfigPair{{Key: "a", Value: "1"}, {Key: "b", Value: "x=y"}})
	require.NoError(t, err)
	assert.Equal(t, "a=1 b=x=y", s)
	assert.Equal(t, []ConfigPair{{Key: "a", Value: "1"}, {Key: "b", Value: "x=y"}}, ParseConfiguration(s))

	_, err = FormatConfiguration([]ConfigPair{{Key: "a", Value: "has space"}})
	assert.Error(t, err)
	_, err = FormatConfiguration([]ConfigPair{{Key: "a=b", Value: "1"}})
	assert.Error(t, err)
}

func TestWhiteListTenants(t *testing.T) {
	assert.Equal(t, []string{"t1", "t2"}, WhiteListTenants("t1.db.*|*.x.y|t2.*.*|bare"))
	assert.Empty(t, WhiteListTenants("*.*.*"))
}
