package replicator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPluginConfigArgs(t *testing.T) {
	require.Equal(t,
		[]string{"proto_version '1'", "publication_names 'demo_pub'"},
		PluginConfig{Publications: []string{"demo_pub"}}.Args(),
	)
	require.Equal(t,
		[]string{"proto_version '2'", "publication_names 'a,b'"},
		PluginConfig{ProtoVersion: 2, Publications: []string{"a", "b"}}.Args(),
	)
	require.Equal(t, []string{"proto_version '1'"}, PluginConfig{}.Args())
}
