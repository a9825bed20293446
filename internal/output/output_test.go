package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/golouhm/awesant/internal/event"
	"github.com/golouhm/awesant/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error"})
}

func yamlNode(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	require.NotEmpty(t, doc.Content)
	return doc.Content[0]
}

func TestBuildUnknownType(t *testing.T) {
	_, err := Build("teleporter", yamlNode(t, "type: a\n"), testLogger())
	assert.Error(t, err)
}

func TestBuildRequiresRoutingKeys(t *testing.T) {
	_, err := Build("screen", yamlNode(t, "send: event\n"), testLogger())
	assert.Error(t, err)
}

func TestBuildRoutingKeyList(t *testing.T) {
	bound, err := Build("screen", yamlNode(t, `type: "app, nginx"`), testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "nginx"}, bound.Types)
	assert.Equal(t, "screen", bound.Output.Name())
	assert.Equal(t, 0, bound.Output.MaxWindowSize())
}

func TestFileOutputAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	bound, err := Build("file", yamlNode(t, fmt.Sprintf("type: app\npath: %s\n", path)), testLogger())
	require.NoError(t, err)
	defer bound.Output.Close()

	ev := event.New("h", "/f", "app", "hello")
	require.NoError(t, bound.Output.Push([]*event.Event{ev}))
	require.NoError(t, bound.Output.Push([]*event.Event{event.New("h", "/f", "app", "again")}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	docs := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, docs, 2)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(docs[0]), &doc))
	assert.Equal(t, "hello", doc["line"])
	assert.Equal(t, "1", doc["@version"])
}

func TestSocketOutputSendsAndChecksResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			conn.Write([]byte("ok\n"))
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	bound, err := Build("socket", yamlNode(t, fmt.Sprintf(`
type: app
host: 127.0.0.1
port: %d
persistent: yes
response: ok
`, port)), testLogger())
	require.NoError(t, err)
	defer bound.Output.Close()

	require.NoError(t, bound.Output.Push([]*event.Event{event.New("h", "/f", "app", "one")}))
	require.NoError(t, bound.Output.Push([]*event.Event{event.New("h", "/f", "app", "two")}))
}

func TestSocketOutputFailsWithoutListener(t *testing.T) {
	bound, err := Build("socket", yamlNode(t, `
type: app
host: 127.0.0.1
port: 1
connect_timeout: 1
`), testLogger())
	require.NoError(t, err)
	defer bound.Output.Close()

	err = bound.Output.Push([]*event.Event{event.New("h", "/f", "app", "x")})
	assert.Error(t, err)
}

func TestAdapterConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		outputType string
		yaml       string
	}{
		{"file without path", "file", "type: a\n"},
		{"socket without host", "socket", "type: a\nport: 9\n"},
		{"redis without key", "redis", "type: a\nhost: localhost\n"},
		{"rabbitmq without exchange", "rabbitmq", "type: a\nhost: localhost\n"},
		{"kafka without topic", "kafka", "type: a\nbrokers: localhost:9092\n"},
		{"elasticsearch without index", "elasticsearch", "type: a\naddresses: http://localhost:9200\n"},
		{"lumberjack without host", "lumberjack", "type: a\nport: 5044\n"},
		{"screen with bad send", "screen", "type: a\nsend: telepathy\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.outputType, yamlNode(t, tt.yaml), testLogger())
			assert.Error(t, err)
		})
	}
}

func TestAdapterWindowSizes(t *testing.T) {
	redis, err := Build("redis", yamlNode(t, `
type: a
host: localhost
key: logs
max_window_size: 50
`), testLogger())
	require.NoError(t, err)
	assert.Equal(t, 50, redis.Output.MaxWindowSize())

	lj, err := Build("lumberjack", yamlNode(t, `
type: a
host: localhost
port: 5044
max_window_size: 25
`), testLogger())
	require.NoError(t, err)
	assert.Equal(t, 25, lj.Output.MaxWindowSize())
	lj.Output.Close()
}
