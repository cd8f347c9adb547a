//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests run against a crew server started with configs/crew.json.
var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("CREW_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3210"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

type runRequest struct {
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Strategy    string         `json:"strategy,omitempty"`
}

func post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestSmokeAgents(t *testing.T) {
	resp, err := http.Get(baseURL + "/api/agents")
	require.NoError(t, err)
	var agents []map[string]any
	decode(t, resp, &agents)

	names := map[string]bool{}
	for _, a := range agents {
		names[a["name"].(string)] = true
	}
	assert.True(t, names["counter"], "counter agent is configured")
}

func TestSmokeStaticAgentRun(t *testing.T) {
	var res struct {
		Success bool           `json:"success"`
		Output  map[string]any `json:"output"`
		Metrics struct {
			EpisodeID string `json:"episode_id"`
		} `json:"metrics"`
	}
	decode(t, post(t, "/api/agents/counter/run", runRequest{Description: "four words right here"}), &res)
	require.True(t, res.Success)
	assert.EqualValues(t, 4, res.Output["words"])

	resp, err := http.Get(baseURL + "/api/episodes/" + res.Metrics.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSmokeStream(t *testing.T) {
	resp := post(t, "/api/agents/counter/stream", runRequest{Description: "stream me"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var last map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		last = map[string]any{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &last))
	}
	require.NotNil(t, last)
	assert.Equal(t, "complete", last["type"])
}

func TestSmokeMetrics(t *testing.T) {
	resp, err := http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
