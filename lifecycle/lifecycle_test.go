package lifecycle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohitkumar/renderfleet/backend"
	"github.com/mohitkumar/renderfleet/rferrors"
	"github.com/mohitkumar/renderfleet/wireformat"
	"github.com/stretchr/testify/require"
)

func testWorkflow() wireformat.Workflow {
	return wireformat.Workflow{
		"9": wireformat.Node{ClassType: "SaveImage", Inputs: map[string]any{}},
	}
}

func newTestServer(t *testing.T, promptID string, historyOutputs map[string]any) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"prompt_id": promptID, "number": 1})
	})
	mux.HandleFunc("/history/"+promptID, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		outputs := map[string]json.RawMessage{}
		for node, v := range historyOutputs {
			data, _ := json.Marshal(v)
			outputs[node] = data
		}
		json.NewEncoder(w).Encode(map[string]any{
			promptID: map[string]any{"outputs": outputs},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunEmitsPendingStartFinishedInOrder(t *testing.T) {
	srv := newTestServer(t, "p1", nil)
	client := backend.New(backend.Config{Host: srv.URL})

	tpl := wireformat.New(testWorkflow(), nil, []string{"image"})
	tpl, err := tpl.SetOutputNode("image", "9")
	require.NoError(t, err)

	cw := New(client, tpl)
	var order []string
	cw.OnPending(func() { order = append(order, "pending") })
	cw.OnStart(func() { order = append(order, "start") })
	cw.OnFinished(func(outputs map[string]any) { order = append(order, "finished") })

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.Events().Emit("execution_start", map[string]any{"prompt_id": "p1"})
		client.Events().Emit("executed", map[string]any{"prompt_id": "p1", "node": "9", "output": map[string]any{"images": []any{"a.png"}}})
		client.Events().Emit("execution_success", map[string]any{"prompt_id": "p1"})
	}()

	outputs, err := cw.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"pending", "start", "finished"}, order)
	require.NotNil(t, outputs["image"])
}

func TestRunIgnoresFramesForOtherPromptIDs(t *testing.T) {
	srv := newTestServer(t, "p1", nil)
	client := backend.New(backend.Config{Host: srv.URL})
	tpl := wireformat.New(testWorkflow(), nil, []string{"image"})
	tpl, _ = tpl.SetOutputNode("image", "9")
	cw := New(client, tpl)

	progressCount := 0
	cw.OnProgress(func(node string, value, max int) { progressCount++ })

	go func() {
		time.Sleep(10 * time.Millisecond)
		client.Events().Emit("progress", map[string]any{"prompt_id": "other", "node": "1"})
		client.Events().Emit("execution_success", map[string]any{"prompt_id": "p1"})
	}()

	_, err := cw.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, progressCount)
}

func TestRunCacheOnlyCompletionFallsBackToHistory(t *testing.T) {
	srv := newTestServer(t, "p1", map[string]any{"9": map[string]any{"images": []any{"cached.png"}}})
	client := backend.New(backend.Config{Host: srv.URL})
	tpl := wireformat.New(testWorkflow(), nil, []string{"image"})
	tpl, _ = tpl.SetOutputNode("image", "9")
	cw := New(client, tpl).WithCacheGraceWindow(10 * time.Millisecond)

	go func() {
		time.Sleep(5 * time.Millisecond)
		client.Events().Emit("execution_cached", map[string]any{"prompt_id": "p1", "nodes": []any{"9"}})
	}()

	outputs, err := cw.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outputs["image"])
}

func TestRunIncompleteWhenHistoryAlsoMissesOutput(t *testing.T) {
	srv := newTestServer(t, "p1", nil)
	client := backend.New(backend.Config{Host: srv.URL})
	tpl := wireformat.New(testWorkflow(), nil, []string{"image"})
	tpl, _ = tpl.SetOutputNode("image", "9")
	cw := New(client, tpl)

	go func() {
		time.Sleep(5 * time.Millisecond)
		client.Events().Emit("execution_success", map[string]any{"prompt_id": "p1"})
	}()

	_, err := cw.Run(context.Background())
	require.Error(t, err)
}

func TestRunTerminalOnExecutionError(t *testing.T) {
	srv := newTestServer(t, "p1", nil)
	client := backend.New(backend.Config{Host: srv.URL})
	tpl := wireformat.New(testWorkflow(), nil, []string{"image"})
	tpl, _ = tpl.SetOutputNode("image", "9")
	cw := New(client, tpl)

	go func() {
		time.Sleep(5 * time.Millisecond)
		client.Events().Emit("execution_error", map[string]any{"prompt_id": "p1", "exception_message": "boom"})
	}()

	_, err := cw.Run(context.Background())
	require.Error(t, err)
}

func TestCancelSurfacesInterruptedWhenItArrives(t *testing.T) {
	srv := newTestServer(t, "p1", nil)
	client := backend.New(backend.Config{Host: srv.URL})
	tpl := wireformat.New(testWorkflow(), nil, []string{"image"})
	tpl, _ = tpl.SetOutputNode("image", "9")
	cw := New(client, tpl).WithCancelGraceWindow(time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cw.Cancel(context.Background())
		time.Sleep(10 * time.Millisecond)
		client.Events().Emit("execution_interrupted", map[string]any{"prompt_id": "p1"})
	}()

	_, err := cw.Run(context.Background())
	require.ErrorIs(t, err, rferrors.ErrInterrupted)
}
