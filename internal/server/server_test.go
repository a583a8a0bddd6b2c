// Integration tests for the GraphStore gRPC server
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/graphstore/internal/logger"
	"github.com/nainya/graphstore/internal/metrics"
	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/graph"
	"github.com/nainya/graphstore/pkg/value"
)

const bufSize = 1024 * 1024

func setupTestServer(t *testing.T) (*graph.Graph, *Client, *prometheus.Registry, func()) {
	t.Helper()

	g, err := graph.Open(graph.Config{
		Path:               filepath.Join(t.TempDir(), "graph.db"),
		NoSync:             true,
		CheckpointInterval: -1,
	})
	if err != nil {
		t.Fatalf("Failed to open graph: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	log := logger.Nop()

	server := NewServer(g, log)
	lis := bufconn.Listen(bufSize)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, log)),
		grpc.StreamInterceptor(GrpcStreamMetricsInterceptor(m, log)),
	)
	RegisterGraphStoreServer(grpcServer, server)

	go func() {
		// Serve returns when the server is stopped during cleanup
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}

	cleanup := func() {
		conn.Close()
		server.Stop()
		grpcServer.Stop()
		lis.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Close(ctx)
	}

	return g, NewClient(conn), reg, cleanup
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}
	return s
}

func intValue(i string) map[string]any {
	return map[string]any{"kind": "integer", "value": i}
}

func textValue(s string) map[string]any {
	return map[string]any{"kind": "text", "value": s}
}

func apply(t *testing.T, client *Client, mutations ...any) []string {
	t.Helper()
	resp, err := client.Apply(context.Background(), mustStruct(t, map[string]any{"mutations": mutations}))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	var ids []string
	for _, v := range resp.GetFields()["ids"].GetListValue().GetValues() {
		ids = append(ids, v.GetStringValue())
	}
	return ids
}

func create(typ string, props map[string]any, groups ...any) map[string]any {
	m := map[string]any{"op": "create", "type": typ}
	if props != nil {
		m["set"] = props
	}
	if len(groups) > 0 {
		m["add_groups"] = groups
	}
	return m
}

func searchCount(t *testing.T, client *Client, f map[string]any) int {
	t.Helper()
	resp, err := client.Search(context.Background(), mustStruct(t, map[string]any{"filter": f}))
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	return int(resp.GetFields()["count"].GetNumberValue())
}

func TestApplyAndGet(t *testing.T) {
	_, client, _, cleanup := setupTestServer(t)
	defer cleanup()

	ids := apply(t, client, create("T1", map[string]any{"P1": intValue("111")}, "G1"))
	assert.Equal(t, len(ids), 1)

	resp, err := client.Get(context.Background(), mustStruct(t, map[string]any{"id": ids[0]}))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	f := resp.GetFields()
	assert.Equal(t, f["type"].GetStringValue(), "T1")
	assert.Equal(t, f["deleted"].GetBoolValue(), false)

	p1, err := valueFromProto(f["properties"].GetStructValue().GetFields()["P1"])
	if err != nil {
		t.Fatalf("decode P1: %v", err)
	}
	assert.Equal(t, p1, value.Int(111))

	groups := f["groups"].GetListValue().GetValues()
	assert.Equal(t, len(groups), 1)
	assert.Equal(t, groups[0].GetStringValue(), "G1")

	// Update then delete through Apply
	apply(t, client, map[string]any{
		"op":            "update",
		"id":            ids[0],
		"set":           map[string]any{"P2": textValue("V2")},
		"remove":        []any{"P1"},
		"remove_groups": []any{"G1"},
	})
	resp, _ = client.Get(context.Background(), mustStruct(t, map[string]any{"id": ids[0]}))
	props := resp.GetFields()["properties"].GetStructValue().GetFields()
	assert.Equal(t, len(props), 1)
	assert.Equal(t, len(resp.GetFields()["groups"].GetListValue().GetValues()), 0)

	apply(t, client, map[string]any{"op": "delete", "id": ids[0]})
	_, err = client.Get(context.Background(), mustStruct(t, map[string]any{"id": ids[0]}))
	assert.Equal(t, status.Code(err), codes.NotFound)
}

func TestSearch(t *testing.T) {
	_, client, reg, cleanup := setupTestServer(t)
	defer cleanup()

	apply(t, client,
		create("T1", map[string]any{"P1": textValue("V1")}, "G1"),
		create("T1", map[string]any{"P1": textValue("V2")}),
		create("T2", nil, "G1"),
	)

	assert.Equal(t, searchCount(t, client, map[string]any{"types": []any{"T1"}}), 2)
	assert.Equal(t, searchCount(t, client, map[string]any{"types": []any{"*"}}), 3)
	assert.Equal(t, searchCount(t, client, map[string]any{"types": []any{}}), 0)
	assert.Equal(t, searchCount(t, client, map[string]any{"groups": []any{"G1"}}), 2)
	assert.Equal(t, searchCount(t, client, map[string]any{
		"types":  []any{"T1"},
		"groups": []any{"*"},
	}), 1)
	assert.Equal(t, searchCount(t, client, map[string]any{
		"properties": []any{map[string]any{"name": "P1", "value": textValue("V2")}},
	}), 1)
	assert.Equal(t, searchCount(t, client, map[string]any{
		"properties": []any{map[string]any{"name": "*"}},
	}), 2)
	assert.Equal(t, searchCount(t, client, map[string]any{}), 0)

	resp, err := client.Search(context.Background(), mustStruct(t, map[string]any{
		"filter":   map[string]any{"types": []any{"T2"}},
		"entities": true,
	}))
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	items := resp.GetFields()["entities"].GetListValue().GetValues()
	assert.Equal(t, len(items), 1)
	assert.Equal(t, items[0].GetStructValue().GetFields()["type"].GetStringValue(), "T2")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "graphstore_grpc_requests_total" {
			found = true
		}
	}
	assert.Equal(t, found, true)
}

func TestWatch(t *testing.T) {
	g, client, _, cleanup := setupTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.Watch(ctx, mustStruct(t, map[string]any{
		"filter": map[string]any{"types": []any{"T1"}},
	}))
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// The subscription is registered by the server handler
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := g.Stats()
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if st.Dispatch.Subscriptions == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watch subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	apply(t, client,
		create("T2", nil),
		create("T1", map[string]any{"P1": intValue("1")}, "G1"),
	)

	var kinds []string
	for range 3 {
		ev, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		kinds = append(kinds, ev.GetFields()["kind"].GetStringValue())
		assert.Equal(t, ev.GetFields()["entity"].GetStructValue().GetFields()["type"].GetStringValue(), "T1")
	}
	assert.Equal(t, kinds, []string{"entity_inserted", "property_inserted", "group_inserted"})

	cancel()
	if _, err := stream.Recv(); err == nil {
		t.Fatal("expected the stream to end after cancel")
	}
}

func TestErrorCodes(t *testing.T) {
	_, client, _, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"get bad id", func() error {
			_, err := client.Get(ctx, mustStruct(t, map[string]any{"id": "nope"}))
			return err
		}, codes.InvalidArgument},
		{"get missing", func() error {
			_, err := client.Get(ctx, mustStruct(t, map[string]any{"id": string(entity.NewID())}))
			return err
		}, codes.NotFound},
		{"search empty group name", func() error {
			_, err := client.Search(ctx, mustStruct(t, map[string]any{
				"filter": map[string]any{"groups": []any{""}},
			}))
			return err
		}, codes.InvalidArgument},
		{"search non-list types", func() error {
			_, err := client.Search(ctx, mustStruct(t, map[string]any{
				"filter": map[string]any{"types": "T1"},
			}))
			return err
		}, codes.InvalidArgument},
		{"apply nothing", func() error {
			_, err := client.Apply(ctx, mustStruct(t, map[string]any{}))
			return err
		}, codes.InvalidArgument},
		{"apply unknown op", func() error {
			_, err := client.Apply(ctx, mustStruct(t, map[string]any{
				"mutations": []any{map[string]any{"op": "merge"}},
			}))
			return err
		}, codes.InvalidArgument},
		{"apply reserved type", func() error {
			_, err := client.Apply(ctx, mustStruct(t, map[string]any{
				"mutations": []any{map[string]any{"op": "create", "type": "*"}},
			}))
			return err
		}, codes.InvalidArgument},
		{"apply update missing", func() error {
			_, err := client.Apply(ctx, mustStruct(t, map[string]any{
				"mutations": []any{map[string]any{"op": "update", "id": string(entity.NewID())}},
			}))
			return err
		}, codes.NotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, status.Code(tc.call()), tc.want)
		})
	}
}

func TestValueConversion(t *testing.T) {
	values := []value.Value{
		value.Null(),
		value.Bool(true),
		value.Int(-1 << 62),
		value.Real(3.25),
		value.Text("hello"),
		value.Binary([]byte{0, 1, 2, 0xff}),
		value.Timestamp(time.Date(2024, 2, 29, 12, 30, 0, 123456789, time.UTC)),
	}
	for _, v := range values {
		got, err := valueFromProto(valueToProto(v))
		if err != nil {
			t.Fatalf("%s: %v", v, err)
		}
		assert.Equal(t, got.Equal(v), true)
	}

	if _, err := valueFromProto(structpb.NewStringValue("bare")); err == nil {
		t.Error("expected error for non-object value")
	}
	bad, _ := structpb.NewValue(map[string]any{"kind": "integer", "value": "x"})
	if _, err := valueFromProto(bad); err == nil {
		t.Error("expected error for malformed integer")
	}

	// Year 3000 is a valid protobuf timestamp but overflows unix nanoseconds
	far, _ := structpb.NewValue(map[string]any{"kind": "timestamp", "seconds": "32503680000", "nanos": 0})
	if _, err := valueFromProto(far); !errors.Is(err, value.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestObservabilityHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RecordCommit(nil, time.Millisecond, map[string]int{"entity_inserted": 2})

	ready := errors.New("store closed")
	handler := NewObservabilityHandler(reg, func() error { return ready })

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, strings.Contains(rec.Body.String(), `"service":"graphstore"`), true)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, rec.Code, http.StatusServiceUnavailable)

	ready = nil
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, rec.Code, http.StatusOK)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, strings.Contains(rec.Body.String(), `graphstore_change_events_total{kind="entity_inserted"} 2`), true)
}
