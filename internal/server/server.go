// Package server implements the gRPC GraphStore service
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/graphstore/internal/logger"
	"github.com/nainya/graphstore/pkg/changes"
	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/filter"
	"github.com/nainya/graphstore/pkg/graph"
	"github.com/nainya/graphstore/pkg/notify"
	"github.com/nainya/graphstore/pkg/recordstore"
)

// watchBuffer bounds events waiting to be written to one Watch stream
const watchBuffer = 256

// Server implements GraphStoreServer on top of a graph
type Server struct {
	graph *graph.Graph
	log   *logger.Logger

	// stop ends open Watch streams so a graceful stop can complete
	stop     chan struct{}
	stopOnce sync.Once
}

var _ GraphStoreServer = (*Server)(nil)

// NewServer creates a gRPC server instance. The caller owns g.
func NewServer(g *graph.Graph, log *logger.Logger) *Server {
	return &Server{
		graph: g,
		log:   logger.OrNop(log),
		stop:  make(chan struct{}),
	}
}

// Stop ends every open Watch stream
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// ========== Search Operations ==========

// Search request: {"filter": {...}, "entities": bool}
// Response: {"ids": [...], "count": n, "entities": [...]}
func (s *Server) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	spec, err := filterFromProto(req.GetFields()["filter"].GetStructValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "filter: %v", err)
	}

	if req.GetFields()["entities"].GetBoolValue() {
		states, err := s.graph.SearchEntities(ctx, spec)
		if err != nil {
			return nil, toStatus(err)
		}
		ids := make([]*structpb.Value, len(states))
		items := make([]*structpb.Value, len(states))
		for i, st := range states {
			ids[i] = structpb.NewStringValue(string(st.ID))
			items[i] = structpb.NewStructValue(stateToProto(st))
		}
		return &structpb.Struct{Fields: map[string]*structpb.Value{
			"ids":      structpb.NewListValue(&structpb.ListValue{Values: ids}),
			"count":    structpb.NewNumberValue(float64(len(states))),
			"entities": structpb.NewListValue(&structpb.ListValue{Values: items}),
		}}, nil
	}

	found, err := s.graph.Search(ctx, spec)
	if err != nil {
		return nil, toStatus(err)
	}
	sorted := found.Sorted()
	ids := make([]*structpb.Value, len(sorted))
	for i, id := range sorted {
		ids[i] = structpb.NewStringValue(string(id))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ids":   structpb.NewListValue(&structpb.ListValue{Values: ids}),
		"count": structpb.NewNumberValue(float64(len(sorted))),
	}}, nil
}

// ========== Entity Operations ==========

// Get request: {"id": "..."}; response is the entity
func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := entity.ParseID(req.GetFields()["id"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "id: %v", err)
	}

	state, err := s.graph.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return stateToProto(state), nil
}

// Apply commits a batch of mutations as one session.
//
// Request: {"mutations": [{"op": "create"|"update"|"delete", "id", "type",
// "set": {name: value}, "remove": [...], "add_groups": [...],
// "remove_groups": [...]}]}
// Response: {"ids": [...]} with one id per mutation.
func (s *Server) Apply(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	list := req.GetFields()["mutations"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "mutations are required")
	}

	session := s.graph.NewSession()
	ids := make([]*structpb.Value, 0, len(list.GetValues()))

	for i, item := range list.GetValues() {
		m := item.GetStructValue().GetFields()
		e, err := s.resolve(ctx, session, m)
		if err != nil {
			return nil, withIndex(i, err)
		}
		if err := mutate(e, m); err != nil {
			return nil, withIndex(i, err)
		}
		ids = append(ids, structpb.NewStringValue(string(e.ID())))
	}

	if err := session.Commit(ctx); err != nil {
		return nil, toStatus(err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ids": structpb.NewListValue(&structpb.ListValue{Values: ids}),
	}}, nil
}

// resolve finds or creates the entity a mutation targets
func (s *Server) resolve(ctx context.Context, session *graph.Session, m map[string]*structpb.Value) (*entity.Entity, error) {
	switch op := m["op"].GetStringValue(); op {
	case "create":
		return session.NewEntity(m["type"].GetStringValue())
	case "update", "delete":
		id, err := entity.ParseID(m["id"].GetStringValue())
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "id: %v", err)
		}
		return session.Load(ctx, id)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown op %q", op)
	}
}

// mutate applies one mutation's changes to e
func mutate(e *entity.Entity, m map[string]*structpb.Value) error {
	if m["op"].GetStringValue() == "delete" {
		return e.Delete()
	}

	for name, raw := range m["set"].GetStructValue().GetFields() {
		v, err := valueFromProto(raw)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "set %s: %v", name, err)
		}
		if err := e.Set(name, v); err != nil {
			return err
		}
	}
	for _, name := range m["remove"].GetListValue().GetValues() {
		if err := e.Remove(name.GetStringValue()); err != nil {
			return err
		}
	}
	for _, g := range m["add_groups"].GetListValue().GetValues() {
		if err := e.AddGroup(g.GetStringValue()); err != nil {
			return err
		}
	}
	for _, g := range m["remove_groups"].GetListValue().GetValues() {
		if err := e.RemoveGroup(g.GetStringValue()); err != nil {
			return err
		}
	}
	return nil
}

// ========== Change Stream ==========

// Watch streams committed change events matching {"filter": {...}} until the
// client goes away or the server stops
func (s *Server) Watch(req *structpb.Struct, stream WatchServer) error {
	spec, err := filterFromProto(req.GetFields()["filter"].GetStructValue())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "filter: %v", err)
	}

	ctx := stream.Context()
	events := make(chan changes.Event, watchBuffer)

	handle, err := s.graph.Subscribe(notify.EventFunc(func(ev changes.Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}), spec)
	if err != nil {
		return toStatus(err)
	}
	defer s.graph.Unsubscribe(handle)

	log := s.log.GrpcLogger("Watch")
	log.Debug("watch started").Str("filter", spec.String()).Send()

	for {
		select {
		case <-ctx.Done():
			log.Debug("watch ended").Err(ctx.Err()).Send()
			return nil
		case <-s.stop:
			return status.Error(codes.Unavailable, "server stopping")
		case ev := <-events:
			if err := stream.Send(eventToProto(ev)); err != nil {
				return err
			}
		}
	}
}

// toStatus maps domain errors to gRPC status codes
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	var invalid *filter.InvalidFilterError
	switch {
	case errors.As(err, &invalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, recordstore.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, entity.ErrDeleted),
		errors.Is(err, entity.ErrInvalidName),
		errors.Is(err, entity.ErrInvalidValue):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, graph.ErrClosed),
		errors.Is(err, notify.ErrClosed),
		errors.Is(err, recordstore.ErrClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func withIndex(i int, err error) error {
	st := toStatus(err)
	s, _ := status.FromError(st)
	return status.Error(s.Code(), fmt.Sprintf("mutations[%d]: %s", i, s.Message()))
}
