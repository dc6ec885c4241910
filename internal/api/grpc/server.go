package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/polykit/eslite/internal/engine"
	eserrors "github.com/polykit/eslite/internal/errors"
	"github.com/polykit/eslite/pkg/types"
)

// Server implements SyncServer on top of an engine.
type Server struct {
	engine *engine.Engine
}

// NewServer creates a gRPC sync server.
func NewServer(e *engine.Engine) *Server {
	return &Server{engine: e}
}

// Migrate applies {namespace, migrations} and returns the applied count and
// the resulting version.
func (s *Server) Migrate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := tagRequest(ctx)

	var in struct {
		Namespace  string            `json:"namespace"`
		Migrations []types.Migration `json:"migrations"`
	}
	if err := decodeStruct(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid migrate request: %v", err)
	}
	if in.Namespace == "" {
		return nil, status.Error(codes.InvalidArgument, "namespace is required")
	}

	applied, err := s.engine.Migrate(ctx, in.Namespace, in.Migrations)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"namespace":  in.Namespace,
		"applied":    applied,
		"version":    s.engine.CurrentVersion(in.Namespace),
		"request_id": requestID,
	})
}

// ApplyDelta applies one delta. key and data are base64 strings or byte
// value lists.
func (s *Server) ApplyDelta(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := tagRequest(ctx)

	var delta types.Delta
	if err := decodeStruct(req, &delta); err != nil {
		return nil, toStatus(eserrors.Wrap(eserrors.ErrCategorySync, eserrors.CodeInvalidDelta, "invalid delta", err))
	}
	if err := s.engine.ApplyDelta(ctx, delta); err != nil {
		return nil, toStatus(err)
	}
	return stateReply(delta.Table, s.engine.State(delta.Table), requestID)
}

// State returns the sync state of {table}.
func (s *Server) State(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := tagRequest(ctx)

	table := req.GetFields()["table"].GetStringValue()
	if table == "" {
		return nil, status.Error(codes.InvalidArgument, "table is required")
	}
	return stateReply(table, s.engine.State(table), requestID)
}

func stateReply(table string, st types.SyncState, requestID string) (*structpb.Struct, error) {
	state := map[string]interface{}{"status": string(st.Status)}
	if st.Trusted() {
		state["last_sequence"] = st.LastSequence
	}
	if st.Reason != "" {
		state["reason"] = st.Reason
	}
	return structpb.NewStruct(map[string]interface{}{
		"table":      table,
		"state":      state,
		"request_id": requestID,
	})
}

// decodeStruct converts a Struct to v through its JSON form. Numbers travel
// as doubles, so sequences above 2^53 lose precision.
func decodeStruct(req *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(req.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// CodeFor maps an engine error to a gRPC status code.
func CodeFor(err error) codes.Code {
	code := eserrors.GetCode(err)
	switch eserrors.GetCategory(err) {
	case eserrors.ErrCategorySchema, eserrors.ErrCategoryConfig:
		return codes.InvalidArgument
	case eserrors.ErrCategoryMigration:
		if code == eserrors.CodeOperationFailed {
			return codes.FailedPrecondition
		}
		return codes.InvalidArgument
	case eserrors.ErrCategorySync:
		switch code {
		case eserrors.CodeNotSynced, eserrors.CodeSequenceGap, eserrors.CodeSchemaNotReady:
			return codes.FailedPrecondition
		case eserrors.CodeInvalidDelta:
			return codes.InvalidArgument
		}
	case eserrors.ErrCategoryQuery:
		switch code {
		case eserrors.CodeTableNotReady:
			return codes.FailedPrecondition
		case eserrors.CodeInvalidQuery:
			return codes.InvalidArgument
		}
	case eserrors.ErrCategoryStorage:
		if code == eserrors.CodeObjectNotFound {
			return codes.NotFound
		}
	}
	return codes.Internal
}

// toStatus converts err to a gRPC status carrying the structured error as a
// Struct detail.
func toStatus(err error) error {
	p := eserrors.ToPayload(err)
	st := status.New(CodeFor(err), p.Message)

	detail, derr := structpb.NewStruct(map[string]interface{}{
		"category":  string(p.Category),
		"code":      p.Code,
		"retryable": p.Retryable,
		"details":   plainDetails(p.Details),
	})
	if derr != nil {
		return st.Err()
	}
	if withDetail, derr := st.WithDetails(protoadapt.MessageV1Of(detail)); derr == nil {
		st = withDetail
	}
	return st.Err()
}

// plainDetails renders detail values structpb cannot hold as strings.
func plainDetails(details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if _, err := structpb.NewValue(v); err != nil {
			v = fmt.Sprint(v)
		}
		out[k] = v
	}
	return out
}

// ErrorDetail returns the structured error attached to a status, if any.
func ErrorDetail(err error) (*structpb.Struct, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			return s, true
		}
	}
	return nil, false
}

// tagRequest returns the caller's x-request-id or a new one and echoes it
// in the response header.
func tagRequest(ctx context.Context) string {
	requestID := extractRequestID(ctx)
	grpc.SetHeader(ctx, metadata.Pairs("x-request-id", requestID))
	return requestID
}

func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}

// LoggingInterceptor logs failed calls.
func LoggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Printf("grpc: %s failed after %v: %v", info.FullMethod, time.Since(start), err)
	}
	return resp, err
}
