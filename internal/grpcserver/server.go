// Package grpcserver implements the EngagementService gRPC server.
//
// It delegates all business logic to engine.Service and handles only the
// transport concerns: metadata extraction, error mapping, and conversion
// between engine results and wire messages. Messages are
// google.protobuf.Struct so the service needs no generated stubs.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/engine"
	"tapcash/engagement-service/internal/ledger"
	"tapcash/engagement-service/internal/money"
	"tapcash/engagement-service/internal/scoring"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "engagement.v1.EngagementService"

// Metadata keys forwarded by the gateway.
const (
	MetadataUserID = "x-user-id"
	MetadataWallet = "x-wallet-address"
)

// EngagementServer is the method set registered under ServiceName.
type EngagementServer interface {
	Eligibility(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartVerification(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitVerification(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Withdraw(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Balance(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements EngagementServer.
type Server struct {
	svc *engine.Service
	log *zap.Logger
}

// NewServer constructs a gRPC Server backed by the given engine.Service.
func NewServer(svc *engine.Service, log *zap.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// Register mounts s on a grpc.Server.
func Register(gs *grpc.Server, s EngagementServer) {
	gs.RegisterService(&serviceDesc, s)
}

// ─── RPC implementations ──────────────────────────────────────────────────────

// Eligibility reports whether the caller may claim jobId.
func (s *Server) Eligibility(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromCtx(ctx)
	if err != nil {
		return nil, err
	}
	jobID, err := jobIDFrom(req)
	if err != nil {
		return nil, err
	}

	d, err := s.svc.Eligibility(ctx, caller, jobID)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	out := map[string]any{"eligible": d.Eligible}
	if !d.Eligible {
		out["reasonCode"] = d.ReasonCode
		out["message"] = apperr.Guidance(d.ReasonCode)
	}
	if d.Job.Exists() {
		out["job"] = map[string]any{
			"id":               strconv.FormatUint(d.Job.ID, 10),
			"creator":          d.Job.Creator.Hex(),
			"actionType":       string(d.Job.ActionType),
			"contentRef":       d.Job.ContentRef,
			"pricePerAction":   money.Format(d.Job.PricePerAction),
			"maxActions":       d.Job.MaxActions,
			"completedActions": d.Job.CompletedActions,
			"active":           d.Job.Active,
		}
	}
	return toStruct(out)
}

// StartVerification opens a session and returns the baseline.
func (s *Server) StartVerification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromCtx(ctx)
	if err != nil {
		return nil, err
	}
	jobID, err := jobIDFrom(req)
	if err != nil {
		return nil, err
	}

	res, err := s.svc.StartVerification(ctx, caller, jobID)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	baseline := make(map[string]any, len(res.BaselineCounts))
	for k, v := range res.BaselineCounts {
		baseline[k] = v
	}
	return toStruct(map[string]any{
		"jobId":          strconv.FormatUint(res.JobID, 10),
		"actionType":     string(res.ActionType),
		"contentRef":     res.ContentRef,
		"baselineCounts": baseline,
		"instructions":   res.Instructions,
		"expiresAt":      res.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// SubmitVerification scores the session and settles on pass.
func (s *Server) SubmitVerification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromCtx(ctx)
	if err != nil {
		return nil, err
	}
	jobID, err := jobIDFrom(req)
	if err != nil {
		return nil, err
	}
	client, err := clientAssertionFrom(req)
	if err != nil {
		return nil, err
	}

	res, err := s.svc.SubmitVerification(ctx, caller, jobID, client)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	out := map[string]any{
		"passed":       res.Passed,
		"reasonCode":   res.ReasonCode,
		"confidence":   string(res.Confidence),
		"score":        res.Score,
		"withdrawable": res.Withdrawable,
	}
	if !res.Passed {
		out["message"] = apperr.Guidance(res.ReasonCode)
	}
	if res.RewardAmount != nil {
		out["rewardAmount"] = money.Format(*res.RewardAmount)
	}
	if res.NewEarnedBalance != nil {
		out["newEarnedBalance"] = money.Format(*res.NewEarnedBalance)
	}
	if res.TxRef != "" {
		out["txRef"] = res.TxRef
	}
	return toStruct(out)
}

// Withdraw moves the caller's earned balance out.
func (s *Server) Withdraw(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromCtx(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.Withdraw(ctx, caller)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	return toStruct(map[string]any{
		"amount":     money.Format(res.Amount),
		"newBalance": s.balanceMap(res.NewBalance),
		"sourceRef":  res.SourceRef,
	})
}

// Balance returns the caller's earned and spendable totals.
func (s *Server) Balance(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	caller, err := callerFromCtx(ctx)
	if err != nil {
		return nil, err
	}
	bal, err := s.svc.Balance(ctx, caller)
	if err != nil {
		return nil, s.toGRPCError(err)
	}
	return toStruct(s.balanceMap(bal))
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *Server) balanceMap(b ledger.Balance) map[string]any {
	return map[string]any{
		"earned":       money.Format(b.Earned),
		"spendable":    money.Format(b.Spendable),
		"withdrawable": b.Withdrawable,
		"threshold":    money.Format(s.svc.Threshold()),
	}
}

// callerFromCtx builds the caller from the metadata the gateway forwards.
func callerFromCtx(ctx context.Context) (engine.Caller, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return engine.Caller{}, status.Error(codes.Unauthenticated, "missing metadata")
	}
	userID := first(md.Get(MetadataUserID))
	if userID == "" {
		return engine.Caller{}, status.Error(codes.Unauthenticated, "missing x-user-id metadata")
	}
	caller, err := engine.NewCaller(userID, first(md.Get(MetadataWallet)))
	if err != nil {
		return engine.Caller{}, status.Error(codes.Unauthenticated, "missing or invalid x-wallet-address metadata")
	}
	return caller, nil
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// jobIDFrom accepts jobId as a JSON number or a decimal string.
func jobIDFrom(req *structpb.Struct) (uint64, error) {
	v, ok := req.GetFields()["jobId"]
	if !ok {
		return 0, status.Error(codes.InvalidArgument, "jobId is required")
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n < 0 || n != math.Trunc(n) || n > math.MaxInt64 {
			return 0, status.Error(codes.InvalidArgument, "jobId must be a non-negative integer")
		}
		return uint64(n), nil
	case *structpb.Value_StringValue:
		id, err := strconv.ParseUint(kind.StringValue, 10, 64)
		if err != nil {
			return 0, status.Error(codes.InvalidArgument, "jobId must be a non-negative integer")
		}
		return id, nil
	}
	return 0, status.Error(codes.InvalidArgument, "jobId must be a number or string")
}

func clientAssertionFrom(req *structpb.Struct) (*scoring.ClientAssertion, error) {
	v, ok := req.GetFields()["clientResult"]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	obj := v.GetStructValue()
	if obj == nil {
		return nil, status.Error(codes.InvalidArgument, "clientResult must be an object")
	}
	f := obj.GetFields()
	return &scoring.ClientAssertion{
		Success:    f["success"].GetBoolValue(),
		Confidence: f["confidence"].GetStringValue(),
		Method:     f["method"].GetStringValue(),
	}, nil
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}

// toGRPCError maps engine errors to gRPC status errors. Rejections carry
// "<reason_code>: <message>" so clients can branch on the code.
func (s *Server) toGRPCError(err error) error {
	var rej *apperr.Rejection
	switch {
	case errors.As(err, &rej):
		code := codes.FailedPrecondition
		if rej.Code == apperr.ReasonJobNotFound || rej.Code == apperr.ReasonSessionNotFound {
			code = codes.NotFound
		}
		return status.Error(code, fmt.Sprintf("%s: %s", rej.Code, rej.Message))
	case errors.Is(err, engine.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case apperr.IsTransient(err):
		s.log.Warn("rpc failed", zap.Error(err))
		return status.Error(codes.Unavailable, "temporarily unavailable, please try again")
	case apperr.IsInvariant(err):
		s.log.Error("invariant violation", zap.Bool("operator_attention", true), zap.Error(err))
	default:
		s.log.Warn("rpc failed", zap.Error(err))
	}
	return status.Error(codes.Internal, "internal server error")
}

// LoggingInterceptor logs one line per RPC.
func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("took", time.Since(start)))
		return resp, err
	}
}
