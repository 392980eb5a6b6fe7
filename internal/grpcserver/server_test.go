package grpcserver_test

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"tapcash/engagement-service/internal/counts"
	"tapcash/engagement-service/internal/engine/enginetest"
	"tapcash/engagement-service/internal/grpcserver"
)

type harness struct {
	env  *enginetest.Env
	conn *grpc.ClientConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	env := enginetest.New()

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(zap.NewNop())))
	grpcserver.Register(gs, grpcserver.NewServer(env.Service, zap.NewNop()))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{env: env, conn: conn}
}

func (h *harness) authed() context.Context {
	return metadata.AppendToOutgoingContext(context.Background(),
		grpcserver.MetadataUserID, "user-1",
		grpcserver.MetadataWallet, enginetest.Worker.Hex())
}

func (h *harness) call(ctx context.Context, t *testing.T, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out := new(structpb.Struct)
	err = h.conn.Invoke(ctx, grpcserver.FullMethod(method), req, out)
	return out, err
}

func TestUnauthenticated(t *testing.T) {
	h := newHarness(t)

	_, err := h.call(context.Background(), t, "Balance", nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), grpcserver.MetadataUserID, "user-1")
	_, err = h.call(ctx, t, "Balance", nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx = metadata.AppendToOutgoingContext(context.Background(),
		grpcserver.MetadataUserID, "user-1", grpcserver.MetadataWallet, "not-an-address")
	_, err = h.call(ctx, t, "Balance", nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestEligibility(t *testing.T) {
	h := newHarness(t)
	h.env.PutLikeJob(7, "0.50")

	out, err := h.call(h.authed(), t, "Eligibility", map[string]any{"jobId": 7})
	require.NoError(t, err)
	assert.True(t, out.Fields["eligible"].GetBoolValue())
	job := out.Fields["job"].GetStructValue().Fields
	assert.Equal(t, "7", job["id"].GetStringValue())
	assert.Equal(t, "0.50", job["pricePerAction"].GetStringValue())

	out, err = h.call(h.authed(), t, "Eligibility", map[string]any{"jobId": "404"})
	require.NoError(t, err)
	assert.False(t, out.Fields["eligible"].GetBoolValue())
	assert.Equal(t, "job_not_found", out.Fields["reasonCode"].GetStringValue())
}

func TestInvalidJobID(t *testing.T) {
	h := newHarness(t)
	for _, in := range []map[string]any{
		{},
		{"jobId": -1},
		{"jobId": 1.5},
		{"jobId": "abc"},
		{"jobId": true},
	} {
		_, err := h.call(h.authed(), t, "StartVerification", in)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "input %v", in)
	}
}

func TestVerificationAndWithdrawal(t *testing.T) {
	h := newHarness(t)
	h.env.PutLikeJob(1, "10")
	h.env.Counts.Set(enginetest.ContentRef, counts.Counts{Likes: 3}, counts.Counts{Likes: 4})

	out, err := h.call(h.authed(), t, "StartVerification", map[string]any{"jobId": 1})
	require.NoError(t, err)
	assert.Equal(t, float64(3), out.Fields["baselineCounts"].GetStructValue().Fields["likes"].GetNumberValue())
	assert.NotEmpty(t, out.Fields["expiresAt"].GetStringValue())

	out, err = h.call(h.authed(), t, "SubmitVerification", map[string]any{
		"jobId":        1,
		"clientResult": map[string]any{"success": true, "confidence": "medium", "method": "timing"},
	})
	require.NoError(t, err)
	assert.True(t, out.Fields["passed"].GetBoolValue())
	assert.Equal(t, "10.00", out.Fields["rewardAmount"].GetStringValue())
	assert.True(t, out.Fields["withdrawable"].GetBoolValue())
	assert.NotEmpty(t, out.Fields["txRef"].GetStringValue())

	out, err = h.call(h.authed(), t, "Withdraw", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.00", out.Fields["amount"].GetStringValue())
	assert.Equal(t, "0.00", out.Fields["newBalance"].GetStructValue().Fields["earned"].GetStringValue())

	out, err = h.call(h.authed(), t, "Balance", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.00", out.Fields["spendable"].GetStringValue())
	assert.False(t, out.Fields["withdrawable"].GetBoolValue())
}

func TestRejectionCodes(t *testing.T) {
	h := newHarness(t)

	_, err := h.call(h.authed(), t, "SubmitVerification", map[string]any{"jobId": 1})
	st, _ := status.FromError(err)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.True(t, strings.HasPrefix(st.Message(), "session_not_found: "))

	_, err = h.call(h.authed(), t, "Withdraw", nil)
	st, _ = status.FromError(err)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.True(t, strings.HasPrefix(st.Message(), "below_withdrawal_threshold: "))
}

func TestTransientIsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.env.PutLikeJob(1, "0.50")
	h.env.Chain.FailNext("getJob", 1)

	_, err := h.call(h.authed(), t, "StartVerification", map[string]any{"jobId": 1})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestClientResultMustBeObject(t *testing.T) {
	h := newHarness(t)
	_, err := h.call(h.authed(), t, "SubmitVerification", map[string]any{"jobId": 1, "clientResult": "yes"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
