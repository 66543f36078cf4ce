package errutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestConstructorsKeepCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal("persist failed", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, StatusInternal, StatusOf(err))
}

func TestIsMatchesSentinel(t *testing.T) {
	sentinel := InsufficientFunds("insufficient tokens", nil)
	wrapped := fmt.Errorf("debit: %w", InsufficientFunds("insufficient tokens", nil, WithDetails(Detail{Field: "amount", Message: "too big"})))

	require.True(t, errors.Is(wrapped, sentinel))
	require.False(t, errors.Is(wrapped, Conflict("insufficient tokens", nil)))
	require.True(t, errors.Is(wrapped, BaseError{Code: StatusInsufficientFunds}))
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusUnprocessableEntity, StatusInsufficientFunds.HTTPStatus())
	require.Equal(t, http.StatusConflict, StatusConflict.HTTPStatus())
	require.Equal(t, 499, StatusClientClosedRequest.HTTPStatus())
	require.Equal(t, http.StatusInternalServerError, CoreStatus("nope").HTTPStatus())
}

func TestToGRPCError(t *testing.T) {
	err := ToGRPCError(NotFound("redemption not found", nil))
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.NotFound, st.Code())

	st, _ = status.FromError(ToGRPCError(errors.New("x")))
	require.Equal(t, codes.Internal, st.Code())
	require.Nil(t, ToGRPCError(nil))
}

func TestGRPCErrorKeepsReasonAndFields(t *testing.T) {
	err := ToGRPCError(fmt.Errorf("redeem: %w", Conflict("redemption is terminal", nil,
		WithDetails(Detail{Field: "status", Message: "fulfilled"}))))

	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.AlreadyExists, st.Code())

	var info *errdetails.ErrorInfo
	var br *errdetails.BadRequest
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			info = v
		case *errdetails.BadRequest:
			br = v
		}
	}
	require.NotNil(t, info)
	require.Equal(t, string(StatusConflict), info.Reason)
	require.Equal(t, ErrorDomain, info.Domain)
	require.NotNil(t, br)
	require.Equal(t, "status", br.FieldViolations[0].Field)
	require.Equal(t, "fulfilled", br.FieldViolations[0].Description)

	st, _ = status.FromError(ToGRPCError(InsufficientFunds("insufficient token balance", nil)))
	require.Equal(t, codes.FailedPrecondition, st.Code())
	require.Equal(t, codes.Unknown, CoreStatus("nope").GRPCCode())
}

func TestStatusOfPlainError(t *testing.T) {
	require.Equal(t, StatusInternal, StatusOf(errors.New("plain")))
}
