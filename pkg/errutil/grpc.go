package errutil

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
)

// ErrorDomain is reported in the ErrorInfo detail of every gRPC error.
const ErrorDomain = "questledger"

var grpcCodes = map[CoreStatus]codes.Code{
	StatusBadRequest:           codes.InvalidArgument,
	StatusValidationFailed:     codes.InvalidArgument,
	StatusUnsupportedMediaType: codes.InvalidArgument,
	StatusUnauthorized:         codes.Unauthenticated,
	StatusForbidden:            codes.PermissionDenied,
	StatusNotFound:             codes.NotFound,
	StatusConflict:             codes.AlreadyExists,
	StatusUnprocessableEntity:  codes.FailedPrecondition,
	StatusInsufficientFunds:    codes.FailedPrecondition,
	StatusTooManyRequests:      codes.ResourceExhausted,
	StatusClientClosedRequest:  codes.Canceled,
	StatusTimeout:              codes.DeadlineExceeded,
	StatusGatewayTimeout:       codes.DeadlineExceeded,
	StatusNotImplemented:       codes.Unimplemented,
	StatusBadGateway:           codes.Unavailable,
	StatusServiceUnavailable:   codes.Unavailable,
	StatusInternal:             codes.Internal,
}

func (s CoreStatus) GRPCCode() codes.Code {
	if c, ok := grpcCodes[s]; ok {
		return c
	}
	return codes.Unknown
}

// ToGRPCError converts err into a status error. Domain errors carry their
// CoreStatus as the ErrorInfo reason and their field details as a
// BadRequest, since several statuses share one gRPC code.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var base BaseError
	if errors.As(err, &base) {
		return withDetails(status.New(base.Code.GRPCCode(), base.messageWithErr()), base.Code, base.Details)
	}

	var coder interface{ Status() CoreStatus }
	if errors.As(err, &coder) {
		return withDetails(status.New(coder.Status().GRPCCode(), err.Error()), coder.Status(), nil)
	}

	return status.Error(codes.Internal, err.Error())
}

func withDetails(st *status.Status, code CoreStatus, details []Detail) error {
	msgs := []protoadapt.MessageV1{&errdetails.ErrorInfo{Reason: string(code), Domain: ErrorDomain}}
	if len(details) > 0 {
		br := &errdetails.BadRequest{}
		for _, d := range details {
			br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
				Field:       d.Field,
				Description: d.Message,
			})
		}
		msgs = append(msgs, br)
	}

	detailed, err := st.WithDetails(msgs...)
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}
