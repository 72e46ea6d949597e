package messaging

import (
	"strconv"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/cockroachdb/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const errorDomain = "txncoord"

func grpcCode(code domain.ErrorCode) codes.Code {
	switch code {
	case domain.CodeNoSessionToken, domain.CodeNoInteractiveKey, domain.CodeUnknownParticipant:
		return codes.InvalidArgument
	case domain.CodeInvalidSessionToken, domain.CodeInvalidInteractiveKey:
		return codes.Unauthenticated
	case domain.CodeAccessDenied:
		return codes.PermissionDenied
	case domain.CodeAlreadyActive:
		return codes.AlreadyExists
	case domain.CodeTooManyTransactions:
		return codes.ResourceExhausted
	case domain.CodeNoSuchTransaction:
		return codes.NotFound
	case domain.CodeNoActiveTransaction:
		return codes.FailedPrecondition
	case domain.CodeBeginFailed, domain.CodeOperationFailed:
		return codes.Unavailable
	case domain.CodePrepareFailed, domain.CodeCommitFailed:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// ToStatus converts a coordinator error into a gRPC status error carrying an
// ErrorInfo detail. Errors that are already statuses pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}

	var coordErr *domain.Error
	if !errors.As(err, &coordErr) {
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Error(codes.Unknown, err.Error())
	}

	metadata := map[string]string{}
	if coordErr.TransactionID != "" {
		metadata["transaction_id"] = coordErr.TransactionID
	}
	if coordErr.Participant != "" {
		metadata["participant"] = coordErr.Participant
	}
	if coordErr.Operation != "" {
		metadata["operation"] = coordErr.Operation
	}
	if coordErr.ExistingTransactionID != "" {
		metadata["existing_transaction_id"] = coordErr.ExistingTransactionID
	}
	if coordErr.Limit != 0 {
		metadata["limit"] = strconv.Itoa(coordErr.Limit)
	}
	if coordErr.Err != nil {
		metadata["cause"] = coordErr.Err.Error()
	}

	st := status.New(grpcCode(coordErr.Code), coordErr.Error())
	detailed, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(coordErr.Code),
		Domain:   errorDomain,
		Metadata: metadata,
	})
	if detailErr != nil {
		return st.Err()
	}

	return detailed.Err()
}

// FromStatus rebuilds a *domain.Error from a status produced by ToStatus.
// Other errors are returned unchanged.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}

		md := info.GetMetadata()
		coordErr := &domain.Error{
			Code:                  domain.ParseErrorCode(info.GetReason()),
			TransactionID:         md["transaction_id"],
			Participant:           md["participant"],
			Operation:             md["operation"],
			ExistingTransactionID: md["existing_transaction_id"],
		}
		if limit, convErr := strconv.Atoi(md["limit"]); convErr == nil {
			coordErr.Limit = limit
		}
		if cause, ok := md["cause"]; ok {
			coordErr.Err = errors.New(cause)
		}

		return coordErr
	}

	return err
}
