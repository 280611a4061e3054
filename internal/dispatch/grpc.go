package dispatch

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tenantgate.org/internal/auth"
	"tenantgate.org/internal/ids"
	"tenantgate.org/internal/obs"
	"tenantgate.org/internal/session"
)

// UnaryClientInterceptor attaches the credential and tenant metadata to every
// unary call and resends once after a refresh when the server answers
// Unauthenticated or PermissionDenied.
func UnaryClientInterceptor(sess Session) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		cred, ok := sess.Credential()
		if !ok {
			return status.Error(codes.Unauthenticated, auth.ErrNoCredential.Error())
		}
		rid, ok := auth.RequestIDFromContext(ctx)
		if !ok {
			rid = ids.New()
		}

		err := invoker(outgoing(ctx, sess, cred, rid), method, req, reply, cc, opts...)
		if !rejected(err) || Retried(ctx) {
			return err
		}

		next, rerr := sess.Refresh(ctx, cred.Token)
		if rerr != nil {
			obs.DispatchRetriesTotal.WithLabelValues("grpc", "refresh_failed").Inc()
			return err
		}
		retryCtx := markRetried(ctx)
		err = invoker(outgoing(retryCtx, sess, next, rid), method, req, reply, cc, opts...)
		switch {
		case rejected(err):
			obs.DispatchRetriesTotal.WithLabelValues("grpc", "rejected").Inc()
			obs.Warn("rpc rejected after refresh", map[string]any{"request_id": rid, "method": method})
			_ = sess.Logout(retryCtx, session.ReasonRejected)
		case err != nil:
			obs.DispatchRetriesTotal.WithLabelValues("grpc", "error").Inc()
		default:
			obs.DispatchRetriesTotal.WithLabelValues("grpc", "success").Inc()
		}
		return err
	}
}

func rejected(err error) bool {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

func outgoing(ctx context.Context, sess Session, cred auth.Credential, rid string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set("authorization", "Bearer "+cred.Token)
	md.Set(strings.ToLower(ids.RequestIDHeader), rid)
	md.Delete(strings.ToLower(HeaderOrganizationID))
	md.Delete(strings.ToLower(HeaderOrganizationPrefix))
	if org, ok := sess.Current(); ok {
		md.Set(strings.ToLower(HeaderOrganizationID), org.ID)
		md.Set(strings.ToLower(HeaderOrganizationPrefix), org.Prefix)
	}
	return metadata.NewOutgoingContext(ctx, md)
}
