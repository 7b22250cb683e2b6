package grpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// adminMethods are the RPCs that change slot availability or reject bookings
// on behalf of staff. They need the same bearer token as the HTTP admin API.
var adminMethods = map[string]bool{
	"/" + ServiceName + "/BlockSlots":    true,
	"/" + ServiceName + "/UnblockSlots":  true,
	"/" + ServiceName + "/RejectBooking": true,
}

// AdminAuthInterceptor requires "authorization: Bearer <token>" metadata on
// admin methods. With an empty token the admin methods are disabled.
func AdminAuthInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !adminMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		if token == "" {
			return nil, status.Error(codes.PermissionDenied, "admin API is not enabled")
		}
		if subtle.ConstantTimeCompare([]byte(bearerToken(ctx)), []byte(token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid admin token")
		}
		return handler(ctx, req)
	}
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		const prefix = "bearer "
		if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			return strings.TrimSpace(v[len(prefix):])
		}
	}
	return ""
}
