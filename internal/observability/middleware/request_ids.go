package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"

	maxIDLength = 64
)

type idsKey struct{}

type requestIDs struct {
	request string
	trace   string
}

// WithRequestAndTrace stores a request id and a trace id in the request
// context and echoes both in the response headers. Client supplied ids are
// kept when they are short printable tokens, otherwise fresh ones are issued.
func WithRequestAndTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := requestIDs{
			request: acceptID(r.Header.Get(HeaderRequestID)),
			trace:   acceptID(r.Header.Get(HeaderTraceID)),
		}
		w.Header().Set(HeaderRequestID, ids.request)
		w.Header().Set(HeaderTraceID, ids.trace)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), idsKey{}, ids)))
	})
}

func acceptID(v string) string {
	if v == "" || len(v) > maxIDLength {
		return uuid.NewString()
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		ok := c == '-' || c == '_' || c == '.' ||
			('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
		if !ok {
			return uuid.NewString()
		}
	}
	return v
}

func RequestIDFromContext(ctx context.Context) string {
	ids, _ := ctx.Value(idsKey{}).(requestIDs)
	return ids.request
}

func TraceIDFromContext(ctx context.Context) string {
	ids, _ := ctx.Value(idsKey{}).(requestIDs)
	return ids.trace
}
