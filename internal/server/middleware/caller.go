package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/futarchy/internal/crypto"
)

// Request identity headers.
const (
	HeaderSignature = "X-Signature"
	HeaderSignedAt  = "X-Signed-At"
	HeaderCaller    = "X-Caller"
)

// MaxBodyBytes caps request bodies read for signature checks.
const MaxBodyBytes = 1 << 20

type callerKey struct{}

// WithCaller returns ctx carrying addr as the request's caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	if info, ok := ctx.Value(infoKey{}).(*requestInfo); ok {
		info.caller = addr.Hex()
	}
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom returns the caller resolved by the Caller middleware.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok && addr != (common.Address{})
}

// CallerConfig controls how callers prove who they are.
type CallerConfig struct {
	// RequireSignatures rejects X-Caller and accepts only signed requests.
	RequireSignatures bool
	// MaxAge bounds how far X-Signed-At may be from now.
	MaxAge time.Duration
	Now    func() time.Time
}

// Caller resolves the calling address. A request carrying X-Signature is
// verified against crypto.RequestMessage over its method, path, X-Signed-At
// and body. Otherwise X-Caller is trusted unless signatures are required.
// Requests without either pass through anonymously; handlers that need a
// caller reject them.
func Caller(cfg CallerConfig) func(http.Handler) http.Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sig := r.Header.Get(HeaderSignature); sig != "" {
				addr, status, msg := recoverCaller(r, sig, cfg.MaxAge, now())
				if status != 0 {
					writeError(w, status, msg)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
				return
			}

			if hdr := r.Header.Get(HeaderCaller); hdr != "" {
				if cfg.RequireSignatures {
					writeError(w, http.StatusUnauthorized, "signed request required")
					return
				}
				if !common.IsHexAddress(hdr) {
					writeError(w, http.StatusBadRequest, "X-Caller is not an address")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), common.HexToAddress(hdr))))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoverCaller reads and restores the body, checks the timestamp and
// recovers the signer. A non-zero status reports a rejection.
func recoverCaller(r *http.Request, sig string, maxAge time.Duration, now time.Time) (common.Address, int, string) {
	signedAt, err := strconv.ParseInt(r.Header.Get(HeaderSignedAt), 10, 64)
	if err != nil {
		return common.Address{}, http.StatusUnauthorized, "X-Signed-At must be a unix timestamp"
	}
	if maxAge > 0 {
		skew := now.Sub(time.Unix(signedAt, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxAge {
			return common.Address{}, http.StatusUnauthorized, "signature expired"
		}
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		if err != nil {
			return common.Address{}, http.StatusBadRequest, "unreadable body"
		}
		if len(body) > MaxBodyBytes {
			return common.Address{}, http.StatusRequestEntityTooLarge, "body too large"
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	addr, err := crypto.RecoverRequest(r.Method, r.URL.Path, signedAt, body, sig)
	if err != nil {
		return common.Address{}, http.StatusUnauthorized, "invalid signature"
	}
	return addr, 0, ""
}
