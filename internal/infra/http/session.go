package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// TokenHeader — заголовок с токеном зрителя.
const TokenHeader = "X-Viewer-Token"

type viewerCtxKey struct{}

// SignViewerToken подписывает id зрителя: "<id>.<hex hmac-sha256>".
func SignViewerToken(secret, viewerID string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(viewerID))
	return viewerID + "." + hex.EncodeToString(h.Sum(nil))
}

// SessionAuthMiddleware проверяет подпись токена зрителя и кладёт его
// id в контекст запроса.
func SessionAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(TokenHeader)
			viewerID, ok := verifyViewerToken(secret, token)
			if !ok {
				http.Error(w, "недействительный токен зрителя", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), viewerCtxKey{}, viewerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ViewerID достаёт id зрителя из контекста запроса.
func ViewerID(r *http.Request) string {
	id, _ := r.Context().Value(viewerCtxKey{}).(string)
	return id
}

func verifyViewerToken(secret, token string) (string, bool) {
	idx := strings.LastIndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", false
	}
	viewerID := token[:idx]
	sig, err := hex.DecodeString(token[idx+1:])
	if err != nil {
		return "", false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(viewerID))
	if !hmac.Equal(h.Sum(nil), sig) {
		return "", false
	}
	return viewerID, true
}
