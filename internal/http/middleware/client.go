package middleware

import (
	"context"
	"net/http"

	scs "github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
)

type contextKey string

const ClientIDKey contextKey = "client_id"

// sessionKey is where the client id lives in the session
const sessionKey = "client_id"

// ClientID gives every browser session a stable client id and stores it in
// the request context. It must run inside sess.LoadAndSave.
func ClientID(sess *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := sess.GetString(r.Context(), sessionKey)
			if id == "" {
				id = uuid.NewString()
				sess.Put(r.Context(), sessionKey, id)
			}
			r = r.WithContext(context.WithValue(r.Context(), ClientIDKey, id))
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIDFrom returns the client id stored by ClientID, or "".
func ClientIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ClientIDKey).(string)
	return id
}
