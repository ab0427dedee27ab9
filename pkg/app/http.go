package app

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// wrapHTTPHandler applies middleware so the first one added sees the request
// first, and recovers from panics raised anywhere in the chain.
func wrapHTTPHandler(handler http.Handler, middleware []func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return recoverHTTP(logrus.StandardLogger().WithField("type", "app/http"), handler)
}

func recoverHTTP(log *logrus.Entry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}

				log.WithFields(logrus.Fields{
					"panic": p,
					"path":  r.URL.Path,
				}).Error("recovered from panic")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
